package model

import (
	"errors"
	"time"
)

// ErrMissingUserID marks telemetry that cannot be attributed to a user.
// The event is rejected; the pipeline keeps running.
var ErrMissingUserID = errors.New("telemetry snapshot missing user id")

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type TrendDirection string

const (
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
	TrendImproving TrendDirection = "improving"
)

type Pattern string

const (
	PatternSuddenDrop         Pattern = "sudden_drop"
	PatternConsecutiveDecline Pattern = "consecutive_decline"
)

type DecisionSource string

const (
	SourceReasoningService DecisionSource = "reasoning_service"
	SourceFallback         DecisionSource = "fallback"
	SourceForcedOverride   DecisionSource = "forced_override"
	SourcePolicy           DecisionSource = "policy"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// TelemetrySnapshot is one observed user action. Immutable once created.
type TelemetrySnapshot struct {
	UserID          string    `json:"user_id"`
	Timestamp       time.Time `json:"timestamp"`
	CartItemCount   int       `json:"cart_item_count"`
	CartValue       float64   `json:"cart_value"`
	CheckoutStarted bool      `json:"checkout_started"`
	OrderCompleted  bool      `json:"order_completed"`
	ActiveFeature   string    `json:"active_feature,omitempty"`
	LastAction      string    `json:"last_action,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// BehaviorSignals is the detector's view of one snapshot against the
// user's accumulated state.
type BehaviorSignals struct {
	UserID            string    `json:"user_id"`
	CartAbandonedLong bool      `json:"cart_abandoned_long"`
	CartItemRemoved   bool      `json:"cart_item_removed"`
	LongInactive      bool      `json:"long_inactive"`
	CartRemovalCount  int       `json:"cart_removal_count"`
	EngagementScore   int       `json:"engagement_score"`
	Risk              RiskLevel `json:"risk_level"`
	Reasons           []string  `json:"reasons,omitempty"`
}

// Any reports whether at least one disengagement flag fired.
func (s BehaviorSignals) Any() bool {
	return s.CartAbandonedLong || s.CartItemRemoved || s.LongInactive
}

type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type TrendAnalysis struct {
	Sufficient     bool           `json:"sufficient"`
	DataPoints     int            `json:"data_points"`
	Baseline       float64        `json:"baseline"`
	RecentAverage  float64        `json:"recent_average"`
	DropPercentage float64        `json:"drop_percentage"`
	HasDropped     bool           `json:"has_dropped"`
	Trend          TrendDirection `json:"trend"`
	Patterns       []Pattern      `json:"patterns,omitempty"`
}

type OutreachDecision struct {
	UserID            string         `json:"user_id"`
	Timestamp         time.Time      `json:"timestamp"`
	ShouldCall        bool           `json:"should_call"`
	Confidence        int            `json:"confidence"`
	Reasoning         string         `json:"reasoning"`
	Urgency           Urgency        `json:"urgency"`
	AlternativeAction string         `json:"alternative_action,omitempty"`
	Source            DecisionSource `json:"source"`
}

// CallRecord is written exactly once per user and never modified.
type CallRecord struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Decision   OutreachDecision `json:"decision"`
	DispatchID string           `json:"dispatch_id,omitempty"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
}

type DispatchResult struct {
	Attempted  bool   `json:"attempted"`
	Success    bool   `json:"success"`
	DispatchID string `json:"dispatch_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type AggregatePoint struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveUsers       int       `json:"active_users"`
	TotalEvents       int64     `json:"total_events"`
	AverageEngagement float64   `json:"average_engagement"`
	CheckoutStarts    int       `json:"checkout_starts"`
	OrdersCompleted   int       `json:"orders_completed"`
}

type FeatureUsage struct {
	Feature string `json:"feature"`
	Count   int    `json:"count"`
}

type EventLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	LastAction string    `json:"last_action,omitempty"`
	Feature    string    `json:"feature,omitempty"`
	CartItems  int       `json:"cart_items"`
	CartValue  float64   `json:"cart_value"`
}

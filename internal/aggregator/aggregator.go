package aggregator

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

// Aggregator is an independent streaming consumer of the telemetry
// feed. It holds only its own locks, so a slow outreach decision can
// never delay a dashboard read, and ingest stays O(1) amortized.
type Aggregator struct {
	logger *slog.Logger

	historyLimit  int
	eventLogLimit int
	topFeatures   int

	// dedupe suppresses re-delivered snapshots (same user, same event
	// time) arriving over more than one transport.
	dedupe *lru.Cache[string, struct{}]

	mu              sync.RWMutex
	latest          map[string]model.TelemetrySnapshot
	scores          map[string]int
	history         []model.AggregatePoint
	events          []model.EventLogEntry
	eventsHead      int
	totalEvents     int64
	droppedEvents   int64
	checkoutStarts  int
	ordersCompleted int
	updatedAt       time.Time
}

// View is the read-only aggregate the dashboard consumes.
type View struct {
	ActiveUsers       int                  `json:"active_users"`
	TotalEvents       int64                `json:"total_events"`
	DroppedEvents     int64                `json:"dropped_events"`
	AverageEngagement float64              `json:"average_engagement"`
	CheckoutStarts    int                  `json:"checkout_starts"`
	OrdersCompleted   int                  `json:"orders_completed"`
	TopFeatures       []model.FeatureUsage `json:"top_features,omitempty"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func New(cfg config.AggregatorConfig, logger *slog.Logger) *Aggregator {
	dedupe, _ := lru.New[string, struct{}](max(cfg.DedupeSize, 16))
	return &Aggregator{
		logger:        logger,
		historyLimit:  cfg.HistoryLimit,
		eventLogLimit: cfg.EventLogLimit,
		topFeatures:   cfg.TopFeatures,
		dedupe:        dedupe,
		latest:        make(map[string]model.TelemetrySnapshot),
		scores:        make(map[string]int),
	}
}

// UpdateConfig applies new ring bounds. Shrunk limits take effect on
// the next write of the respective ring.
func (a *Aggregator) UpdateConfig(cfg config.AggregatorConfig) {
	if cfg.DedupeSize > 0 {
		a.dedupe.Resize(max(cfg.DedupeSize, 16))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.HistoryLimit > 0 {
		a.historyLimit = cfg.HistoryLimit
	}
	if cfg.EventLogLimit > 0 {
		a.eventLogLimit = cfg.EventLogLimit
	}
	if cfg.TopFeatures > 0 {
		a.topFeatures = cfg.TopFeatures
	}
}

// Ingest folds one snapshot into the rolling aggregates. Malformed
// points are dropped and counted, never propagated.
func (a *Aggregator) Ingest(snapshot model.TelemetrySnapshot) {
	if snapshot.UserID == "" || snapshot.Timestamp.IsZero() {
		a.mu.Lock()
		a.droppedEvents++
		a.mu.Unlock()
		if a.logger != nil {
			a.logger.Debug("aggregator dropped malformed snapshot", "user_id", snapshot.UserID)
		}
		return
	}
	key := snapshot.UserID + "|" + strconv.FormatInt(snapshot.Timestamp.UnixNano(), 10)
	if present, _ := a.dedupe.ContainsOrAdd(key, struct{}{}); present {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, seen := a.latest[snapshot.UserID]
	a.latest[snapshot.UserID] = snapshot
	a.totalEvents++
	if snapshot.CheckoutStarted && (!seen || !prev.CheckoutStarted) {
		a.checkoutStarts++
	}
	if snapshot.OrderCompleted && (!seen || !prev.OrderCompleted) {
		a.ordersCompleted++
	}
	a.appendEvent(model.EventLogEntry{
		Timestamp:  snapshot.Timestamp,
		UserID:     snapshot.UserID,
		LastAction: snapshot.LastAction,
		Feature:    snapshot.ActiveFeature,
		CartItems:  snapshot.CartItemCount,
		CartValue:  snapshot.CartValue,
	})
	a.updatedAt = time.Now().UTC()
	a.appendHistoryLocked()
}

// ObserveScore records the latest engagement score for a user, feeding
// the rolling average. Called by the detection path; cheap enough to
// sit on it without coupling to decision latency.
func (a *Aggregator) ObserveScore(userID string, score int) {
	if userID == "" {
		return
	}
	a.mu.Lock()
	a.scores[userID] = score
	a.appendHistoryLocked()
	a.mu.Unlock()
}

func (a *Aggregator) Snapshot() View {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return View{
		ActiveUsers:       len(a.latest),
		TotalEvents:       a.totalEvents,
		DroppedEvents:     a.droppedEvents,
		AverageEngagement: a.averageEngagementLocked(),
		CheckoutStarts:    a.checkoutStarts,
		OrdersCompleted:   a.ordersCompleted,
		TopFeatures:       a.topFeaturesLocked(a.topFeatures),
		UpdatedAt:         a.updatedAt,
	}
}

// History returns the change-deduplicated aggregate points, oldest
// first.
func (a *Aggregator) History() []model.AggregatePoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.AggregatePoint, len(a.history))
	copy(out, a.history)
	return out
}

// Events returns up to limit recent events, newest first.
func (a *Aggregator) Events(limit int) []model.EventLogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	live := a.events[a.eventsHead:]
	if limit <= 0 || limit > len(live) {
		limit = len(live)
	}
	out := make([]model.EventLogEntry, 0, limit)
	for i := len(live) - 1; i >= len(live)-limit; i-- {
		out = append(out, live[i])
	}
	return out
}

// Latest returns the most recent snapshot seen for a user.
func (a *Aggregator) Latest(userID string) (model.TelemetrySnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.latest[userID]
	return snap, ok
}

func (a *Aggregator) appendEvent(entry model.EventLogEntry) {
	a.events = append(a.events, entry)
	for len(a.events)-a.eventsHead > a.eventLogLimit {
		a.eventsHead++
	}
	if a.eventsHead > 0 && a.eventsHead*2 >= len(a.events) {
		a.events = append([]model.EventLogEntry{}, a.events[a.eventsHead:]...)
		a.eventsHead = 0
	}
}

// appendHistoryLocked appends the current aggregate point unless it
// matches the last recorded one, so flat segments collapse to a
// single point. Timestamp and the monotonic event counter are
// excluded from the comparison.
func (a *Aggregator) appendHistoryLocked() {
	point := model.AggregatePoint{
		Timestamp:         time.Now().UTC(),
		ActiveUsers:       len(a.latest),
		TotalEvents:       a.totalEvents,
		AverageEngagement: a.averageEngagementLocked(),
		CheckoutStarts:    a.checkoutStarts,
		OrdersCompleted:   a.ordersCompleted,
	}
	if n := len(a.history); n > 0 {
		last := a.history[n-1]
		if last.ActiveUsers == point.ActiveUsers &&
			last.AverageEngagement == point.AverageEngagement &&
			last.CheckoutStarts == point.CheckoutStarts &&
			last.OrdersCompleted == point.OrdersCompleted {
			return
		}
	}
	a.history = append(a.history, point)
	if len(a.history) > a.historyLimit {
		a.history = append([]model.AggregatePoint{}, a.history[len(a.history)-a.historyLimit:]...)
	}
}

func (a *Aggregator) averageEngagementLocked() float64 {
	if len(a.scores) == 0 {
		return 0
	}
	sum := 0
	for _, score := range a.scores {
		sum += score
	}
	return float64(sum) / float64(len(a.scores))
}

func (a *Aggregator) topFeaturesLocked(k int) []model.FeatureUsage {
	counts := make(map[string]int)
	for _, snap := range a.latest {
		if snap.ActiveFeature != "" {
			counts[snap.ActiveFeature]++
		}
	}
	usage := make([]model.FeatureUsage, 0, len(counts))
	for feature, count := range counts {
		usage = append(usage, model.FeatureUsage{Feature: feature, Count: count})
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Count != usage[j].Count {
			return usage[i].Count > usage[j].Count
		}
		return usage[i].Feature < usage[j].Feature
	})
	if k > 0 && len(usage) > k {
		usage = usage[:k]
	}
	return usage
}

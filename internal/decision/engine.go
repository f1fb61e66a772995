package decision

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cartwatch/internal/config"
	"cartwatch/internal/metrics"
	"cartwatch/internal/model"
	"cartwatch/internal/reasoning"
)

const shardCount = 32

type Phase string

const (
	PhaseUnobserved Phase = "unobserved"
	PhaseMonitoring Phase = "monitoring"
	PhaseEscalated  Phase = "escalated"
	PhaseCalledOnce Phase = "called_once"
)

// Engine decides whether a user's signals warrant one-shot outreach.
// Per-user decisions are serialized on a per-user mutex; the one-shot
// invariant lives in the phase map: CalledOnce is terminal.
type Engine struct {
	logger  *slog.Logger
	advisor reasoning.Advisor
	stats   *metrics.Metrics
	cfg     atomic.Value
	shards  [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

type userEntry struct {
	mu    sync.Mutex
	phase Phase
}

func NewEngine(cfg config.DecisionConfig, advisor reasoning.Advisor, stats *metrics.Metrics, logger *slog.Logger) *Engine {
	e := &Engine{
		logger:  logger,
		advisor: advisor,
		stats:   stats,
	}
	e.cfg.Store(cfg)
	for i := range e.shards {
		e.shards[i].users = make(map[string]*userEntry)
	}
	return e
}

func (e *Engine) UpdateConfig(cfg config.DecisionConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() config.DecisionConfig {
	return e.cfg.Load().(config.DecisionConfig)
}

// Decide runs the outreach policy for one snapshot. The returned
// decision never carries an error: collaborator failures degrade to
// the deterministic fallback. When ShouldCall is true the user is
// already CalledOnce by the time this returns, whatever the later
// dispatch outcome.
func (e *Engine) Decide(ctx context.Context, current, previous *model.TelemetrySnapshot, signals model.BehaviorSignals, trendAnalysis *model.TrendAnalysis) model.OutreachDecision {
	cfg := e.config()
	entry := e.entry(current.UserID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	base := model.OutreachDecision{
		UserID:    current.UserID,
		Timestamp: time.Now().UTC(),
	}

	// One-shot policy: a called user is never consulted again.
	if entry.phase == PhaseCalledOnce {
		base.Reasoning = "already_called"
		base.Urgency = model.UrgencyLow
		base.Source = model.SourcePolicy
		e.stats.RecordDecision(string(base.Source), false)
		return base
	}

	// Repeated cart removals force a call regardless of what the
	// reasoning service would say. Deterministic safety net.
	if signals.CartRemovalCount >= cfg.ForcedRemovalThreshold {
		entry.phase = PhaseCalledOnce
		base.ShouldCall = true
		base.Confidence = 95
		base.Reasoning = fmt.Sprintf("forced override: %d cart removals", signals.CartRemovalCount)
		base.Urgency = model.UrgencyCritical
		base.AlternativeAction = "offer_discount"
		base.Source = model.SourceForcedOverride
		e.stats.RecordDecision(string(base.Source), true)
		if e.logger != nil {
			e.logger.Warn("forced outreach override",
				"user_id", current.UserID,
				"removal_count", signals.CartRemovalCount,
			)
		}
		return base
	}

	// Quiet users cost nothing: no consult without a signal.
	if !signals.Any() {
		entry.phase = PhaseMonitoring
		base.Reasoning = "no disengagement signals"
		base.Urgency = model.UrgencyLow
		base.Source = model.SourcePolicy
		e.stats.RecordDecision(string(base.Source), false)
		return base
	}
	entry.phase = PhaseEscalated

	decision := e.consult(ctx, cfg, current, previous, signals, trendAnalysis, base)
	if decision.ShouldCall {
		entry.phase = PhaseCalledOnce
	}
	e.stats.RecordDecision(string(decision.Source), decision.ShouldCall)
	return decision
}

func (e *Engine) consult(ctx context.Context, cfg config.DecisionConfig, current, previous *model.TelemetrySnapshot, signals model.BehaviorSignals, trendAnalysis *model.TrendAnalysis, base model.OutreachDecision) model.OutreachDecision {
	if e.advisor == nil {
		return fallbackDecision(cfg, current, signals, base)
	}
	consultCtx, cancel := context.WithTimeout(ctx, cfg.ConsultTimeout)
	defer cancel()

	started := time.Now()
	advice, err := e.advisor.Consult(consultCtx, reasoning.ConsultRequest{
		Current:  current,
		Previous: previous,
		Signals:  signals,
		Trend:    trendAnalysis,
	})
	if e.stats != nil {
		e.stats.ConsultLatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if e.stats != nil {
			e.stats.ConsultFailures.Inc()
		}
		if e.logger != nil {
			e.logger.Warn("reasoning consult failed, using fallback",
				"user_id", current.UserID,
				"err", err,
			)
		}
		return fallbackDecision(cfg, current, signals, base)
	}

	base.ShouldCall = advice.ShouldCall
	base.Confidence = advice.Confidence
	base.Reasoning = advice.Reasoning
	base.Urgency = advice.Urgency
	base.AlternativeAction = advice.AlternativeAction
	base.Source = model.SourceReasoningService
	return base
}

// Phase reports the user's current decision phase for the dashboard.
func (e *Engine) Phase(userID string) Phase {
	sh := e.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if entry, ok := sh.users[userID]; ok {
		return entry.phase
	}
	return PhaseUnobserved
}

// Clear resets a user's decision state. Testing/admin only: it hands
// back the one-shot budget.
func (e *Engine) Clear(userID string) {
	sh := e.shard(userID)
	sh.mu.Lock()
	delete(sh.users, userID)
	sh.mu.Unlock()
}

func (e *Engine) entry(userID string) *userEntry {
	sh := e.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.users[userID]
	if !ok {
		entry = &userEntry{phase: PhaseUnobserved}
		sh.users[userID] = entry
	}
	return entry
}

func (e *Engine) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &e.shards[h.Sum32()%shardCount]
}

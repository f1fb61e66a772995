package outreach

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cartwatch/internal/config"
	"cartwatch/internal/metrics"
	"cartwatch/internal/model"
	"cartwatch/internal/storage"
	"cartwatch/internal/telephony"
)

// Orchestrator turns a positive outreach decision into exactly one
// telephony dispatch. The CallRecord layer makes it idempotent: a user
// with an existing record is rejected before any external call.
type Orchestrator struct {
	dialer  telephony.Dialer
	history *History
	store   storage.Store
	stats   *metrics.Metrics
	logger  *slog.Logger
	cfg     atomic.Value
	blocked atomic.Value
}

func NewOrchestrator(cfg config.OutreachConfig, dialer telephony.Dialer, history *History, store storage.Store, stats *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if history == nil {
		history = NewHistory()
	}
	o := &Orchestrator{
		dialer:  dialer,
		history: history,
		store:   store,
		stats:   stats,
		logger:  logger,
	}
	o.cfg.Store(cfg)
	o.blocked.Store(buildBlockSet(cfg))
	return o
}

func (o *Orchestrator) UpdateConfig(cfg config.OutreachConfig) {
	o.cfg.Store(cfg)
	o.blocked.Store(buildBlockSet(cfg))
}

func (o *Orchestrator) config() config.OutreachConfig {
	return o.cfg.Load().(config.OutreachConfig)
}

func (o *Orchestrator) History() *History {
	return o.history
}

// Dispatch places the call for a ShouldCall decision. Failures come
// back as results, never as panics or propagated errors, and are never
// retried here: a duplicate real-world call is worse than a missed one.
func (o *Orchestrator) Dispatch(ctx context.Context, snapshot *model.TelemetrySnapshot, decision model.OutreachDecision) model.DispatchResult {
	if !decision.ShouldCall {
		return model.DispatchResult{Reason: "decision declined call"}
	}

	// Idempotency gate, checked before anything leaves the process.
	if o.history.Has(decision.UserID) {
		if o.logger != nil {
			o.logger.Warn("outreach rejected: call record already exists", "user_id", decision.UserID)
		}
		o.count("rejected_duplicate")
		return model.DispatchResult{Reason: "already_called"}
	}

	cfg := o.config()
	destination := cfg.Directory[decision.UserID]
	if destination == "" {
		destination = cfg.DefaultDestination
	}

	if o.blockSet().Blocked(decision.UserID, destination) {
		o.count("blocked")
		if o.logger != nil {
			o.logger.Info("outreach suppressed by do-not-call list", "user_id", decision.UserID)
		}
		return model.DispatchResult{Reason: "do_not_call"}
	}
	if destination == "" {
		o.count("no_destination")
		if o.logger != nil {
			o.logger.Info("outreach skipped: no destination for user", "user_id", decision.UserID)
		}
		return model.DispatchResult{Reason: "no_destination"}
	}

	rec := model.CallRecord{
		ID:        uuid.NewString(),
		UserID:    decision.UserID,
		Timestamp: time.Now().UTC(),
		Decision:  decision,
	}
	result := model.DispatchResult{Attempted: true}

	if o.dialer == nil {
		rec.Error = "telephony disabled"
		result.Error = rec.Error
		o.count("failure")
	} else {
		callResult, err := o.dialer.Place(ctx, telephony.CallRequest{
			RequestID:   rec.ID,
			Destination: destination,
			Script:      renderScript(cfg.ScriptTemplate, snapshot, decision),
			Metadata: map[string]string{
				"user_id": decision.UserID,
				"urgency": string(decision.Urgency),
				"source":  string(decision.Source),
			},
		})
		switch {
		case err != nil:
			rec.Error = err.Error()
			result.Error = rec.Error
			o.count("failure")
			if o.logger != nil {
				o.logger.Error("telephony dispatch failed", "user_id", decision.UserID, "err", err)
			}
		case !callResult.Success:
			rec.DispatchID = callResult.DispatchID
			rec.Error = callResult.Error
			result.DispatchID = callResult.DispatchID
			result.Error = callResult.Error
			o.count("failure")
		default:
			rec.DispatchID = callResult.DispatchID
			rec.Success = true
			result.Success = true
			result.DispatchID = callResult.DispatchID
			o.count("success")
		}
	}

	// The record is written whatever the outcome: the one-shot budget
	// was spent the moment the decision flipped to call.
	if err := o.history.Record(rec); err != nil {
		o.count("rejected_duplicate")
		return model.DispatchResult{Reason: "already_called"}
	}
	if o.store != nil {
		if err := o.store.SaveCallRecord(context.Background(), rec); err != nil && o.logger != nil {
			o.logger.Error("persist call record failed", "user_id", rec.UserID, "err", err)
		}
	}
	return result
}

// renderScript fills the operator template. Placeholders are literal
// tokens ({reason}, {cart_items}, {cart_value}); an unrecognized token
// or a stray % passes through untouched, so a template mistake can
// never inject formatting noise into a live call script.
func renderScript(tmpl string, snapshot *model.TelemetrySnapshot, decision model.OutreachDecision) string {
	items := 0
	value := 0.0
	if snapshot != nil {
		items = snapshot.CartItemCount
		value = snapshot.CartValue
	}
	script := strings.ReplaceAll(tmpl, "{reason}", decision.Reasoning)
	script = strings.ReplaceAll(script, "{cart_items}", strconv.Itoa(items))
	script = strings.ReplaceAll(script, "{cart_value}", strconv.FormatFloat(value, 'f', 2, 64))
	return script
}

func (o *Orchestrator) blockSet() *blockSet {
	if v := o.blocked.Load(); v != nil {
		return v.(*blockSet)
	}
	return nil
}

func (o *Orchestrator) count(result string) {
	if o.stats != nil {
		o.stats.CallsDispatched.WithLabelValues(result).Inc()
	}
}

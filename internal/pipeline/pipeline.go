package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cartwatch/internal/aggregator"
	"cartwatch/internal/config"
	"cartwatch/internal/decision"
	"cartwatch/internal/detector"
	"cartwatch/internal/metrics"
	"cartwatch/internal/model"
	"cartwatch/internal/outreach"
	"cartwatch/internal/storage"
	"cartwatch/internal/trend"
)

const shardCount = 32

// Pipeline consumes the telemetry stream and fans it into the two
// independent consumers: the aggregator (hot path, never waits on
// anything external) and the detection/decision path (per-user
// serialized, with consults and dispatches pushed off to their own
// goroutine per event).
type Pipeline struct {
	logger       *slog.Logger
	stats        *metrics.Metrics
	detector     *detector.Detector
	series       *trend.SeriesStore
	engine       *decision.Engine
	orchestrator *outreach.Orchestrator
	aggregator   *aggregator.Aggregator
	store        storage.Store

	cfg     atomic.Value
	paused  atomic.Bool
	started time.Time

	// lastFlushed marks the newest aggregate point already persisted.
	// Touched only by the flush loop.
	lastFlushed time.Time

	shards [shardCount]prevShard
}

type prevShard struct {
	mu   sync.Mutex
	prev map[string]*model.TelemetrySnapshot
}

func New(cfg *config.Config, det *detector.Detector, series *trend.SeriesStore, eng *decision.Engine, orch *outreach.Orchestrator, agg *aggregator.Aggregator, store storage.Store, stats *metrics.Metrics, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		logger:       logger,
		stats:        stats,
		detector:     det,
		series:       series,
		engine:       eng,
		orchestrator: orch,
		aggregator:   agg,
		store:        store,
		started:      time.Now().UTC(),
	}
	p.cfg.Store(cfg)
	for i := range p.shards {
		p.shards[i].prev = make(map[string]*model.TelemetrySnapshot)
	}
	return p
}

func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
	p.detector.UpdateConfig(cfg.Detection)
	p.engine.UpdateConfig(cfg.Decision)
	p.orchestrator.UpdateConfig(cfg.Outreach)
	p.series.UpdateLimits(cfg.Trend.Retention, cfg.Trend.SeriesPointLimit)
	p.aggregator.UpdateConfig(cfg.Aggregator)
}

func (p *Pipeline) config() *config.Config {
	if v := p.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (p *Pipeline) Start(ctx context.Context, in <-chan model.TelemetrySnapshot) {
	go func() {
		for {
			select {
			case snap := <-in:
				_ = p.Process(ctx, snap)
			case <-ctx.Done():
				return
			}
		}
	}()
	if p.store != nil {
		go p.flushLoop(ctx)
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	interval := p.config().Storage.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flushAggregates(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// flushAggregates persists the aggregate points recorded since the
// previous flush. Flat stretches produce no new points, so quiet
// periods write nothing.
func (p *Pipeline) flushAggregates(ctx context.Context) {
	for _, point := range p.aggregator.History() {
		if !point.Timestamp.After(p.lastFlushed) {
			continue
		}
		if err := p.store.SaveAggregate(ctx, point); err != nil {
			if p.logger != nil {
				p.logger.Error("persist aggregate failed", "err", err)
			}
			return
		}
		p.lastFlushed = point.Timestamp
	}
}

// Pause stops per-event processing without tearing down transports.
func (p *Pipeline) Pause()  { p.paused.Store(true) }
func (p *Pipeline) Resume() { p.paused.Store(false) }

func (p *Pipeline) Running() bool { return !p.paused.Load() }

func (p *Pipeline) Started() time.Time { return p.started }

// Process handles one snapshot. The only error it returns is
// validation of the event itself; everything downstream degrades
// internally.
func (p *Pipeline) Process(ctx context.Context, snap model.TelemetrySnapshot) error {
	if p.paused.Load() {
		p.drop("paused")
		return nil
	}
	if snap.UserID == "" {
		p.drop("validation")
		if p.logger != nil {
			p.logger.Warn("rejecting snapshot without user id", "source", snap.Source)
		}
		return model.ErrMissingUserID
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	if p.stats != nil {
		source := snap.Source
		if source == "" {
			source = "unknown"
		}
		p.stats.EventsIngested.WithLabelValues(source).Inc()
	}

	// Aggregator first: it holds only its own locks and must never
	// wait on the decision path.
	p.aggregator.Ingest(snap)

	previous := p.swapPrevious(snap)
	signals, err := p.detector.Observe(&snap, previous)
	if err != nil {
		p.drop("validation")
		return err
	}
	if p.stats != nil {
		p.stats.RecordSignals(signals.CartAbandonedLong, signals.CartItemRemoved, signals.LongInactive)
	}

	p.series.Append(snap.UserID, trend.MetricEngagement, model.SeriesPoint{
		Timestamp: snap.Timestamp,
		Value:     float64(signals.EngagementScore),
	})
	p.aggregator.ObserveScore(snap.UserID, signals.EngagementScore)

	// Decision, consult, and dispatch run off the ingestion loop.
	// Per-user ordering is enforced inside the decision engine.
	go p.evaluate(ctx, snap, previous, signals)
	return nil
}

func (p *Pipeline) evaluate(ctx context.Context, snap model.TelemetrySnapshot, previous *model.TelemetrySnapshot, signals model.BehaviorSignals) {
	cfg := p.config()

	var trendAnalysis *model.TrendAnalysis
	points := p.series.Get(snap.UserID, trend.MetricEngagement)
	if len(points) >= cfg.Trend.MinPoints {
		analysis := trend.Analyze(points, cfg.Trend)
		trendAnalysis = &analysis
	}

	dec := p.engine.Decide(ctx, &snap, previous, signals, trendAnalysis)
	if p.store != nil {
		if err := p.store.SaveDecision(context.Background(), dec); err != nil && p.logger != nil {
			p.logger.Error("persist decision failed", "user_id", dec.UserID, "err", err)
		}
	}
	if !dec.ShouldCall {
		return
	}
	result := p.orchestrator.Dispatch(ctx, &snap, dec)
	if p.logger != nil {
		p.logger.Info("outreach dispatch finished",
			"user_id", dec.UserID,
			"source", dec.Source,
			"attempted", result.Attempted,
			"success", result.Success,
			"reason", result.Reason,
		)
	}
}

// ClearUser resets every per-user store: detector state, decision
// phase, engagement series, and call history. Testing/admin only.
func (p *Pipeline) ClearUser(userID string) {
	if userID == "" {
		return
	}
	p.detector.Forget(userID)
	p.engine.Clear(userID)
	p.series.Clear(userID)
	p.orchestrator.History().Clear(userID)
	sh := p.shard(userID)
	sh.mu.Lock()
	delete(sh.prev, userID)
	sh.mu.Unlock()
}

func (p *Pipeline) swapPrevious(snap model.TelemetrySnapshot) *model.TelemetrySnapshot {
	sh := p.shard(snap.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	previous := sh.prev[snap.UserID]
	copied := snap
	sh.prev[snap.UserID] = &copied
	return previous
}

func (p *Pipeline) shard(userID string) *prevShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &p.shards[h.Sum32()%shardCount]
}

func (p *Pipeline) drop(cause string) {
	if p.stats != nil {
		p.stats.EventsDropped.WithLabelValues(cause).Inc()
	}
}

package detector

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

const shardCount = 32

// Detector keeps per-user behavioral state and turns each telemetry
// snapshot into a set of disengagement signals. All intervals use
// snapshot timestamps (event time), so replayed streams behave the
// same as live ones.
type Detector struct {
	cfg    atomic.Value
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	// cartWatchSince is the event time the non-empty-cart, no-checkout
	// condition was first observed. Zero means no timer running.
	cartWatchSince time.Time
	removalCount   int
	lastSeen       time.Time
}

func New(cfg config.DetectionConfig) *Detector {
	d := &Detector{}
	d.cfg.Store(cfg)
	for i := range d.shards {
		d.shards[i].users = make(map[string]*userState)
	}
	return d
}

func (d *Detector) UpdateConfig(cfg config.DetectionConfig) {
	d.cfg.Store(cfg)
}

func (d *Detector) config() config.DetectionConfig {
	return d.cfg.Load().(config.DetectionConfig)
}

// Observe evaluates one snapshot against the user's accumulated state.
// previous may be nil on the first-ever snapshot for a user.
func (d *Detector) Observe(current, previous *model.TelemetrySnapshot) (model.BehaviorSignals, error) {
	if current == nil || current.UserID == "" {
		return model.BehaviorSignals{}, model.ErrMissingUserID
	}
	cfg := d.config()
	sh := d.shard(current.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[current.UserID]
	if !ok {
		st = &userState{}
		sh.users[current.UserID] = st
		if len(sh.users) > d.perShardLimit(cfg) {
			sh.evictOldest()
		}
	}
	st.lastSeen = current.Timestamp

	signals := model.BehaviorSignals{
		UserID:          current.UserID,
		EngagementScore: 100,
	}

	// Cart-removal escalation. The counter only ever goes up.
	if previous != nil && previous.CartItemCount > current.CartItemCount {
		st.removalCount++
		signals.CartItemRemoved = true
		signals.EngagementScore -= removalPenalty(cfg, st.removalCount)
		signals.Reasons = append(signals.Reasons,
			fmt.Sprintf("cart item removed (escalation tier %d)", removalTier(st.removalCount)))
	}
	signals.CartRemovalCount = st.removalCount

	// Cart-abandonment timer, keyed to the first observation of a
	// non-empty cart with no checkout. Cleared when the cart empties
	// or checkout starts.
	if current.CartItemCount > 0 && !current.CheckoutStarted {
		if st.cartWatchSince.IsZero() {
			st.cartWatchSince = current.Timestamp
		} else if current.Timestamp.Sub(st.cartWatchSince) >= cfg.CartAbandonThreshold {
			signals.CartAbandonedLong = true
			signals.EngagementScore -= cfg.CartAbandonPenalty
			signals.Reasons = append(signals.Reasons,
				fmt.Sprintf("cart abandoned for over %s", cfg.CartAbandonThreshold))
		}
	} else {
		st.cartWatchSince = time.Time{}
	}

	if previous != nil && current.Timestamp.Sub(previous.Timestamp) >= cfg.InactivityThreshold {
		signals.LongInactive = true
		signals.EngagementScore -= cfg.InactivityPenalty
		signals.Reasons = append(signals.Reasons,
			fmt.Sprintf("no activity for over %s", cfg.InactivityThreshold))
	}

	if signals.EngagementScore < 0 {
		signals.EngagementScore = 0
	}
	if signals.EngagementScore > 100 {
		signals.EngagementScore = 100
	}
	signals.Risk = riskFor(signals.EngagementScore)
	return signals, nil
}

// Forget drops all tracking state for a user. Testing/admin only.
func (d *Detector) Forget(userID string) {
	sh := d.shard(userID)
	sh.mu.Lock()
	delete(sh.users, userID)
	sh.mu.Unlock()
}

// Count reports how many users currently have tracking state.
func (d *Detector) Count() int {
	total := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		total += len(d.shards[i].users)
		d.shards[i].mu.Unlock()
	}
	return total
}

func (d *Detector) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &d.shards[h.Sum32()%shardCount]
}

func (d *Detector) perShardLimit(cfg config.DetectionConfig) int {
	limit := cfg.UserStateLimit / shardCount
	if limit < 1 {
		limit = 1
	}
	return limit
}

// evictOldest drops the least recently seen user, preferring users
// with no removal history so escalating counters survive the cap as
// long as possible.
func (sh *shard) evictOldest() {
	var quietID, riskyID string
	var quiet, risky time.Time
	for id, st := range sh.users {
		if st.removalCount == 0 {
			if quietID == "" || st.lastSeen.Before(quiet) {
				quietID, quiet = id, st.lastSeen
			}
		} else if riskyID == "" || st.lastSeen.Before(risky) {
			riskyID, risky = id, st.lastSeen
		}
	}
	victim := quietID
	if victim == "" {
		victim = riskyID
	}
	if victim != "" {
		delete(sh.users, victim)
	}
}

func removalTier(count int) int {
	if count >= 3 {
		return 3
	}
	return count
}

func removalPenalty(cfg config.DetectionConfig, count int) int {
	switch {
	case count >= 3:
		return cfg.RemovalPenaltyTier3
	case count == 2:
		return cfg.RemovalPenaltyTier2
	default:
		return cfg.RemovalPenaltyTier1
	}
}

func riskFor(score int) model.RiskLevel {
	switch {
	case score >= 70:
		return model.RiskLow
	case score >= 40:
		return model.RiskMedium
	case score >= 20:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

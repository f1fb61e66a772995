package detector

import (
	"errors"
	"testing"
	"time"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

func testDetectionConfig() config.DetectionConfig {
	return config.DefaultConfig().Detection
}

func snapAt(userID string, ts time.Time, items int, value float64) *model.TelemetrySnapshot {
	return &model.TelemetrySnapshot{
		UserID:        userID,
		Timestamp:     ts,
		CartItemCount: items,
		CartValue:     value,
	}
}

func TestMissingUserIDRejected(t *testing.T) {
	det := New(testDetectionConfig())
	_, err := det.Observe(&model.TelemetrySnapshot{Timestamp: time.Now()}, nil)
	if !errors.Is(err, model.ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestFirstSnapshotHasNoSignals(t *testing.T) {
	det := New(testDetectionConfig())
	signals, err := det.Observe(snapAt("u1", time.Now(), 2, 80), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signals.Any() {
		t.Fatalf("unexpected signals on first snapshot: %+v", signals)
	}
	if signals.CartRemovalCount != 0 {
		t.Fatalf("removal counter should initialize to 0, got %d", signals.CartRemovalCount)
	}
	if signals.EngagementScore != 100 || signals.Risk != model.RiskLow {
		t.Fatalf("fresh user should score 100/low, got %d/%s", signals.EngagementScore, signals.Risk)
	}
}

func TestCartAbandonmentAfterThreshold(t *testing.T) {
	det := New(testDetectionConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := snapAt("u1", base, 2, 120)
	if signals, _ := det.Observe(first, nil); signals.CartAbandonedLong {
		t.Fatalf("abandonment fired before threshold")
	}
	second := snapAt("u1", base.Add(6*time.Minute), 2, 120)
	signals, err := det.Observe(second, first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !signals.CartAbandonedLong {
		t.Fatalf("expected cart_abandoned_long after 6 minutes")
	}
	if signals.EngagementScore >= 100 {
		t.Fatalf("abandonment should deduct from score, got %d", signals.EngagementScore)
	}
}

func TestAbandonTimerClearedByCheckout(t *testing.T) {
	det := New(testDetectionConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := snapAt("u1", base, 2, 120)
	_, _ = det.Observe(first, nil)

	checkout := snapAt("u1", base.Add(2*time.Minute), 2, 120)
	checkout.CheckoutStarted = true
	_, _ = det.Observe(checkout, first)

	// Timer restarted: 6 minutes after the original add must not fire,
	// because checkout reset the watch.
	later := snapAt("u1", base.Add(6*time.Minute), 2, 120)
	signals, _ := det.Observe(later, checkout)
	if signals.CartAbandonedLong {
		t.Fatalf("abandonment should not fire after checkout cleared the timer")
	}
}

func TestAbandonTimerClearedByEmptyCart(t *testing.T) {
	det := New(testDetectionConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := snapAt("u1", base, 2, 120)
	_, _ = det.Observe(first, nil)
	emptied := snapAt("u1", base.Add(time.Minute), 0, 0)
	_, _ = det.Observe(emptied, first)
	refilled := snapAt("u1", base.Add(2*time.Minute), 1, 40)
	_, _ = det.Observe(refilled, emptied)

	signals, _ := det.Observe(snapAt("u1", base.Add(6*time.Minute), 1, 40), refilled)
	if signals.CartAbandonedLong {
		t.Fatalf("timer should have restarted when cart refilled at t+2m")
	}
}

func TestRemovalCountMonotonicAndTiered(t *testing.T) {
	det := New(testDetectionConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snaps := []*model.TelemetrySnapshot{
		snapAt("u1", base, 5, 200),
		snapAt("u1", base.Add(1*time.Minute), 4, 160),
		snapAt("u1", base.Add(2*time.Minute), 5, 200),
		snapAt("u1", base.Add(3*time.Minute), 3, 120),
		snapAt("u1", base.Add(4*time.Minute), 2, 80),
	}
	wantCounts := []int{0, 1, 1, 2, 3}
	var prev *model.TelemetrySnapshot
	last := 0
	for i, snap := range snaps {
		signals, err := det.Observe(snap, prev)
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		if signals.CartRemovalCount != wantCounts[i] {
			t.Fatalf("snapshot %d: removal count = %d, want %d", i, signals.CartRemovalCount, wantCounts[i])
		}
		if signals.CartRemovalCount < last {
			t.Fatalf("removal count decreased: %d -> %d", last, signals.CartRemovalCount)
		}
		last = signals.CartRemovalCount
		prev = snap
	}
}

func TestRemovalPenaltyEscalates(t *testing.T) {
	cfg := testDetectionConfig()
	det := New(cfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev := snapAt("u1", base, 6, 240)
	_, _ = det.Observe(prev, nil)

	var scores []int
	for i := 1; i <= 3; i++ {
		snap := snapAt("u1", base.Add(time.Duration(i)*time.Minute), 6-i, 200)
		signals, _ := det.Observe(snap, prev)
		scores = append(scores, signals.EngagementScore)
		prev = snap
	}
	if !(scores[0] > scores[1] && scores[1] > scores[2]) {
		t.Fatalf("expected escalating penalties, scores %v", scores)
	}
	if scores[0] != 100-cfg.RemovalPenaltyTier1 {
		t.Fatalf("tier 1 penalty: score %d", scores[0])
	}
	if scores[2] != 100-cfg.RemovalPenaltyTier3 {
		t.Fatalf("tier 3 penalty: score %d", scores[2])
	}
}

func TestLongInactivity(t *testing.T) {
	det := New(testDetectionConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := snapAt("u1", base, 0, 0)
	_, _ = det.Observe(first, nil)
	second := snapAt("u1", base.Add(48*time.Hour), 0, 0)
	signals, _ := det.Observe(second, first)
	if !signals.LongInactive {
		t.Fatalf("expected long_inactive after a 2 day gap")
	}
}

func TestScoreFlooredAndRiskDerived(t *testing.T) {
	cfg := testDetectionConfig()
	cfg.CartAbandonPenalty = 90
	cfg.RemovalPenaltyTier1 = 90
	det := New(cfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := snapAt("u1", base, 3, 90)
	_, _ = det.Observe(first, nil)
	second := snapAt("u1", base.Add(10*time.Minute), 2, 60)
	signals, _ := det.Observe(second, first)
	if signals.EngagementScore != 0 {
		t.Fatalf("score should floor at 0, got %d", signals.EngagementScore)
	}
	if signals.Risk != model.RiskCritical {
		t.Fatalf("score 0 should be critical risk, got %s", signals.Risk)
	}
}

func TestEvictionPrefersRemovalFreeUsers(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sh := &shard{users: map[string]*userState{
		// Older than everyone, but carries an escalating counter.
		"risky": {lastSeen: base, removalCount: 2},
		"quiet": {lastSeen: base.Add(time.Hour)},
		"fresh": {lastSeen: base.Add(2 * time.Hour)},
	}}

	sh.evictOldest()
	if _, ok := sh.users["risky"]; !ok {
		t.Fatalf("user with removal history evicted while quiet users remain")
	}
	if _, ok := sh.users["quiet"]; ok {
		t.Fatalf("oldest removal-free user should have been evicted")
	}

	// Only removal-bearing users left: fall back to the oldest.
	delete(sh.users, "fresh")
	sh.users["riskier"] = &userState{lastSeen: base.Add(time.Minute), removalCount: 1}
	sh.evictOldest()
	if _, ok := sh.users["risky"]; ok {
		t.Fatalf("oldest user should be evicted once no removal-free candidates exist")
	}
	if _, ok := sh.users["riskier"]; !ok {
		t.Fatalf("newer removal-bearing user should survive")
	}
}

func TestForgetClearsState(t *testing.T) {
	det := New(testDetectionConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := snapAt("u1", base, 5, 200)
	_, _ = det.Observe(first, nil)
	second := snapAt("u1", base.Add(time.Minute), 4, 160)
	signals, _ := det.Observe(second, first)
	if signals.CartRemovalCount != 1 {
		t.Fatalf("setup: removal count = %d", signals.CartRemovalCount)
	}

	det.Forget("u1")
	third := snapAt("u1", base.Add(2*time.Minute), 3, 120)
	signals, _ = det.Observe(third, second)
	if signals.CartRemovalCount != 1 {
		t.Fatalf("after forget, counter should restart: got %d", signals.CartRemovalCount)
	}
	if det.Count() != 1 {
		t.Fatalf("expected single tracked user, got %d", det.Count())
	}
}

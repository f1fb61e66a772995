package trend

import (
	"strings"
	"sync"
	"time"

	"cartwatch/internal/model"
)

// MetricEngagement is the per-user series the decision path analyzes.
const MetricEngagement = "engagement"

// SeriesStore retains bounded per-user metric series. Entries older
// than the retention window are evicted on each write.
type SeriesStore struct {
	mu        sync.RWMutex
	series    map[string][]model.SeriesPoint
	retention time.Duration
	pointCap  int
}

func NewSeriesStore(retention time.Duration, pointCap int) *SeriesStore {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if pointCap <= 0 {
		pointCap = 500
	}
	return &SeriesStore{
		series:    make(map[string][]model.SeriesPoint),
		retention: retention,
		pointCap:  pointCap,
	}
}

func (s *SeriesStore) Append(userID, metric string, point model.SeriesPoint) {
	if userID == "" || metric == "" {
		return
	}
	key := seriesKey(userID, metric)

	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := point.Timestamp.Add(-s.retention)
	points := append(s.series[key], point)

	// Prune on write: drop everything past retention, then enforce the
	// point cap from the front.
	start := 0
	for start < len(points) && points[start].Timestamp.Before(cutoff) {
		start++
	}
	points = points[start:]
	if len(points) > s.pointCap {
		points = append([]model.SeriesPoint{}, points[len(points)-s.pointCap:]...)
	}
	s.series[key] = points
}

// UpdateLimits applies new retention and cap bounds. Existing series
// are trimmed on their next write.
func (s *SeriesStore) UpdateLimits(retention time.Duration, pointCap int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if retention > 0 {
		s.retention = retention
	}
	if pointCap > 0 {
		s.pointCap = pointCap
	}
}

func (s *SeriesStore) Get(userID, metric string) []model.SeriesPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.series[seriesKey(userID, metric)]
	if len(points) == 0 {
		return nil
	}
	out := make([]model.SeriesPoint, len(points))
	copy(out, points)
	return out
}

// Clear removes every series tracked for a user.
func (s *SeriesStore) Clear(userID string) {
	prefix := userID + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.series {
		if strings.HasPrefix(key, prefix) {
			delete(s.series, key)
		}
	}
}

func seriesKey(userID, metric string) string {
	return userID + "|" + metric
}

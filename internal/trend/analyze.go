package trend

import (
	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

// Analyze classifies a chronological series of metric values. It is
// pure and deterministic: the same series always yields the same
// analysis.
func Analyze(points []model.SeriesPoint, cfg config.TrendConfig) model.TrendAnalysis {
	n := len(points)
	out := model.TrendAnalysis{
		DataPoints: n,
		Trend:      model.TrendStable,
	}
	if n < cfg.MinPoints {
		return out
	}
	out.Sufficient = true

	out.Baseline = average(points[:n/2])
	recentStart := n - 3
	if recentStart < 0 {
		recentStart = 0
	}
	out.RecentAverage = average(points[recentStart:])

	// A non-positive baseline cannot produce a meaningful drop ratio.
	if out.Baseline > 0 {
		out.DropPercentage = (out.Baseline - out.RecentAverage) / out.Baseline
		out.HasDropped = out.DropPercentage >= cfg.DropThreshold && out.RecentAverage < out.Baseline
	}

	out.Trend = direction(points, cfg.DirectionDelta)
	out.Patterns = DetectPatterns(points, cfg)
	return out
}

// DetectPatterns scans a series for shapes the decision path cares
// about: a single step falling by more than the configured ratio, and
// runs of strictly decreasing points.
func DetectPatterns(points []model.SeriesPoint, cfg config.TrendConfig) []model.Pattern {
	var patterns []model.Pattern
	if suddenDrop(points, cfg.SuddenDropRatio) {
		patterns = append(patterns, model.PatternSuddenDrop)
	}
	if consecutiveDecline(points, cfg.ConsecutiveDecline) {
		patterns = append(patterns, model.PatternConsecutiveDecline)
	}
	return patterns
}

func direction(points []model.SeriesPoint, delta float64) model.TrendDirection {
	half := len(points) / 2
	first := average(points[:half])
	second := average(points[half:])
	if first <= 0 {
		if second > first {
			return model.TrendImproving
		}
		return model.TrendStable
	}
	change := (second - first) / first
	switch {
	case change > delta:
		return model.TrendImproving
	case change < -delta:
		return model.TrendDeclining
	default:
		return model.TrendStable
	}
}

func suddenDrop(points []model.SeriesPoint, ratio float64) bool {
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Value
		if prev <= 0 {
			continue
		}
		if (prev-points[i].Value)/prev > ratio {
			return true
		}
	}
	return false
}

func consecutiveDecline(points []model.SeriesPoint, run int) bool {
	if run < 2 {
		run = 2
	}
	streak := 1
	for i := 1; i < len(points); i++ {
		if points[i].Value < points[i-1].Value {
			streak++
			if streak >= run {
				return true
			}
		} else {
			streak = 1
		}
	}
	return false
}

func average(points []model.SeriesPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

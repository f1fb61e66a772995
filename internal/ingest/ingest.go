package ingest

import (
	"context"
	"log/slog"
	"time"

	"cartwatch/internal/model"
)

// SendNonBlocking forwards a snapshot without ever stalling the
// producer. A full channel drops the event and logs it.
func SendNonBlocking(ctx context.Context, out chan<- model.TelemetrySnapshot, snap model.TelemetrySnapshot, logger *slog.Logger) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("telemetry channel full, dropping snapshot", "user_id", snap.UserID, "timestamp", snap.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

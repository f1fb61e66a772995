package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"cartwatch/internal/model"
)

// snapshotPayload tolerates the field aliases storefront SDK versions
// have used for the same values.
type snapshotPayload struct {
	UserID          string    `json:"user_id"`
	UserIDAlt       string    `json:"userId"`
	Timestamp       time.Time `json:"timestamp"`
	CartItemCount   int       `json:"cart_item_count"`
	CartItems       int       `json:"cartItems"`
	CartValue       float64   `json:"cart_value"`
	CartValueAlt    float64   `json:"cartValue"`
	CheckoutStarted bool      `json:"checkout_started"`
	CheckoutAlt     bool      `json:"checkoutStarted"`
	OrderCompleted  bool      `json:"order_completed"`
	OrderAlt        bool      `json:"orderCompleted"`
	ActiveFeature   string    `json:"active_feature"`
	FeatureAlt      string    `json:"activeFeature"`
	LastAction      string    `json:"last_action"`
	ActionAlt       string    `json:"lastAction"`
}

// ParseSnapshot decodes one telemetry snapshot. A missing timestamp
// defaults to now; a missing user id is a validation error.
func ParseSnapshot(data []byte) (model.TelemetrySnapshot, error) {
	var p snapshotPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.TelemetrySnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshotFromPayload(p)
}

// ParseSnapshotBatch decodes either a single snapshot object or an
// array of them.
func ParseSnapshotBatch(data []byte) ([]model.TelemetrySnapshot, []error) {
	trimmed := trimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var payloads []snapshotPayload
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, []error{fmt.Errorf("decode snapshot batch: %w", err)}
		}
		var (
			out  []model.TelemetrySnapshot
			errs []error
		)
		for _, p := range payloads {
			snap, err := snapshotFromPayload(p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, snap)
		}
		return out, errs
	}
	snap, err := ParseSnapshot(trimmed)
	if err != nil {
		return nil, []error{err}
	}
	return []model.TelemetrySnapshot{snap}, nil
}

func snapshotFromPayload(p snapshotPayload) (model.TelemetrySnapshot, error) {
	snap := model.TelemetrySnapshot{
		UserID:          firstString(p.UserID, p.UserIDAlt),
		Timestamp:       p.Timestamp,
		CartItemCount:   firstInt(p.CartItemCount, p.CartItems),
		CartValue:       firstFloat(p.CartValue, p.CartValueAlt),
		CheckoutStarted: p.CheckoutStarted || p.CheckoutAlt,
		OrderCompleted:  p.OrderCompleted || p.OrderAlt,
		ActiveFeature:   firstString(p.ActiveFeature, p.FeatureAlt),
		LastAction:      firstString(p.LastAction, p.ActionAlt),
	}
	if snap.UserID == "" {
		return model.TelemetrySnapshot{}, model.ErrMissingUserID
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return snap, nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstFloat(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

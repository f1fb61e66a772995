package outreach

import (
	"errors"
	"sync"

	"cartwatch/internal/model"
)

// ErrAlreadyRecorded rejects a second call record for the same user.
var ErrAlreadyRecorded = errors.New("call record already exists for user")

// History holds the immutable call records, at most one per user.
type History struct {
	mu      sync.RWMutex
	records map[string]model.CallRecord
	order   []string
}

func NewHistory() *History {
	return &History{records: make(map[string]model.CallRecord)}
}

// Record stores the user's single call record. A record, once written,
// is never replaced, not even by a "better" outcome.
func (h *History) Record(rec model.CallRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.records[rec.UserID]; exists {
		return ErrAlreadyRecorded
	}
	h.records[rec.UserID] = rec
	h.order = append(h.order, rec.UserID)
	return nil
}

func (h *History) Has(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.records[userID]
	return ok
}

func (h *History) Get(userID string) (model.CallRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[userID]
	return rec, ok
}

// List returns records in insertion order.
func (h *History) List() []model.CallRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.CallRecord, 0, len(h.order))
	for _, userID := range h.order {
		if rec, ok := h.records[userID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Clear drops a single user's record. Testing/admin only.
func (h *History) Clear(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.records[userID]; !ok {
		return
	}
	delete(h.records, userID)
	for i, id := range h.order {
		if id == userID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

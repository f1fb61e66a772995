package outreach

import (
	"strings"

	"cartwatch/internal/config"
)

// blockSet is the compiled do-not-call configuration. Entries match
// either a user id or a destination number, normalized.
type blockSet struct {
	entries map[string]struct{}
}

func buildBlockSet(cfg config.OutreachConfig) *blockSet {
	set := make(map[string]struct{}, len(cfg.DoNotCall))
	for _, v := range cfg.DoNotCall {
		key := normalizeBlockKey(v)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return &blockSet{entries: set}
}

func (b *blockSet) Blocked(userID, destination string) bool {
	if b == nil || len(b.entries) == 0 {
		return false
	}
	if _, ok := b.entries[normalizeBlockKey(userID)]; ok {
		return true
	}
	if destination != "" {
		if _, ok := b.entries[normalizeBlockKey(destination)]; ok {
			return true
		}
	}
	return false
}

func normalizeBlockKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

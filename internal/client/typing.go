package client

import (
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
)

// TypingTracker mirrors the session's typing indicators locally. Entries
// expire after the shared TTL even if the server's DELETE never arrives.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[uuid.UUID]time.Time
	now     func() time.Time
}

// NewTypingTracker constructs an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		entries: make(map[uuid.UUID]time.Time),
		now:     time.Now,
	}
}

// Apply absorbs a typing feed event.
func (t *TypingTracker) Apply(evType feed.EventType, row feed.TypingRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if evType == feed.EventDelete || !row.IsTyping {
		delete(t.entries, row.UserID)
		return
	}
	t.entries[row.UserID] = t.now()
}

// Typing returns the users currently typing, expired entries excluded.
func (t *TypingTracker) Typing() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-model.TypingTTL)
	out := make([]uuid.UUID, 0, len(t.entries))
	for id, seen := range t.entries {
		if seen.Before(cutoff) {
			delete(t.entries, id)
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Package client implements the participant-side runtime: the local message
// store, the reconnecting feed connection, the offline send queue, typing
// presence, and the HTTP API client they share.
package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
)

// MessageStore is the client's in-memory view of a session's messages. It
// absorbs feed events in any arrival interleaving and always renders the
// same timestamp-defined order the server would.
type MessageStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Message
	temp map[string]*model.Message
	// Updates that raced ahead of their INSERT wait here.
	pending map[uuid.UUID]feed.MessageRow
	now     func() time.Time
}

// NewMessageStore constructs an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:    make(map[uuid.UUID]*model.Message),
		temp:    make(map[string]*model.Message),
		pending: make(map[uuid.UUID]feed.MessageRow),
		now:     time.Now,
	}
}

// Insert adds a server message. Re-inserting a known id is a no-op, so
// a REST backfill and the feed can race freely.
func (st *MessageStore) Insert(msg *model.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.insertLocked(msg)
}

func (st *MessageStore) insertLocked(msg *model.Message) {
	if _, ok := st.byID[msg.ID]; ok {
		return
	}
	cp := *msg
	st.byID[msg.ID] = &cp
	if row, ok := st.pending[msg.ID]; ok {
		delete(st.pending, msg.ID)
		st.applyLocked(row)
	}
}

// ApplyOptimistic shows a draft immediately under a local temp id. At most
// one entry exists per temp id; reapplying overwrites it.
func (st *MessageStore) ApplyOptimistic(tempID string, msg *model.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *msg
	st.temp[tempID] = &cp
}

// Reconcile swaps the optimistic entry for the server's message in one
// step; no interleaving observer sees both or neither. Display order is
// defined by the server timestamp, so the row may move on reconcile.
func (st *MessageStore) Reconcile(tempID string, msg *model.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.temp, tempID)
	st.insertLocked(msg)
}

// DropOptimistic removes a draft whose send was abandoned.
func (st *MessageStore) DropOptimistic(tempID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.temp, tempID)
}

// Update applies a feed UPDATE. Updates for ids the store has not seen yet
// are buffered until the INSERT arrives.
func (st *MessageStore) Update(row feed.MessageRow) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.applyLocked(row)
}

func (st *MessageStore) applyLocked(row feed.MessageRow) {
	msg, ok := st.byID[row.ID]
	if !ok {
		st.pending[row.ID] = row
		return
	}
	if row.IsDeleted {
		delete(st.byID, row.ID)
		return
	}
	if upd, err := row.ToModel(); err == nil {
		upd.CreatedAt = msg.CreatedAt // immutable; order never changes on update
		st.byID[row.ID] = upd
	}
}

// MarkDeleted removes the message from view entirely.
func (st *MessageStore) MarkDeleted(id uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.byID, id)
	delete(st.pending, id)
}

// Visible returns the renderable messages: server rows then unreconciled
// drafts, each group ordered by created_at with id as the tiebreak.
func (st *MessageStore) Visible() []model.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]model.Message, 0, len(st.byID)+len(st.temp))
	for _, m := range st.byID {
		if !m.IsDeleted {
			out = append(out, *m)
		}
	}
	for _, m := range st.temp {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Len reports the number of stored server messages.
func (st *MessageStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byID)
}

// Sweep hard-removes messages whose auto-delete deadline has passed. It
// returns how many were removed.
func (st *MessageStore) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, m := range st.byID {
		if m.AutoDeleteAt != nil && !m.AutoDeleteAt.After(now) {
			delete(st.byID, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every second until ctx is canceled.
func (st *MessageStore) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st.Sweep(now)
		}
	}
}

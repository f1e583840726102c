package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/model"
)

// maxSendRetries is the per-draft retry budget before it is dropped.
const maxSendRetries = 3

// Draft is a message captured while offline, waiting to be sent.
type Draft struct {
	LocalID   uint64         `json:"local_id"`
	TempID    string         `json:"temp_id"`
	SessionID uuid.UUID      `json:"session_id"`
	Content   string         `json:"content"`
	ChatMode  model.ChatMode `json:"chat_mode"`
	Retries   int            `json:"retries"`
	QueuedAt  time.Time      `json:"queued_at"`
}

// Sender delivers one draft to the server.
type Sender func(ctx context.Context, d Draft) (*model.Message, error)

// OfflineQueue buffers drafts in FIFO order and persists them to a JSON
// file so a restart keeps unsent messages. The file exists exactly while
// the queue is non-empty.
type OfflineQueue struct {
	path      string
	send      Sender
	online    func() bool
	onSent    func(d Draft, msg *model.Message)
	onDropped func(d Draft)
	log       *zap.Logger

	mu     sync.Mutex
	nextID uint64
	items  []Draft
}

// QueueConfig wires an OfflineQueue.
type QueueConfig struct {
	Path string
	Send Sender
	// Online gates Flush; nil means always online.
	Online    func() bool
	OnSent    func(d Draft, msg *model.Message)
	OnDropped func(d Draft)
	Log       *zap.Logger
}

// NewOfflineQueue loads any persisted drafts from cfg.Path. A missing file
// is an empty queue, not an error.
func NewOfflineQueue(cfg QueueConfig) (*OfflineQueue, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	q := &OfflineQueue{
		path:      cfg.Path,
		send:      cfg.Send,
		online:    cfg.Online,
		onSent:    cfg.OnSent,
		onDropped: cfg.OnDropped,
		log:       cfg.Log,
		nextID:    1,
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return q, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	for _, d := range q.items {
		if d.LocalID >= q.nextID {
			q.nextID = d.LocalID + 1
		}
	}
	return q, nil
}

// Enqueue appends a draft and persists the queue.
func (q *OfflineQueue) Enqueue(sessionID uuid.UUID, tempID, content string, mode model.ChatMode) (Draft, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := Draft{
		LocalID:   q.nextID,
		TempID:    tempID,
		SessionID: sessionID,
		Content:   content,
		ChatMode:  mode,
		QueuedAt:  time.Now(),
	}
	q.nextID++
	q.items = append(q.items, d)
	if err := q.persistLocked(); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// Len reports the number of queued drafts.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drafts returns a snapshot of the queue in send order.
func (q *OfflineQueue) Drafts() []Draft {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Draft, len(q.items))
	copy(out, q.items)
	return out
}

// Flush tries to send every queued draft in order. A draft that fails
// stays queued with its retry counter incremented, or is dropped once the
// budget is spent; later drafts are still attempted. Flush is a no-op when
// the queue is empty or the client is offline.
func (q *OfflineQueue) Flush(ctx context.Context) error {
	if q.online != nil && !q.online() {
		return nil
	}

	q.mu.Lock()
	batch := make([]Draft, len(q.items))
	copy(batch, q.items)
	q.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var remaining []Draft
	var firstErr error
	for _, d := range batch {
		msg, err := q.send(ctx, d)
		if err == nil {
			if q.onSent != nil {
				q.onSent(d, msg)
			}
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		d.Retries++
		if d.Retries >= maxSendRetries {
			q.log.Warn("dropping queued draft",
				zap.Uint64("local_id", d.LocalID),
				zap.Error(fmt.Errorf("%w: %v", errs.ErrRetryExhausted, err)),
			)
			if q.onDropped != nil {
				q.onDropped(d)
			}
			continue
		}
		remaining = append(remaining, d)
	}

	q.mu.Lock()
	q.items = remaining
	perr := q.persistLocked()
	q.mu.Unlock()
	if perr != nil {
		return perr
	}
	return firstErr
}

// persistLocked writes the queue file, or removes it when the queue is
// empty.
func (q *OfflineQueue) persistLocked() error {
	if len(q.items) == 0 {
		if err := os.Remove(q.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove queue file: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := os.WriteFile(q.path, data, 0o600); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}

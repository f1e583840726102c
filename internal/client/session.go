package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
)

// Session is the participant-side handle for one joined session. It owns
// the local message store, the reconnecting feed subscription, the offline
// queue, and typing presence.
type Session struct {
	api    *API
	userID uuid.UUID
	id     uuid.UUID

	Store  *MessageStore
	Typing *TypingTracker
	queue  *OfflineQueue
	conn   *ConnectionManager
	log    *zap.Logger

	// OnNotice receives human-readable session notices (rotations,
	// intrusion alerts, destruction). Optional.
	OnNotice func(text string)

	mu     sync.Mutex
	key    string
	active bool
	closed bool
	cancel context.CancelFunc
}

// SessionConfig wires a Session handle.
type SessionConfig struct {
	API       *API
	UserID    uuid.UUID
	SessionID uuid.UUID
	Key       string
	// QueuePath is the offline-queue file for this session.
	QueuePath string
	Log       *zap.Logger
}

// NewSession builds the handle. Open must be called before use.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Session{
		api:    cfg.API,
		userID: cfg.UserID,
		id:     cfg.SessionID,
		Store:  NewMessageStore(),
		Typing: NewTypingTracker(),
		log:    cfg.Log,
		key:    cfg.Key,
		active: true,
	}

	queue, err := NewOfflineQueue(QueueConfig{
		Path:   cfg.QueuePath,
		Send:   s.sendDraft,
		Online: func() bool { return s.conn.Status() == StatusConnected },
		OnSent: func(d Draft, msg *model.Message) { s.Store.Reconcile(d.TempID, msg) },
		OnDropped: func(d Draft) {
			s.Store.DropOptimistic(d.TempID)
			s.notice("Message could not be delivered and was discarded.")
		},
		Log: cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	s.queue = queue

	s.conn = NewConnectionManager(ConnectionConfig{
		Dial: func(ctx context.Context) (Conn, error) {
			return s.api.DialFeed(ctx, s.id)
		},
		OnEvent:  s.handleEvent,
		OnStatus: s.handleStatus,
		Log:      cfg.Log,
	})
	return s, nil
}

// Open connects the feed, backfills history, and starts the local sweeps.
func (s *Session) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	msgs, err := s.api.Messages(ctx, s.id)
	if err != nil {
		cancel()
		return fmt.Errorf("backfill messages: %w", err)
	}
	for i := range msgs {
		s.Store.Insert(&msgs[i])
	}

	s.conn.Open(ctx)
	go s.Store.Run(ctx)
	return nil
}

// Status reports the feed connection state.
func (s *Session) Status() Status { return s.conn.Status() }

// Key returns the last known session key.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Active reports whether the session still exists server-side.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Queued reports the number of drafts waiting in the offline queue.
func (s *Session) Queued() int { return s.queue.Len() }

// Send delivers the message now when connected, otherwise queues it. Either
// way the draft is visible immediately.
func (s *Session) Send(ctx context.Context, content string, mode model.ChatMode) error {
	s.mu.Lock()
	if s.closed || !s.active {
		s.mu.Unlock()
		return errs.ErrClosed
	}
	s.mu.Unlock()

	tempID := "temp-" + uuid.Must(uuid.NewV4()).String()
	s.Store.ApplyOptimistic(tempID, &model.Message{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: s.id,
		SenderID:  s.userID,
		Content:   content,
		ChatMode:  mode,
		CreatedAt: time.Now(),
	})

	if s.conn.Status() != StatusConnected {
		if _, err := s.queue.Enqueue(s.id, tempID, content, mode); err != nil {
			s.Store.DropOptimistic(tempID)
			return err
		}
		return nil
	}

	msg, err := s.api.SendMessage(ctx, s.id, content, mode)
	if err != nil {
		// Fall back to the queue; the flush on reconnect retries it.
		if _, qerr := s.queue.Enqueue(s.id, tempID, content, mode); qerr != nil {
			s.Store.DropOptimistic(tempID)
			return qerr
		}
		return nil
	}
	s.Store.Reconcile(tempID, msg)
	return nil
}

func (s *Session) sendDraft(ctx context.Context, d Draft) (*model.Message, error) {
	return s.api.SendMessage(ctx, d.SessionID, d.Content, d.ChatMode)
}

// MarkRead reports the message as read by this user.
func (s *Session) MarkRead(ctx context.Context, messageID uuid.UUID) error {
	return s.api.MarkRead(ctx, messageID)
}

// SetTyping publishes the local typing state.
func (s *Session) SetTyping(ctx context.Context, isTyping bool) error {
	return s.api.SetTyping(ctx, s.id, isTyping)
}

// Offline simulates losing the network; Online restores it and flushes the
// queue.
func (s *Session) Offline() { s.conn.Offline() }

// Online signals connectivity is back.
func (s *Session) Online() { s.conn.Online() }

// Close tears the handle down. The offline queue file survives for the
// next run.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.conn.Close()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) handleStatus(st Status) {
	if st != StatusConnected {
		return
	}
	// Reconciliation on reconnect: drain the queue, then re-backfill so
	// messages sent while we were away appear.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.queue.Flush(ctx); err != nil {
			s.log.Warn("flush offline queue", zap.Error(err))
		}
		msgs, err := s.api.Messages(ctx, s.id)
		if err != nil {
			s.log.Warn("backfill after reconnect", zap.Error(err))
			return
		}
		for i := range msgs {
			s.Store.Insert(&msgs[i])
		}
	}()
}

func (s *Session) handleEvent(ev feed.Event) {
	switch ev.Table {
	case feed.TableMessages:
		s.handleMessageEvent(ev)
	case feed.TableSessions:
		s.handleSessionEvent(ev)
	case feed.TableTyping:
		var row feed.TypingRow
		if err := json.Unmarshal(ev.Row, &row); err == nil {
			s.Typing.Apply(ev.Type, row)
		}
	case feed.TableIntrusions:
		var row feed.IntrusionRow
		if err := json.Unmarshal(ev.Row, &row); err == nil {
			s.notice("Security alert: " + row.Reason)
		}
	}
}

func (s *Session) handleMessageEvent(ev feed.Event) {
	var row feed.MessageRow
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		s.log.Warn("decode message event", zap.Error(err))
		return
	}
	switch ev.Type {
	case feed.EventInsert:
		msg, err := row.ToModel()
		if err != nil {
			return
		}
		s.Store.Insert(msg)
		if msg.SenderID != s.userID {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.api.MarkDelivered(ctx, msg.ID); err != nil {
					s.log.Debug("mark delivered", zap.Error(err))
				}
			}()
		}
	case feed.EventUpdate:
		s.Store.Update(row)
	case feed.EventDelete:
		s.Store.MarkDeleted(row.ID)
	}
}

func (s *Session) handleSessionEvent(ev feed.Event) {
	if ev.Type == feed.EventDelete {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		s.notice("Session destroyed. All messages erased.")
		return
	}

	var row feed.SessionRow
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return
	}
	s.mu.Lock()
	rotated := row.SessionKey != "" && row.SessionKey != s.key
	if rotated {
		s.key = row.SessionKey
	}
	s.active = row.IsActive
	s.mu.Unlock()
	if rotated {
		s.notice("Session key rotated.")
	}
}

func (s *Session) notice(text string) {
	if s.OnNotice != nil {
		s.OnNotice(text)
	}
}

package feed

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Publisher pushes change events to a session's subscribers.
type Publisher interface {
	Publish(sessionID uuid.UUID, ev Event)
}

// Subscriber receives the events of one session. Events arrive on C in
// publish order; a subscriber that stops draining is dropped.
type Subscriber struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	C         chan Event

	hub  *Hub
	once sync.Once
}

// Close detaches the subscriber from the hub and closes C.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub fans change events out to per-session subscribers. Publish for one
// session happens on the caller's goroutine in commit order, so each
// subscriber observes per-id FIFO.
type Hub struct {
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]map[uuid.UUID]*Subscriber
}

// NewHub constructs an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:      log,
		sessions: make(map[uuid.UUID]map[uuid.UUID]*Subscriber),
	}
}

// Subscribe attaches a new subscriber to a session's feed.
func (h *Hub) Subscribe(sessionID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: sessionID,
		C:         make(chan Event, 256),
		hub:       h,
	}

	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[uuid.UUID]*Subscriber)
	}
	h.sessions[sessionID][sub.ID] = sub
	h.mu.Unlock()

	h.log.Debug("feed subscriber attached",
		zap.String("session", sessionID.String()),
		zap.String("subscriber", sub.ID.String()),
	)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs := h.sessions[sub.SessionID]; subs != nil {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	h.mu.Unlock()
	close(sub.C)
}

// Publish delivers an event to every subscriber of the session. A full
// subscriber buffer drops the subscriber rather than blocking the feed.
func (h *Hub) Publish(sessionID uuid.UUID, ev Event) {
	h.mu.RLock()
	var stale []*Subscriber
	for _, sub := range h.sessions[sessionID] {
		select {
		case sub.C <- ev:
		default:
			stale = append(stale, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		h.log.Warn("feed subscriber buffer full, dropping",
			zap.String("session", sessionID.String()),
			zap.String("subscriber", sub.ID.String()),
		)
		sub.Close()
	}
}

// CloseSession detaches every subscriber of a destroyed session.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.C) })
	}
}

// SubscriberCount reports the number of subscribers for a session.
func (h *Hub) SubscriberCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Package service contains application services for sessions, messaging,
// key rotation, intrusion response, and session lifecycle.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/keygen"
	"github.com/seclith/qsession/internal/limiter"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
)

// KeyProvider supplies session keys. Implemented by keygen.Provider.
type KeyProvider interface {
	Generate(ctx context.Context) (keygen.Key, error)
}

// ConnectionChecker is the external connection-graph collaborator used by
// the connections-only join policy.
type ConnectionChecker interface {
	// Connected reports whether the two users share an accepted connection.
	Connected(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// SessionService handles session creation, joining, and messaging.
type SessionService struct {
	sessions    repository.SessionRepository
	messages    repository.MessageRepository
	typing      repository.TypingRepository
	keys        KeyProvider
	connections ConnectionChecker
	intrusions  *IntrusionResponder
	lim         limiter.Limiter
	feed        feed.Publisher
	log         *zap.Logger
	now         func() time.Time
}

// SessionServiceConfig wires SessionService dependencies.
type SessionServiceConfig struct {
	Sessions    repository.SessionRepository
	Messages    repository.MessageRepository
	Typing      repository.TypingRepository
	Keys        KeyProvider
	Connections ConnectionChecker
	Intrusions  *IntrusionResponder
	Limiter     limiter.Limiter
	Feed        feed.Publisher
	Log         *zap.Logger
	Now         func() time.Time
}

// NewSessionService constructs a SessionService.
func NewSessionService(cfg SessionServiceConfig) *SessionService {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionService{
		sessions:    cfg.Sessions,
		messages:    cfg.Messages,
		typing:      cfg.Typing,
		keys:        cfg.Keys,
		connections: cfg.Connections,
		intrusions:  cfg.Intrusions,
		lim:         cfg.Limiter,
		feed:        cfg.Feed,
		log:         cfg.Log,
		now:         cfg.Now,
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	Name          string
	CreatorID     uuid.UUID
	DurationMin   int
	SecurityLevel model.SecurityLevel
	Authenticity  model.AuthenticityPolicy
}

// Create provisions a session with a fresh key and the creator as its first
// participant. The session expires DurationMin minutes from now; expiry is
// never extended implicitly afterwards.
func (s *SessionService) Create(ctx context.Context, p CreateParams) (*model.Session, error) {
	if p.CreatorID == uuid.Nil {
		return nil, errors.New("validation: empty creator")
	}
	if p.DurationMin <= 0 {
		p.DurationMin = 15
	}
	if p.Name == "" {
		p.Name = "Untitled Session"
	}
	if p.SecurityLevel == "" {
		p.SecurityLevel = model.SecurityStandard
	}
	if p.Authenticity == "" {
		p.Authenticity = model.PolicyAnyone
	}

	key, err := s.keys.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if key.Fallback {
		s.log.Warn("session key from local fallback", zap.Error(key.Cause))
	}

	now := s.now()
	sess := &model.Session{
		ID:            uuid.Must(uuid.NewV4()),
		Name:          p.Name,
		SessionKey:    key.Value,
		CreatorID:     p.CreatorID,
		SecurityLevel: p.SecurityLevel,
		Authenticity:  p.Authenticity,
		DurationMin:   p.DurationMin,
		ExpiresAt:     now.Add(time.Duration(p.DurationMin) * time.Minute),
		IsActive:      true,
		CreatedAt:     now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.publish(sess.ID, feed.EventInsert, feed.TableSessions, feed.SessionRowFrom(sess))
	s.publish(sess.ID, feed.EventInsert, feed.TableParticipants, feed.ParticipantRow{
		SessionID: sess.ID, UserID: p.CreatorID, IsCreator: true, JoinedAt: now,
	})

	s.log.Info("session created",
		zap.String("session", sess.ID.String()),
		zap.String("level", string(sess.SecurityLevel)),
		zap.Int("duration_min", sess.DurationMin),
	)
	return sess, nil
}

// JoinParams describes a join attempt.
type JoinParams struct {
	Key        string
	UserID     uuid.UUID
	RemoteIP   string
	DeviceInfo json.RawMessage
}

// Join admits a user holding the current key, subject to the session's
// authenticity policy. A key that matches no active session, or a policy
// denial, feeds the intrusion pipeline; the caller only learns that the
// attempt was blocked, never the rotated key.
func (s *SessionService) Join(ctx context.Context, p JoinParams) (*model.Session, error) {
	ipHash := limiter.HashIP(p.RemoteIP)
	if s.lim != nil {
		allowed, retryAfter, err := s.lim.Allow(ctx, p.Key, ipHash)
		if err != nil {
			return nil, err
		}
		if !allowed {
			s.log.Warn("join blocked by limiter", zap.Duration("retry_after", retryAfter))
			return nil, errs.ErrRateLimited
		}
	}

	if len(p.Key) != keygen.KeyLength {
		s.recordFailure(ctx, p.Key, ipHash)
		return nil, errs.ErrNotFound
	}

	sess, err := s.sessions.GetActiveByKey(ctx, p.Key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.recordFailure(ctx, p.Key, ipHash)
			// No session to rotate; log the attempt against no session.
			var by *uuid.UUID
			if p.UserID != uuid.Nil {
				by = &p.UserID
			}
			if _, ierr := s.intrusions.HandleUnauthorizedAttempt(ctx, uuid.Nil, by,
				"invalid or expired session key", p.DeviceInfo); ierr != nil {
				s.log.Warn("record unknown-key attempt", zap.Error(ierr))
			}
			return nil, errs.ErrNotFound
		}
		return nil, err
	}

	if sess.Authenticity == model.PolicyConnections && p.UserID != sess.CreatorID {
		ok, cerr := s.connected(ctx, p.UserID, sess.CreatorID)
		if cerr != nil {
			return nil, cerr
		}
		if !ok {
			s.recordFailure(ctx, p.Key, ipHash)
			var by *uuid.UUID
			if p.UserID != uuid.Nil {
				by = &p.UserID
			}
			if _, ierr := s.intrusions.HandleUnauthorizedAttempt(ctx, sess.ID, by,
				"unauthorized access attempt: not in creator connections", p.DeviceInfo); ierr != nil {
				s.log.Error("intrusion response failed", zap.Error(ierr))
			}
			return nil, errs.ErrUnauthorized
		}
	}

	now := s.now()
	part := &model.Participant{SessionID: sess.ID, UserID: p.UserID, JoinedAt: now}
	if err := s.sessions.AddParticipant(ctx, part); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	if s.lim != nil {
		if err := s.lim.Success(ctx, p.Key, ipHash); err != nil {
			s.log.Warn("reset join limiter", zap.Error(err))
		}
	}

	s.publish(sess.ID, feed.EventInsert, feed.TableParticipants, feed.ParticipantRow{
		SessionID: sess.ID, UserID: p.UserID, JoinedAt: now,
	})
	return sess, nil
}

func (s *SessionService) connected(ctx context.Context, a, b uuid.UUID) (bool, error) {
	if s.connections == nil || a == uuid.Nil {
		return false, nil
	}
	return s.connections.Connected(ctx, a, b)
}

func (s *SessionService) recordFailure(ctx context.Context, key string, ipHash []byte) {
	if s.lim == nil {
		return
	}
	if _, _, err := s.lim.Failure(ctx, key, ipHash); err != nil {
		s.log.Warn("record join failure", zap.Error(err))
	}
}

// Get loads a session by id.
func (s *SessionService) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return s.sessions.GetByID(ctx, id)
}

// Participants lists the session's participants.
func (s *SessionService) Participants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	return s.sessions.ListParticipants(ctx, sessionID)
}

// Messages returns the visible messages of a session in display order.
func (s *SessionService) Messages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	return s.messages.ListVisible(ctx, sessionID)
}

// SendMessage stores a message with a server-assigned id and timestamp and
// echoes it on the change feed.
func (s *SessionService) SendMessage(ctx context.Context, sessionID, senderID uuid.UUID, content string, mode model.ChatMode) (*model.Message, error) {
	if content == "" {
		return nil, errors.New("validation: empty content")
	}
	if mode == "" {
		mode = model.ModeNormal
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, errs.ErrSessionInactive
	}

	msg := &model.Message{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   content,
		ChatMode:  mode,
		CreatedAt: s.now(),
	}
	if err := s.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	s.publish(sessionID, feed.EventInsert, feed.TableMessages, feed.MessageRowFrom(msg))
	return msg, nil
}

// MarkRead records that userID has seen the message. When a self-destruct
// message has now been seen by every non-sender participant, the deletion
// timer is armed exactly once; later reads never move it.
func (s *SessionService) MarkRead(ctx context.Context, messageID, userID uuid.UUID) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted || userID == msg.SenderID || msg.ReadByUser(userID) {
		return nil
	}

	msg, err = s.messages.MarkRead(ctx, messageID, userID)
	if err != nil {
		return err
	}

	if msg.ChatMode == model.ModeSelfDestruct && msg.AutoDeleteAt == nil {
		complete, err := s.audienceComplete(ctx, msg)
		if err != nil {
			return err
		}
		if complete {
			at := s.now().Add(model.SelfDestructDelay)
			armed, err := s.messages.SetAutoDeleteOnce(ctx, messageID, at)
			if err != nil {
				return err
			}
			if armed {
				msg.AutoDeleteAt = &at
			} else if msg, err = s.messages.Get(ctx, messageID); err != nil {
				return err
			}
		}
	}

	s.publish(msg.SessionID, feed.EventUpdate, feed.TableMessages, feed.MessageRowFrom(msg))
	return nil
}

// audienceComplete reports whether every participant other than the sender
// appears in read_by.
func (s *SessionService) audienceComplete(ctx context.Context, msg *model.Message) (bool, error) {
	parts, err := s.sessions.ListParticipants(ctx, msg.SessionID)
	if err != nil {
		return false, err
	}
	for _, p := range parts {
		if p.UserID == msg.SenderID {
			continue
		}
		if !msg.ReadByUser(p.UserID) {
			return false, nil
		}
	}
	return true, nil
}

// MarkDelivered records transport-level delivery to userID.
func (s *SessionService) MarkDelivered(ctx context.Context, messageID, userID uuid.UUID) error {
	if err := s.messages.MarkDelivered(ctx, messageID, userID); err != nil {
		return err
	}
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	s.publish(msg.SessionID, feed.EventUpdate, feed.TableMessages, feed.MessageRowFrom(msg))
	return nil
}

// DeleteMessage soft-deletes the message; the UPDATE event tells clients to
// remove it from view entirely.
func (s *SessionService) DeleteMessage(ctx context.Context, messageID uuid.UUID) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return nil
	}
	if err := s.messages.MarkDeleted(ctx, messageID); err != nil {
		return err
	}
	msg.IsDeleted = true
	s.publish(msg.SessionID, feed.EventUpdate, feed.TableMessages, feed.MessageRowFrom(msg))
	return nil
}

// SetTyping overwrites the ephemeral typing state for (session, user).
func (s *SessionService) SetTyping(ctx context.Context, sessionID, userID uuid.UUID, isTyping bool) error {
	now := s.now()
	if !isTyping {
		if err := s.typing.Delete(ctx, sessionID, userID); err != nil {
			return err
		}
		s.publish(sessionID, feed.EventDelete, feed.TableTyping, feed.TypingRow{
			SessionID: sessionID, UserID: userID, UpdatedAt: now,
		})
		return nil
	}
	sig := &model.TypingSignal{SessionID: sessionID, UserID: userID, IsTyping: true, UpdatedAt: now}
	if err := s.typing.Upsert(ctx, sig); err != nil {
		return err
	}
	s.publish(sessionID, feed.EventUpdate, feed.TableTyping, feed.TypingRow{
		SessionID: sessionID, UserID: userID, IsTyping: true, UpdatedAt: now,
	})
	return nil
}

func (s *SessionService) publish(sessionID uuid.UUID, t feed.EventType, table feed.Table, row any) {
	if s.feed == nil {
		return
	}
	ev, err := feed.NewEvent(t, table, row)
	if err != nil {
		s.log.Error("encode feed event", zap.Error(err))
		return
	}
	s.feed.Publish(sessionID, ev)
}

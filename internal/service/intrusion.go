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
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
	"github.com/seclith/qsession/internal/risk"
)

// Resyncer lets the responder push an out-of-cycle rotation into the
// running scheduler. Implemented by SchedulerSet.
type Resyncer interface {
	Resync(sessionID uuid.UUID, newKey string)
}

// IntrusionResult is returned to the reporting caller. The new key is for
// the UI of legitimate participants only; the unauthorized party receives
// just the blocked verdict.
type IntrusionResult struct {
	Blocked    bool
	NewKey     string
	Assessment string
}

// IntrusionResponder reacts to unauthorized join attempts: audit, forced
// key rotation, and an in-band security notice to the session.
type IntrusionResponder struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	audit    repository.AuditRepository
	rotation *RotationService
	assessor risk.Assessor
	resync   Resyncer
	feed     feed.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// IntrusionResponderConfig wires an IntrusionResponder.
type IntrusionResponderConfig struct {
	Sessions repository.SessionRepository
	Messages repository.MessageRepository
	Audit    repository.AuditRepository
	Rotation *RotationService
	Assessor risk.Assessor
	Resync   Resyncer
	Feed     feed.Publisher
	Log      *zap.Logger
	Now      func() time.Time
}

// NewIntrusionResponder constructs an IntrusionResponder.
func NewIntrusionResponder(cfg IntrusionResponderConfig) *IntrusionResponder {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &IntrusionResponder{
		sessions: cfg.Sessions,
		messages: cfg.Messages,
		audit:    cfg.Audit,
		rotation: cfg.Rotation,
		assessor: cfg.Assessor,
		resync:   cfg.Resync,
		feed:     cfg.Feed,
		log:      cfg.Log,
		now:      cfg.Now,
	}
}

const defaultAssessment = "Unauthorized access attempt detected"

// HandleUnauthorizedAttempt runs the intrusion pipeline. With a Nil or
// unknown sessionID the attempt is only logged; there is no key to rotate.
// The risk assessment is best-effort annotation and never blocks the rest.
func (ir *IntrusionResponder) HandleUnauthorizedAttempt(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, reason string, deviceInfo json.RawMessage) (*IntrusionResult, error) {
	var sess *model.Session
	if sessionID != uuid.Nil {
		var err error
		sess, err = ir.sessions.GetByID(ctx, sessionID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}

	if sess == nil {
		if err := ir.recordAttempt(ctx, uuid.Nil, userID, reason, deviceInfo); err != nil {
			return nil, err
		}
		return &IntrusionResult{Blocked: true}, nil
	}

	assessment := ir.assess(ctx, sess, userID, reason, deviceInfo)

	ev, err := ir.rotation.Rotate(ctx, sess.ID, "intrusion")
	if err != nil {
		return nil, fmt.Errorf("forced rotation: %w", err)
	}
	if ir.resync != nil {
		ir.resync.Resync(sess.ID, ev.NewKey)
	}

	if err := ir.recordAttempt(ctx, sess.ID, userID, reason, deviceInfo); err != nil {
		return nil, err
	}

	ir.notifySession(ctx, sess, reason, ev.NewKey, assessment)

	ir.log.Warn("intrusion blocked",
		zap.String("session", sess.ID.String()),
		zap.String("reason", reason),
	)
	return &IntrusionResult{Blocked: true, NewKey: ev.NewKey, Assessment: assessment}, nil
}

func (ir *IntrusionResponder) assess(ctx context.Context, sess *model.Session, userID *uuid.UUID, reason string, deviceInfo json.RawMessage) string {
	if ir.assessor == nil {
		return defaultAssessment
	}
	var user string
	if userID != nil {
		user = userID.String()
	}
	text, err := ir.assessor.Assess(ctx, risk.Input{
		SessionName: sess.Name,
		Reason:      reason,
		DeviceInfo:  deviceInfo,
		UserID:      user,
	})
	if err != nil {
		ir.log.Warn("risk assessment unavailable", zap.Error(err))
		return defaultAssessment
	}
	return text
}

func (ir *IntrusionResponder) recordAttempt(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, reason string, deviceInfo json.RawMessage) error {
	attempt := &model.IntrusionAttempt{
		ID:          uuid.Must(uuid.NewV4()),
		SessionID:   sessionID,
		AttemptedBy: userID,
		Reason:      reason,
		DeviceInfo:  deviceInfo,
		AttemptedAt: ir.now(),
	}
	if err := ir.audit.AddIntrusion(ctx, attempt); err != nil {
		return fmt.Errorf("record intrusion: %w", err)
	}
	if sessionID != uuid.Nil && ir.feed != nil {
		fe, ferr := feed.NewEvent(feed.EventInsert, feed.TableIntrusions, feed.IntrusionRow{
			ID: attempt.ID, SessionID: sessionID, Reason: reason, AttemptedAt: attempt.AttemptedAt,
		})
		if ferr == nil {
			ir.feed.Publish(sessionID, fe)
		}
	}
	return nil
}

// notifySession emits a system message authored as the creator so every
// current participant learns the new key in-band. Failure to notify is
// logged, not returned: the key has already been rotated.
func (ir *IntrusionResponder) notifySession(ctx context.Context, sess *model.Session, reason, newKey, assessment string) {
	msg := &model.Message{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: sess.ID,
		SenderID:  sess.CreatorID,
		Content: fmt.Sprintf("Security Alert: %s. Session key has been automatically refreshed. New key: %s\n\nAssessment: %s",
			reason, newKey, assessment),
		ChatMode:  model.ModeNormal,
		CreatedAt: ir.now(),
	}
	if err := ir.messages.Insert(ctx, msg); err != nil {
		ir.log.Error("insert security notice", zap.Error(err))
		return
	}
	if ir.feed != nil {
		fe, ferr := feed.NewEvent(feed.EventInsert, feed.TableMessages, feed.MessageRowFrom(msg))
		if ferr == nil {
			ir.feed.Publish(sess.ID, fe)
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
)

// BlobStore removes uploaded objects from external storage.
type BlobStore interface {
	Remove(ctx context.Context, paths []string) error
}

// SchedulerStopper stops a session's rotation scheduler on teardown.
// Implemented by SchedulerSet.
type SchedulerStopper interface {
	StopFor(sessionID uuid.UUID)
}

// LifecycleManager destroys sessions, either on creator request or when a
// periodic sweep finds them expired.
type LifecycleManager struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	files    repository.FileRepository
	typing   repository.TypingRepository
	audit    repository.AuditRepository
	blobs    BlobStore
	sched    SchedulerStopper
	hub      interface {
		Publish(sessionID uuid.UUID, ev feed.Event)
		CloseSession(sessionID uuid.UUID)
	}
	log *zap.Logger
	now func() time.Time
}

// LifecycleConfig wires a LifecycleManager.
type LifecycleConfig struct {
	Sessions repository.SessionRepository
	Messages repository.MessageRepository
	Files    repository.FileRepository
	Typing   repository.TypingRepository
	Audit    repository.AuditRepository
	Blobs    BlobStore
	Sched    SchedulerStopper
	Hub      *feed.Hub
	Log      *zap.Logger
	Now      func() time.Time
}

// NewLifecycleManager constructs a LifecycleManager.
func NewLifecycleManager(cfg LifecycleConfig) *LifecycleManager {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	lm := &LifecycleManager{
		sessions: cfg.Sessions,
		messages: cfg.Messages,
		files:    cfg.Files,
		typing:   cfg.Typing,
		audit:    cfg.Audit,
		blobs:    cfg.Blobs,
		sched:    cfg.Sched,
		log:      cfg.Log,
		now:      cfg.Now,
	}
	if cfg.Hub != nil {
		lm.hub = cfg.Hub
	}
	return lm
}

// Destroy deletes all session state. Only the creator may destroy; any
// other requester gets ErrUnauthorized and nothing is mutated.
func (lm *LifecycleManager) Destroy(ctx context.Context, sessionID, requesterID uuid.UUID) error {
	sess, err := lm.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if requesterID != sess.CreatorID {
		return errs.ErrUnauthorized
	}
	return lm.destroy(ctx, sess, "creator")
}

// CheckExpired destroys every active session past its expiry using the
// system identity, bypassing the creator check on this path only. It
// returns the number of sessions destroyed.
func (lm *LifecycleManager) CheckExpired(ctx context.Context) (int, error) {
	ids, err := lm.sessions.ListExpired(ctx, lm.now())
	if err != nil {
		return 0, err
	}

	destroyed := 0
	for _, id := range ids {
		sess, err := lm.sessions.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return destroyed, err
		}
		if err := lm.destroy(ctx, sess, "expiry"); err != nil {
			// Every step is idempotent; the next sweep retries.
			lm.log.Error("destroy expired session",
				zap.String("session", id.String()), zap.Error(err))
			continue
		}
		destroyed++
	}
	return destroyed, nil
}

// destroy tears state down in a fixed order, each step independently
// idempotent so a partial failure can be retried by a later call.
func (lm *LifecycleManager) destroy(ctx context.Context, sess *model.Session, cause string) error {
	id := sess.ID

	if lm.sched != nil {
		lm.sched.StopFor(id)
	}
	if err := lm.sessions.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	if lm.hub != nil {
		sess.IsActive = false
		if ev, err := feed.NewEvent(feed.EventUpdate, feed.TableSessions, feed.SessionRowFrom(sess)); err == nil {
			lm.hub.Publish(id, ev)
		}
	}

	if err := lm.messages.DeleteAll(ctx, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := lm.deleteFiles(ctx, id); err != nil {
		return err
	}
	if err := lm.sessions.DeleteParticipants(ctx, id); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	if err := lm.typing.DeleteForSession(ctx, id); err != nil {
		return fmt.Errorf("delete typing state: %w", err)
	}
	if err := lm.audit.DeleteKeyRotations(ctx, id); err != nil {
		return fmt.Errorf("delete rotations: %w", err)
	}
	if err := lm.audit.DeleteIntrusions(ctx, id); err != nil {
		return fmt.Errorf("delete intrusions: %w", err)
	}
	if err := lm.sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if lm.hub != nil {
		if ev, err := feed.NewEvent(feed.EventDelete, feed.TableSessions, feed.SessionRowFrom(sess)); err == nil {
			lm.hub.Publish(id, ev)
		}
		lm.hub.CloseSession(id)
	}

	lm.log.Info("session destroyed",
		zap.String("session", id.String()),
		zap.String("cause", cause),
	)
	return nil
}

// deleteFiles purges object storage first, then the metadata rows, so a
// crash in between leaves rows pointing at nothing rather than orphaned
// blobs.
func (lm *LifecycleManager) deleteFiles(ctx context.Context, sessionID uuid.UUID) error {
	paths, err := lm.files.ListPaths(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	if len(paths) > 0 && lm.blobs != nil {
		if err := lm.blobs.Remove(ctx, paths); err != nil {
			return fmt.Errorf("remove stored files: %w", err)
		}
	}
	if err := lm.files.DeleteForSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete file rows: %w", err)
	}
	return nil
}

// RunExpirySweep calls CheckExpired on the interval until ctx is canceled.
func (lm *LifecycleManager) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := lm.CheckExpired(ctx); err != nil {
				lm.log.Error("expiry sweep", zap.Error(err))
			}
		}
	}
}

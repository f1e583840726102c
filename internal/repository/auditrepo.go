package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/model"
)

// AuditRepository stores the append-only security trail. Rotation and
// intrusion rows are write-once; the only deletion is session teardown.
type AuditRepository interface {
	// AddKeyRotation appends a rotation event.
	AddKeyRotation(ctx context.Context, ev *model.KeyRotationEvent) error
	// ListKeyRotations returns rotation events oldest first.
	ListKeyRotations(ctx context.Context, sessionID uuid.UUID) ([]model.KeyRotationEvent, error)
	// AddIntrusion appends an intrusion attempt.
	AddIntrusion(ctx context.Context, a *model.IntrusionAttempt) error
	// DeleteKeyRotations removes all rotation rows for a session.
	DeleteKeyRotations(ctx context.Context, sessionID uuid.UUID) error
	// DeleteIntrusions removes all intrusion rows for a session.
	DeleteIntrusions(ctx context.Context, sessionID uuid.UUID) error
}

// TypingRepository stores ephemeral typing signals.
type TypingRepository interface {
	// Upsert overwrites the signal for (session, user).
	Upsert(ctx context.Context, sig *model.TypingSignal) error
	// Delete removes the signal for (session, user).
	Delete(ctx context.Context, sessionID, userID uuid.UUID) error
	// DeleteStale removes signals not refreshed since the cutoff and
	// returns the affected rows.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteForSession removes all signals of a session.
	DeleteForSession(ctx context.Context, sessionID uuid.UUID) error
}

// FileRepository tracks uploaded file metadata; upload itself is external.
type FileRepository interface {
	// ListPaths returns storage paths of all files in a session.
	ListPaths(ctx context.Context, sessionID uuid.UUID) ([]string, error)
	// DeleteForSession removes all file rows of a session.
	DeleteForSession(ctx context.Context, sessionID uuid.UUID) error
}

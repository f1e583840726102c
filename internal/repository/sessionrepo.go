// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/model"
)

// SessionRepository provides access to sessions and their participants.
type SessionRepository interface {
	// Create inserts the session and its creator participant atomically.
	Create(ctx context.Context, s *model.Session) error
	// GetByID loads a session by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error)
	// GetActiveByKey loads the active session matching the presented key.
	GetActiveByKey(ctx context.Context, key string) (*model.Session, error)
	// UpdateKey replaces session_key only; no other column is touched.
	UpdateKey(ctx context.Context, id uuid.UUID, newKey string) error
	// Deactivate clears is_active ahead of full deletion.
	Deactivate(ctx context.Context, id uuid.UUID) error
	// Delete removes the session row.
	Delete(ctx context.Context, id uuid.UUID) error
	// ListExpired returns ids of active sessions with expires_at before now.
	ListExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// ListActive returns every active session.
	ListActive(ctx context.Context) ([]model.Session, error)
	// AddParticipant upserts a participant; joining twice is a no-op.
	AddParticipant(ctx context.Context, p *model.Participant) error
	// ListParticipants returns all participants of a session.
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error)
	// DeleteParticipants removes all participant rows for a session.
	DeleteParticipants(ctx context.Context, sessionID uuid.UUID) error
}

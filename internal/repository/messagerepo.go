package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/model"
)

// MessageRepository provides access to session messages. All mutations are
// keyed by message id and safe to retry.
type MessageRepository interface {
	// Insert stores a new message. Inserting an existing id is a no-op.
	Insert(ctx context.Context, m *model.Message) error
	// Get loads a single message, deleted or not.
	Get(ctx context.Context, id uuid.UUID) (*model.Message, error)
	// ListVisible returns non-deleted messages ordered by created_at, id.
	ListVisible(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error)
	// MarkRead appends userID to read_by if absent and returns the updated row.
	MarkRead(ctx context.Context, id, userID uuid.UUID) (*model.Message, error)
	// MarkDelivered appends userID to delivered_to if absent.
	MarkDelivered(ctx context.Context, id, userID uuid.UUID) error
	// SetAutoDeleteOnce sets auto_delete_at only when it is still null.
	// It reports whether this call performed the set.
	SetAutoDeleteOnce(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkDeleted soft-deletes the message; clients remove it from view.
	MarkDeleted(ctx context.Context, id uuid.UUID) error
	// ListDue returns non-deleted messages whose auto_delete_at is at or
	// before now.
	ListDue(ctx context.Context, now time.Time) ([]model.Message, error)
	// DeleteAll removes every message row of a session.
	DeleteAll(ctx context.Context, sessionID uuid.UUID) error
}

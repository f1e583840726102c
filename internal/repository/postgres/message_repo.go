package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

const messageColumns = `id, session_id, sender_id, content, chat_mode, is_deleted, read_by, delivered_to, auto_delete_at, created_at`

// Insert stores a new message; re-inserting an existing id is a no-op.
func (r *MessageRepo) Insert(ctx context.Context, m *model.Message) error {
	const q = `
INSERT INTO session_messages (id, session_id, sender_id, content, chat_mode, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q,
		m.ID, m.SessionID, m.SenderID, m.Content, string(m.ChatMode), m.CreatedAt)
	return err
}

// Get loads a single message by id, deleted or not.
func (r *MessageRepo) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM session_messages WHERE id=$1`
	return scanMessage(r.db.Pool.QueryRow(ctx, q, id))
}

// ListVisible returns non-deleted messages in display order.
func (r *MessageRepo) ListVisible(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	const q = `
SELECT ` + messageColumns + `
FROM session_messages
WHERE session_id=$1 AND NOT is_deleted
ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkRead appends userID to read_by when absent and returns the fresh row.
func (r *MessageRepo) MarkRead(ctx context.Context, id, userID uuid.UUID) (*model.Message, error) {
	const q = `
UPDATE session_messages
SET read_by = array_append(read_by, $2)
WHERE id=$1 AND NOT ($2 = ANY(read_by))`
	if _, err := r.db.Pool.Exec(ctx, q, id, userID.String()); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// MarkDelivered appends userID to delivered_to when absent.
func (r *MessageRepo) MarkDelivered(ctx context.Context, id, userID uuid.UUID) error {
	const q = `
UPDATE session_messages
SET delivered_to = array_append(delivered_to, $2)
WHERE id=$1 AND NOT ($2 = ANY(delivered_to))`
	_, err := r.db.Pool.Exec(ctx, q, id, userID.String())
	return err
}

// SetAutoDeleteOnce arms the self-destruct timer if it is not armed yet.
func (r *MessageRepo) SetAutoDeleteOnce(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const q = `
UPDATE session_messages
SET auto_delete_at=$2
WHERE id=$1 AND auto_delete_at IS NULL AND NOT is_deleted`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeleted soft-deletes the message. Repeat calls change nothing.
func (r *MessageRepo) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE session_messages SET is_deleted=true WHERE id=$1 AND NOT is_deleted`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// ListDue returns live messages whose self-destruct timer has elapsed.
func (r *MessageRepo) ListDue(ctx context.Context, now time.Time) ([]model.Message, error) {
	const q = `
SELECT ` + messageColumns + `
FROM session_messages
WHERE NOT is_deleted AND auto_delete_at IS NOT NULL AND auto_delete_at <= $1
ORDER BY auto_delete_at`
	rows, err := r.db.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteAll removes every message row of a session.
func (r *MessageRepo) DeleteAll(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM session_messages WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m       model.Message
		mode    string
		readBy  []string
		deliver []string
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &mode,
		&m.IsDeleted, &readBy, &deliver, &m.AutoDeleteAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	m.ChatMode = model.ChatMode(mode)
	if m.ReadBy, err = parseUUIDs(readBy); err != nil {
		return nil, err
	}
	if m.DeliveredTo, err = parseUUIDs(deliver); err != nil {
		return nil, err
	}
	return &m, nil
}

func parseUUIDs(ss []string) ([]uuid.UUID, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		id, err := uuid.FromString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/model"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// AddKeyRotation appends a rotation event.
func (r *AuditRepo) AddKeyRotation(ctx context.Context, ev *model.KeyRotationEvent) error {
	const q = `
INSERT INTO session_key_rotations (id, session_id, old_key, new_key, rotated_at)
VALUES ($1,$2,$3,$4,$5)`
	_, err := r.db.Pool.Exec(ctx, q, ev.ID, ev.SessionID, ev.OldKey, ev.NewKey, ev.RotatedAt)
	return err
}

// ListKeyRotations returns rotation events oldest first.
func (r *AuditRepo) ListKeyRotations(ctx context.Context, sessionID uuid.UUID) ([]model.KeyRotationEvent, error) {
	const q = `
SELECT id, session_id, old_key, new_key, rotated_at
FROM session_key_rotations WHERE session_id=$1 ORDER BY rotated_at`
	rows, err := r.db.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KeyRotationEvent
	for rows.Next() {
		var ev model.KeyRotationEvent
		if err = rows.Scan(&ev.ID, &ev.SessionID, &ev.OldKey, &ev.NewKey, &ev.RotatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AddIntrusion appends an intrusion attempt. SessionID may be Nil when the
// presented key matched no session.
func (r *AuditRepo) AddIntrusion(ctx context.Context, a *model.IntrusionAttempt) error {
	const q = `
INSERT INTO intrusion_attempts (id, session_id, attempted_by_user_id, reason, device_info, attempt_timestamp)
VALUES ($1,$2,$3,$4,$5,$6)`
	var sessionID any
	if a.SessionID != uuid.Nil {
		sessionID = a.SessionID
	}
	var by any
	if a.AttemptedBy != nil {
		by = *a.AttemptedBy
	}
	_, err := r.db.Pool.Exec(ctx, q, a.ID, sessionID, by, a.Reason, a.DeviceInfo, a.AttemptedAt)
	return err
}

// DeleteKeyRotations removes all rotation rows for a session.
func (r *AuditRepo) DeleteKeyRotations(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM session_key_rotations WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

// DeleteIntrusions removes all intrusion rows for a session.
func (r *AuditRepo) DeleteIntrusions(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM intrusion_attempts WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

// TypingRepo implements TypingRepository using PostgreSQL.
type TypingRepo struct{ db *DB }

// NewTypingRepo constructs a typing repository.
func NewTypingRepo(db *DB) *TypingRepo { return &TypingRepo{db: db} }

// Upsert overwrites the signal for (session, user).
func (r *TypingRepo) Upsert(ctx context.Context, sig *model.TypingSignal) error {
	const q = `
INSERT INTO typing_indicators (session_id, user_id, is_typing, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (session_id, user_id)
DO UPDATE SET is_typing=EXCLUDED.is_typing, updated_at=EXCLUDED.updated_at`
	_, err := r.db.Pool.Exec(ctx, q, sig.SessionID, sig.UserID, sig.IsTyping, sig.UpdatedAt)
	return err
}

// Delete removes the signal for (session, user).
func (r *TypingRepo) Delete(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `DELETE FROM typing_indicators WHERE session_id=$1 AND user_id=$2`
	_, err := r.db.Pool.Exec(ctx, q, sessionID, userID)
	return err
}

// DeleteStale removes signals not refreshed since the cutoff.
func (r *TypingRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM typing_indicators WHERE updated_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteForSession removes all signals of a session.
func (r *TypingRepo) DeleteForSession(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM typing_indicators WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

// FileRepo implements FileRepository using PostgreSQL.
type FileRepo struct{ db *DB }

// NewFileRepo constructs a file metadata repository.
func NewFileRepo(db *DB) *FileRepo { return &FileRepo{db: db} }

// ListPaths returns storage paths of all files in a session.
func (r *FileRepo) ListPaths(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	const q = `SELECT file_path FROM session_files WHERE session_id=$1`
	rows, err := r.db.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteForSession removes all file rows of a session.
func (r *FileRepo) DeleteForSession(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM session_files WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

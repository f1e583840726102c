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

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionColumns = `id, name, session_key, creator_id, security_level, authenticity, duration_min, expires_at, is_active, created_at`

// Create inserts the session and its creator participant in one transaction.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `
INSERT INTO sessions (id, name, session_key, creator_id, security_level, authenticity, duration_min, expires_at, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true)`
	if _, err = tx.Exec(ctx, ins,
		s.ID, s.Name, s.SessionKey, s.CreatorID,
		string(s.SecurityLevel), string(s.Authenticity), s.DurationMin, s.ExpiresAt,
	); err != nil {
		return err
	}

	const part = `
INSERT INTO session_participants (session_id, user_id, is_creator)
VALUES ($1,$2,true)`
	if _, err = tx.Exec(ctx, part, s.ID, s.CreatorID); err != nil {
		return err
	}
	return nil
}

// GetByID loads a session by id.
func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id=$1`
	return r.scanSession(r.db.Pool.QueryRow(ctx, q, id))
}

// GetActiveByKey loads the active session matching the presented key.
func (r *SessionRepo) GetActiveByKey(ctx context.Context, key string) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE session_key=$1 AND is_active`
	return r.scanSession(r.db.Pool.QueryRow(ctx, q, key))
}

func (r *SessionRepo) scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s     model.Session
		level string
		auth  string
	)
	err := row.Scan(&s.ID, &s.Name, &s.SessionKey, &s.CreatorID,
		&level, &auth, &s.DurationMin, &s.ExpiresAt, &s.IsActive, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	s.SecurityLevel = model.SecurityLevel(level)
	s.Authenticity = model.AuthenticityPolicy(auth)
	return &s, nil
}

// UpdateKey replaces session_key only.
func (r *SessionRepo) UpdateKey(ctx context.Context, id uuid.UUID, newKey string) error {
	const q = `UPDATE sessions SET session_key=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, newKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Deactivate clears is_active ahead of teardown. Already-inactive is a no-op.
func (r *SessionRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sessions SET is_active=false WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// Delete removes the session row.
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM sessions WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// ListExpired returns ids of active sessions past their expiry.
func (r *SessionRepo) ListExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	const q = `SELECT id FROM sessions WHERE is_active AND expires_at < $1`
	rows, err := r.db.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListActive returns all active sessions, used to resume rotation
// schedulers after a restart.
func (r *SessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE is_active`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var s model.Session
		var level, auth string
		if err = rows.Scan(&s.ID, &s.Name, &s.SessionKey, &s.CreatorID,
			&level, &auth, &s.DurationMin, &s.ExpiresAt, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.SecurityLevel = model.SecurityLevel(level)
		s.Authenticity = model.AuthenticityPolicy(auth)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AddParticipant upserts a participant row; a repeat join changes nothing.
func (r *SessionRepo) AddParticipant(ctx context.Context, p *model.Participant) error {
	const q = `
INSERT INTO session_participants (session_id, user_id, is_creator)
VALUES ($1,$2,$3)
ON CONFLICT (session_id, user_id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, p.SessionID, p.UserID, p.IsCreator)
	return err
}

// ListParticipants returns all participants of a session.
func (r *SessionRepo) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	const q = `
SELECT session_id, user_id, is_creator, joined_at
FROM session_participants WHERE session_id=$1 ORDER BY joined_at`
	rows, err := r.db.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err = rows.Scan(&p.SessionID, &p.UserID, &p.IsCreator, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteParticipants removes all participant rows for a session.
func (r *SessionRepo) DeleteParticipants(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM session_participants WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func sessionRows(s *model.Session) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "session_key", "creator_id", "security_level",
		"authenticity", "duration_min", "expires_at", "is_active", "created_at",
	}).AddRow(s.ID, s.Name, s.SessionKey, s.CreatorID, string(s.SecurityLevel),
		string(s.Authenticity), s.DurationMin, s.ExpiresAt, s.IsActive, s.CreatedAt)
}

func testSession() *model.Session {
	now := time.Now().Truncate(time.Second)
	return &model.Session{
		ID:            uuid.Must(uuid.NewV4()),
		Name:          "ops sync",
		SessionKey:    "A1B2C3D",
		CreatorID:     uuid.Must(uuid.NewV4()),
		SecurityLevel: model.SecurityHigh,
		Authenticity:  model.PolicyAnyone,
		DurationMin:   15,
		ExpiresAt:     now.Add(15 * time.Minute),
		IsActive:      true,
		CreatedAt:     now,
	}
}

func TestSessionRepo_Create_InsertsSessionAndCreator(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := testSession()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(s.ID, s.Name, s.SessionKey, s.CreatorID,
			string(s.SecurityLevel), string(s.Authenticity), s.DurationMin, s.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO session_participants`).
		WithArgs(s.ID, s.CreatorID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Create(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Create_RollsBackOnParticipantFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := testSession()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(s.ID, s.Name, s.SessionKey, s.CreatorID,
			string(s.SecurityLevel), string(s.Authenticity), s.DurationMin, s.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO session_participants`).
		WithArgs(s.ID, s.CreatorID).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	require.Error(t, r.Create(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := testSession()

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id=\$1`).
		WithArgs(s.ID).
		WillReturnRows(sessionRows(s))

	got, err := r.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, s.SessionKey, got.SessionKey)
	require.Equal(t, model.SecurityHigh, got.SecurityLevel)

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id=\$1`).
		WithArgs(s.ID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	_, err = r.GetByID(context.Background(), s.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSessionRepo_GetActiveByKey(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := testSession()

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE session_key=\$1 AND is_active`).
		WithArgs(s.SessionKey).
		WillReturnRows(sessionRows(s))

	got, err := r.GetActiveByKey(context.Background(), s.SessionKey)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE session_key=\$1 AND is_active`).
		WithArgs("ZZZZZZZ").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	_, err = r.GetActiveByKey(context.Background(), "ZZZZZZZ")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSessionRepo_UpdateKey(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`UPDATE sessions SET session_key=\$2 WHERE id=\$1`).
		WithArgs(id, "NEWKEY1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.UpdateKey(context.Background(), id, "NEWKEY1"))

	mock.ExpectExec(`UPDATE sessions SET session_key=\$2 WHERE id=\$1`).
		WithArgs(id, "NEWKEY1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.UpdateKey(context.Background(), id, "NEWKEY1"), errs.ErrNotFound)
}

func TestSessionRepo_ListExpired(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	now := time.Now()
	a := uuid.Must(uuid.NewV4())
	b := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT id FROM sessions WHERE is_active AND expires_at < \$1`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	ids, err := r.ListExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b}, ids)
}

func TestSessionRepo_AddParticipant_Idempotent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	p := &model.Participant{
		SessionID: uuid.Must(uuid.NewV4()),
		UserID:    uuid.Must(uuid.NewV4()),
	}

	// Same expectation twice: a repeat join runs the same upsert.
	for i := 0; i < 2; i++ {
		mock.ExpectExec(`INSERT INTO session_participants`).
			WithArgs(p.SessionID, p.UserID, false).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	require.NoError(t, r.AddParticipant(context.Background(), p))
	require.NoError(t, r.AddParticipant(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

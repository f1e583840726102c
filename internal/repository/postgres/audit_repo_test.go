package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/seclith/qsession/internal/model"
)

func TestAuditRepo_AddKeyRotation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)
	ev := &model.KeyRotationEvent{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: uuid.Must(uuid.NewV4()),
		OldKey:    "OLDKEY1",
		NewKey:    "NEWKEY1",
		RotatedAt: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO session_key_rotations`).
		WithArgs(ev.ID, ev.SessionID, ev.OldKey, ev.NewKey, ev.RotatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.AddKeyRotation(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_AddIntrusion_NilSessionAndUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)
	a := &model.IntrusionAttempt{
		ID:          uuid.Must(uuid.NewV4()),
		SessionID:   uuid.Nil,
		Reason:      "invalid or expired session key",
		DeviceInfo:  []byte(`{"client":"test"}`),
		AttemptedAt: time.Now(),
	}

	// Nil session and unauthenticated user are stored as SQL NULL.
	mock.ExpectExec(`INSERT INTO intrusion_attempts`).
		WithArgs(a.ID, nil, nil, a.Reason, a.DeviceInfo, a.AttemptedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.AddIntrusion(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTypingRepo_DeleteStale(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTypingRepo(db)
	cutoff := time.Now().Add(-model.TypingTTL)

	mock.ExpectExec(`DELETE FROM typing_indicators WHERE updated_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := r.DeleteStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestFileRepo_ListPaths(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)
	sessionID := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT file_path FROM session_files WHERE session_id=\$1`).
		WithArgs(sessionID).
		WillReturnRows(pgxmock.NewRows([]string{"file_path"}).
			AddRow("sessions/a/one.bin").AddRow("sessions/a/two.bin"))

	paths, err := r.ListPaths(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, []string{"sessions/a/one.bin", "sessions/a/two.bin"}, paths)
}

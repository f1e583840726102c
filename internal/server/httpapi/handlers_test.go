package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/keygen"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
	"github.com/seclith/qsession/internal/service"
)

// Minimal in-memory stores backing the handlers under test. Only the
// methods the intrusion pipeline touches carry state.

type stubSessions struct {
	byID map[uuid.UUID]*model.Session
}

var _ repository.SessionRepository = (*stubSessions)(nil)

func (s *stubSessions) Create(_ context.Context, sess *model.Session) error {
	cp := *sess
	s.byID[sess.ID] = &cp
	return nil
}

func (s *stubSessions) GetByID(_ context.Context, id uuid.UUID) (*model.Session, error) {
	sess, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *stubSessions) GetActiveByKey(context.Context, string) (*model.Session, error) {
	return nil, errs.ErrNotFound
}

func (s *stubSessions) UpdateKey(_ context.Context, id uuid.UUID, newKey string) error {
	sess, ok := s.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	sess.SessionKey = newKey
	return nil
}

func (s *stubSessions) Deactivate(context.Context, uuid.UUID) error { return nil }
func (s *stubSessions) Delete(context.Context, uuid.UUID) error    { return nil }
func (s *stubSessions) ListExpired(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}
func (s *stubSessions) ListActive(context.Context) ([]model.Session, error) { return nil, nil }
func (s *stubSessions) AddParticipant(context.Context, *model.Participant) error {
	return nil
}
func (s *stubSessions) ListParticipants(context.Context, uuid.UUID) ([]model.Participant, error) {
	return nil, nil
}
func (s *stubSessions) DeleteParticipants(context.Context, uuid.UUID) error { return nil }

type stubMessages struct {
	inserted []model.Message
}

var _ repository.MessageRepository = (*stubMessages)(nil)

func (s *stubMessages) Insert(_ context.Context, m *model.Message) error {
	s.inserted = append(s.inserted, *m)
	return nil
}

func (s *stubMessages) Get(context.Context, uuid.UUID) (*model.Message, error) {
	return nil, errs.ErrNotFound
}
func (s *stubMessages) ListVisible(context.Context, uuid.UUID) ([]model.Message, error) {
	return nil, nil
}
func (s *stubMessages) MarkRead(context.Context, uuid.UUID, uuid.UUID) (*model.Message, error) {
	return nil, errs.ErrNotFound
}
func (s *stubMessages) MarkDelivered(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (s *stubMessages) SetAutoDeleteOnce(context.Context, uuid.UUID, time.Time) (bool, error) {
	return false, nil
}
func (s *stubMessages) MarkDeleted(context.Context, uuid.UUID) error { return nil }
func (s *stubMessages) ListDue(context.Context, time.Time) ([]model.Message, error) {
	return nil, nil
}
func (s *stubMessages) DeleteAll(context.Context, uuid.UUID) error { return nil }

type stubAudit struct {
	rotations  int
	intrusions int
}

var _ repository.AuditRepository = (*stubAudit)(nil)

func (s *stubAudit) AddKeyRotation(context.Context, *model.KeyRotationEvent) error {
	s.rotations++
	return nil
}
func (s *stubAudit) ListKeyRotations(context.Context, uuid.UUID) ([]model.KeyRotationEvent, error) {
	return nil, nil
}
func (s *stubAudit) AddIntrusion(context.Context, *model.IntrusionAttempt) error {
	s.intrusions++
	return nil
}
func (s *stubAudit) DeleteKeyRotations(context.Context, uuid.UUID) error { return nil }
func (s *stubAudit) DeleteIntrusions(context.Context, uuid.UUID) error   { return nil }

type stubKeys struct{ key string }

func (s *stubKeys) Generate(context.Context) (keygen.Key, error) {
	return keygen.Key{Value: s.key}, nil
}

func TestIntrusionReport_ResponseNeverCarriesRotatedKey(t *testing.T) {
	sessions := &stubSessions{byID: map[uuid.UUID]*model.Session{}}
	messages := &stubMessages{}
	audit := &stubAudit{}

	sess := &model.Session{
		ID:            uuid.Must(uuid.NewV4()),
		Name:          "war room",
		SessionKey:    "INITIAL",
		CreatorID:     uuid.Must(uuid.NewV4()),
		SecurityLevel: model.SecurityStandard,
		IsActive:      true,
	}
	require.NoError(t, sessions.Create(context.Background(), sess))

	responder := service.NewIntrusionResponder(service.IntrusionResponderConfig{
		Sessions: sessions,
		Messages: messages,
		Audit:    audit,
		Rotation: service.NewRotationService(sessions, audit, &stubKeys{key: "ROTATED"}, nil, nil),
	})
	srv := NewServer(ServerConfig{
		SignKey:   testSignKey,
		Intrusion: responder,
		Registry:  prometheus.NewRegistry(),
	})

	reporter := uuid.Must(uuid.NewV4())
	token, err := IssueToken(testSignKey, reporter.String(), time.Hour)
	require.NoError(t, err)

	body := `{"session_id":"` + sess.ID.String() + `","reason":"invalid or expired session key"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/intrusion-report", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// The pipeline did rotate; the response still withholds the key.
	stored, err := sessions.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "ROTATED", stored.SessionKey)
	require.Equal(t, 1, audit.rotations)
	require.Equal(t, 1, audit.intrusions)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["blocked"])
	require.NotEmpty(t, resp["assessment"])
	require.NotContains(t, resp, "new_key")
	require.NotContains(t, rec.Body.String(), "ROTATED")

	// Participants learn the key from the in-band notice instead.
	require.Len(t, messages.inserted, 1)
	require.Equal(t, sess.CreatorID, messages.inserted[0].SenderID)
	require.Contains(t, messages.inserted[0].Content, "ROTATED")
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/keygen"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
	"github.com/seclith/qsession/internal/risk"
)

// ---- session repository ----

type fakeSessions struct {
	mu           sync.Mutex
	byID         map[uuid.UUID]*model.Session
	participants map[uuid.UUID][]model.Participant

	createErr error
	updateErr error
}

var _ repository.SessionRepository = (*fakeSessions)(nil)

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		byID:         map[uuid.UUID]*model.Session{},
		participants: map[uuid.UUID][]model.Participant{},
	}
}

func (f *fakeSessions) put(s *model.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.byID[s.ID] = &cp
}

func (f *fakeSessions) Create(_ context.Context, s *model.Session) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.put(s)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[s.ID] = append(f.participants[s.ID], model.Participant{
		SessionID: s.ID, UserID: s.CreatorID, IsCreator: true, JoinedAt: s.CreatedAt,
	})
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) GetActiveByKey(_ context.Context, key string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.SessionKey == key && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeSessions) UpdateKey(_ context.Context, id uuid.UUID, newKey string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	s.SessionKey = newKey
	return nil
}

func (f *fakeSessions) Deactivate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.IsActive = false
	}
	return nil
}

func (f *fakeSessions) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeSessions) ListExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id, s := range f.byID {
		if s.IsActive && s.ExpiresAt.Before(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListActive(_ context.Context) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, s := range f.byID {
		if s.IsActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessions) AddParticipant(_ context.Context, p *model.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.participants[p.SessionID] {
		if ex.UserID == p.UserID {
			return nil
		}
	}
	f.participants[p.SessionID] = append(f.participants[p.SessionID], *p)
	return nil
}

func (f *fakeSessions) ListParticipants(_ context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Participant, len(f.participants[sessionID]))
	copy(out, f.participants[sessionID])
	return out, nil
}

func (f *fakeSessions) DeleteParticipants(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.participants, sessionID)
	return nil
}

// ---- message repository ----

type fakeMessages struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Message

	insertErr error
}

var _ repository.MessageRepository = (*fakeMessages)(nil)

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[uuid.UUID]*model.Message{}}
}

func (f *fakeMessages) Insert(_ context.Context, m *model.Message) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[m.ID]; ok {
		return nil
	}
	cp := *m
	f.byID[m.ID] = &cp
	return nil
}

func (f *fakeMessages) Get(_ context.Context, id uuid.UUID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) ListVisible(_ context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.byID {
		if m.SessionID == sessionID && !m.IsDeleted {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeMessages) MarkRead(_ context.Context, id, userID uuid.UUID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if !m.ReadByUser(userID) {
		m.ReadBy = append(m.ReadBy, userID)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) MarkDelivered(_ context.Context, id, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	for _, d := range m.DeliveredTo {
		if d == userID {
			return nil
		}
	}
	m.DeliveredTo = append(m.DeliveredTo, userID)
	return nil
}

func (f *fakeMessages) SetAutoDeleteOnce(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok || m.IsDeleted || m.AutoDeleteAt != nil {
		return false, nil
	}
	t := at
	m.AutoDeleteAt = &t
	return true, nil
}

func (f *fakeMessages) MarkDeleted(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byID[id]; ok {
		m.IsDeleted = true
	}
	return nil
}

func (f *fakeMessages) ListDue(_ context.Context, now time.Time) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.byID {
		if !m.IsDeleted && m.AutoDeleteAt != nil && !m.AutoDeleteAt.After(now) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeMessages) DeleteAll(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.byID {
		if m.SessionID == sessionID {
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

// ---- audit repository ----

type fakeAudit struct {
	mu         sync.Mutex
	rotations  []model.KeyRotationEvent
	intrusions []model.IntrusionAttempt
}

var _ repository.AuditRepository = (*fakeAudit)(nil)

func (f *fakeAudit) AddKeyRotation(_ context.Context, ev *model.KeyRotationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations = append(f.rotations, *ev)
	return nil
}

func (f *fakeAudit) ListKeyRotations(_ context.Context, sessionID uuid.UUID) ([]model.KeyRotationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.KeyRotationEvent
	for _, ev := range f.rotations {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeAudit) AddIntrusion(_ context.Context, a *model.IntrusionAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intrusions = append(f.intrusions, *a)
	return nil
}

func (f *fakeAudit) DeleteKeyRotations(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keep []model.KeyRotationEvent
	for _, ev := range f.rotations {
		if ev.SessionID != sessionID {
			keep = append(keep, ev)
		}
	}
	f.rotations = keep
	return nil
}

func (f *fakeAudit) DeleteIntrusions(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keep []model.IntrusionAttempt
	for _, a := range f.intrusions {
		if a.SessionID != sessionID {
			keep = append(keep, a)
		}
	}
	f.intrusions = keep
	return nil
}

func (f *fakeAudit) rotationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rotations)
}

func (f *fakeAudit) intrusionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intrusions)
}

// ---- typing repository ----

type fakeTyping struct {
	mu     sync.Mutex
	byUser map[uuid.UUID]model.TypingSignal
}

var _ repository.TypingRepository = (*fakeTyping)(nil)

func newFakeTyping() *fakeTyping {
	return &fakeTyping{byUser: map[uuid.UUID]model.TypingSignal{}}
}

func (f *fakeTyping) Upsert(_ context.Context, sig *model.TypingSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[sig.UserID] = *sig
	return nil
}

func (f *fakeTyping) Delete(_ context.Context, _, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byUser, userID)
	return nil
}

func (f *fakeTyping) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, sig := range f.byUser {
		if sig.UpdatedAt.Before(cutoff) {
			delete(f.byUser, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeTyping) DeleteForSession(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sig := range f.byUser {
		if sig.SessionID == sessionID {
			delete(f.byUser, id)
		}
	}
	return nil
}

// ---- file repository / blob store ----

type fakeFiles struct {
	mu    sync.Mutex
	paths map[uuid.UUID][]string
}

var _ repository.FileRepository = (*fakeFiles)(nil)

func (f *fakeFiles) ListPaths(_ context.Context, sessionID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths[sessionID]...), nil
}

func (f *fakeFiles) DeleteForSession(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paths, sessionID)
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	removed []string
}

var _ BlobStore = (*fakeBlobs)(nil)

func (f *fakeBlobs) Remove(_ context.Context, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, paths...)
	return nil
}

// ---- key provider ----

type fakeKeys struct {
	mu   sync.Mutex
	seq  int
	err  error
	keys []string
}

var _ KeyProvider = (*fakeKeys)(nil)

func (f *fakeKeys) Generate(context.Context) (keygen.Key, error) {
	if f.err != nil {
		return keygen.Key{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := "KEY000" + string(rune('0'+f.seq%10))
	f.keys = append(f.keys, key)
	return keygen.Key{Value: key}, nil
}

// ---- feed publisher ----

type fakePublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

var _ feed.Publisher = (*fakePublisher)(nil)

func (f *fakePublisher) Publish(_ uuid.UUID, ev feed.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) byTable(table feed.Table) []feed.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []feed.Event
	for _, ev := range f.events {
		if ev.Table == table {
			out = append(out, ev)
		}
	}
	return out
}

// ---- limiter ----

type fakeLimiter struct {
	mu        sync.Mutex
	allow     bool
	failures  int
	successes int
}

func (f *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allow, 0, nil
}

func (f *fakeLimiter) Success(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

func (f *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return false, 0, nil
}

// ---- risk assessor ----

type fakeAssessor struct {
	text string
	err  error
}

var _ risk.Assessor = (*fakeAssessor)(nil)

func (f *fakeAssessor) Assess(context.Context, risk.Input) (string, error) {
	return f.text, f.err
}

// ---- scheduler collaborators ----

type fakeResyncer struct {
	mu   sync.Mutex
	keys []string
}

var _ Resyncer = (*fakeResyncer)(nil)

func (f *fakeResyncer) Resync(_ uuid.UUID, newKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, newKey)
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []uuid.UUID
}

var _ SchedulerStopper = (*fakeStopper)(nil)

func (f *fakeStopper) StopFor(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func activeSession(level model.SecurityLevel) *model.Session {
	now := time.Now().Truncate(time.Second)
	return &model.Session{
		ID:            uuid.Must(uuid.NewV4()),
		Name:          "war room",
		SessionKey:    "INITIAL",
		CreatorID:     uuid.Must(uuid.NewV4()),
		SecurityLevel: level,
		Authenticity:  model.PolicyAnyone,
		DurationMin:   15,
		ExpiresAt:     now.Add(15 * time.Minute),
		IsActive:      true,
		CreatedAt:     now,
	}
}

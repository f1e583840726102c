package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
)

// RotationService replaces a session's key and records the audit trail.
// Both the scheduler and the intrusion responder rotate through it.
type RotationService struct {
	sessions repository.SessionRepository
	audit    repository.AuditRepository
	keys     KeyProvider
	feed     feed.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewRotationService constructs a RotationService.
func NewRotationService(sessions repository.SessionRepository, audit repository.AuditRepository, keys KeyProvider, pub feed.Publisher, log *zap.Logger) *RotationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RotationService{
		sessions: sessions,
		audit:    audit,
		keys:     keys,
		feed:     pub,
		log:      log,
		now:      time.Now,
	}
}

// Rotate generates a fresh key, appends the KeyRotationEvent, updates the
// session in place, and echoes the session row on the feed.
func (r *RotationService) Rotate(ctx context.Context, sessionID uuid.UUID, trigger string) (*model.KeyRotationEvent, error) {
	sess, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	key, err := r.keys.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate rotation key: %w", err)
	}
	if key.Fallback {
		r.log.Warn("rotation key from local fallback", zap.Error(key.Cause))
	}

	ev := &model.KeyRotationEvent{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: sessionID,
		OldKey:    sess.SessionKey,
		NewKey:    key.Value,
		RotatedAt: r.now(),
	}
	if err := r.audit.AddKeyRotation(ctx, ev); err != nil {
		return nil, fmt.Errorf("record rotation: %w", err)
	}
	if err := r.sessions.UpdateKey(ctx, sessionID, key.Value); err != nil {
		return nil, fmt.Errorf("update session key: %w", err)
	}

	sess.SessionKey = key.Value
	if r.feed != nil {
		fe, ferr := feed.NewEvent(feed.EventUpdate, feed.TableSessions, feed.SessionRowFrom(sess))
		if ferr == nil {
			r.feed.Publish(sessionID, fe)
		}
	}

	r.log.Info("session key rotated",
		zap.String("session", sessionID.String()),
		zap.String("trigger", trigger),
	)
	return ev, nil
}

// TickerFactory abstracts timer creation so scheduler tests can drive ticks
// with a fake clock. The returned func stops the ticker.
type TickerFactory func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Scheduler drives cadence-based rotation for one session. It keeps a local
// view of the current key so externally pushed rotations (intrusions) can
// resynchronize it without disturbing the timer.
type Scheduler struct {
	sessionID uuid.UUID
	interval  time.Duration
	rotate    func(ctx context.Context, sessionID uuid.UUID, trigger string) (*model.KeyRotationEvent, error)
	onRotate  func(ev *model.KeyRotationEvent)
	newTicker TickerFactory
	log       *zap.Logger

	mu         sync.Mutex
	currentKey string
	cancel     context.CancelFunc
	done       chan struct{}
	epoch      uint64
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	SessionID  uuid.UUID
	Level      model.SecurityLevel
	CurrentKey string
	Rotation   *RotationService
	// OnRotate is invoked after each successful scheduled rotation.
	OnRotate func(ev *model.KeyRotationEvent)
	// NewTicker defaults to the wall clock.
	NewTicker TickerFactory
	Log       *zap.Logger
}

// NewScheduler builds a Scheduler for the session at the level's cadence.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.NewTicker == nil {
		cfg.NewTicker = realTicker
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Scheduler{
		sessionID:  cfg.SessionID,
		interval:   cfg.Level.RotationInterval(),
		rotate:     cfg.Rotation.Rotate,
		onRotate:   cfg.OnRotate,
		newTicker:  cfg.NewTicker,
		log:        cfg.Log,
		currentKey: cfg.CurrentKey,
	}
}

// Start launches the rotation loop. Calling Start on a running scheduler
// restarts it with a fresh epoch.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.epoch++
	epoch := s.epoch
	done := s.done
	s.mu.Unlock()

	go s.loop(ctx, epoch, done)
}

func (s *Scheduler) loop(ctx context.Context, epoch uint64, done chan struct{}) {
	defer close(done)

	ticks, stop := s.newTicker(s.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			// A tick scheduled before Stop/restart must not rotate.
			s.mu.Lock()
			stale := epoch != s.epoch
			s.mu.Unlock()
			if stale {
				return
			}
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ev, err := s.rotate(ctx, s.sessionID, "schedule")
	if err != nil {
		s.log.Warn("scheduled rotation failed",
			zap.String("session", s.sessionID.String()), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.currentKey = ev.NewKey
	s.mu.Unlock()
	if s.onRotate != nil {
		s.onRotate(ev)
	}
}

// Resync accepts an externally pushed rotation without touching the cadence.
func (s *Scheduler) Resync(newKey string) {
	s.mu.Lock()
	s.currentKey = newKey
	s.mu.Unlock()
}

// CurrentKey returns the scheduler's view of the session key.
func (s *Scheduler) CurrentKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentKey
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.epoch++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// SchedulerSet owns one Scheduler per active session.
type SchedulerSet struct {
	rotation  *RotationService
	newTicker TickerFactory
	log       *zap.Logger

	mu   sync.Mutex
	byID map[uuid.UUID]*Scheduler
}

// NewSchedulerSet constructs an empty set.
func NewSchedulerSet(rotation *RotationService, newTicker TickerFactory, log *zap.Logger) *SchedulerSet {
	if log == nil {
		log = zap.NewNop()
	}
	return &SchedulerSet{
		rotation:  rotation,
		newTicker: newTicker,
		log:       log,
		byID:      make(map[uuid.UUID]*Scheduler),
	}
}

// StartFor launches (or restarts) the scheduler for a session.
func (ss *SchedulerSet) StartFor(ctx context.Context, sessionID uuid.UUID, level model.SecurityLevel, currentKey string) {
	ss.mu.Lock()
	if old := ss.byID[sessionID]; old != nil {
		old.Stop()
	}
	sched := NewScheduler(SchedulerConfig{
		SessionID:  sessionID,
		Level:      level,
		CurrentKey: currentKey,
		Rotation:   ss.rotation,
		NewTicker:  ss.newTicker,
		Log:        ss.log,
	})
	ss.byID[sessionID] = sched
	ss.mu.Unlock()

	sched.Start(ctx)
}

// StopFor stops and forgets the session's scheduler.
func (ss *SchedulerSet) StopFor(sessionID uuid.UUID) {
	ss.mu.Lock()
	sched := ss.byID[sessionID]
	delete(ss.byID, sessionID)
	ss.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
}

// Resync pushes an out-of-cycle rotation into the session's scheduler.
func (ss *SchedulerSet) Resync(sessionID uuid.UUID, newKey string) {
	ss.mu.Lock()
	sched := ss.byID[sessionID]
	ss.mu.Unlock()

	if sched != nil {
		sched.Resync(newKey)
	}
}

// StopAll stops every scheduler; used on shutdown.
func (ss *SchedulerSet) StopAll() {
	ss.mu.Lock()
	scheds := make([]*Scheduler, 0, len(ss.byID))
	for _, s := range ss.byID {
		scheds = append(scheds, s)
	}
	ss.byID = make(map[uuid.UUID]*Scheduler)
	ss.mu.Unlock()

	for _, s := range scheds {
		s.Stop()
	}
}

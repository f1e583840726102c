package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/feed"
)

// Status is the observable connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	baseDelay   = time.Second
	maxDelay    = 30 * time.Second
	maxAttempts = 10
)

// Backoff returns the reconnect delay after n consecutive failures,
// 1-indexed: 2s, 4s, 8s, 16s, then capped at 30s.
func Backoff(n int) time.Duration {
	d := baseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Conn is one live feed subscription.
type Conn interface {
	// ReadEvent blocks for the next event; any error ends the connection.
	ReadEvent() (feed.Event, error)
	Close() error
}

// DialFunc opens a feed subscription.
type DialFunc func(ctx context.Context) (Conn, error)

// ConnectionManager keeps one feed subscription alive across failures with
// exponential backoff. After maxAttempts consecutive failures it parks and
// stays down until Online is called.
type ConnectionManager struct {
	dial     DialFunc
	onEvent  func(feed.Event)
	onStatus func(Status)
	sleep    func(ctx context.Context, d time.Duration) bool
	log      *zap.Logger

	mu       sync.Mutex
	status   Status
	attempts int
	parked   bool
	epoch    uint64
	cancel   context.CancelFunc
	conn     Conn
	wake     chan struct{}
}

// ConnectionConfig wires a ConnectionManager. OnEvent and OnStatus run on
// the manager's goroutine and must not block.
type ConnectionConfig struct {
	Dial     DialFunc
	OnEvent  func(feed.Event)
	OnStatus func(Status)
	// Sleep defaults to the wall clock; tests substitute it. It returns
	// false when the wait was interrupted.
	Sleep func(ctx context.Context, d time.Duration) bool
	Log   *zap.Logger
}

// NewConnectionManager constructs a manager in the disconnected state.
func NewConnectionManager(cfg ConnectionConfig) *ConnectionManager {
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &ConnectionManager{
		dial:     cfg.Dial,
		onEvent:  cfg.OnEvent,
		onStatus: cfg.OnStatus,
		sleep:    cfg.Sleep,
		log:      cfg.Log,
		status:   StatusDisconnected,
		wake:     make(chan struct{}, 1),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Open starts the connect loop. Reopening restarts it under a new epoch;
// callbacks from the superseded loop are discarded.
func (m *ConnectionManager) Open(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.epoch++
	m.attempts = 0
	m.parked = false
	epoch := m.epoch
	m.mu.Unlock()

	go m.loop(ctx, epoch)
}

func (m *ConnectionManager) loop(ctx context.Context, epoch uint64) {
	for ctx.Err() == nil {
		if m.waitIfParked(ctx, epoch) {
			return
		}

		m.setStatus(epoch, StatusConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			m.setStatus(epoch, StatusDisconnected)
			if m.backoff(ctx, epoch) {
				return
			}
			continue
		}

		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()
		m.setStatus(epoch, StatusConnected)

		m.pump(ctx, epoch, conn)
		m.setStatus(epoch, StatusDisconnected)
	}
}

func (m *ConnectionManager) pump(ctx context.Context, epoch uint64, conn Conn) {
	defer conn.Close()
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			m.log.Debug("feed connection lost", zap.Error(err))
			return
		}
		m.mu.Lock()
		stale := epoch != m.epoch
		m.mu.Unlock()
		if stale || ctx.Err() != nil {
			return
		}
		if m.onEvent != nil {
			m.onEvent(ev)
		}
	}
}

// backoff waits before the next attempt. An online signal cuts the wait
// short for an immediate redial. It reports true when the loop should exit.
func (m *ConnectionManager) backoff(ctx context.Context, epoch uint64) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return true
	}
	m.attempts++
	n := m.attempts
	if m.attempts >= maxAttempts {
		m.parked = true
	}
	m.mu.Unlock()

	slept := make(chan bool, 1)
	go func() { slept <- m.sleep(ctx, Backoff(n)) }()
	select {
	case ok := <-slept:
		return !ok
	case <-m.wake:
		return false
	case <-ctx.Done():
		return true
	}
}

// waitIfParked blocks a parked loop until Online or cancellation. It
// reports true when the loop should exit.
func (m *ConnectionManager) waitIfParked(ctx context.Context, epoch uint64) bool {
	for {
		m.mu.Lock()
		stale := epoch != m.epoch
		parked := m.parked
		m.mu.Unlock()
		if stale {
			return true
		}
		if !parked {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-m.wake:
		}
	}
}

// Offline drops the connection and parks the loop, as when the host network
// goes away.
func (m *ConnectionManager) Offline() {
	m.mu.Lock()
	m.parked = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Online resets the failure budget and triggers an immediate reconnect.
func (m *ConnectionManager) Online() {
	m.mu.Lock()
	m.attempts = 0
	m.parked = false
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Status returns the current connection state.
func (m *ConnectionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the consecutive-failure count.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Close stops the loop and drops any live connection.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.epoch++
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (m *ConnectionManager) setStatus(epoch uint64, st Status) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	changed := m.status != st
	m.status = st
	m.mu.Unlock()

	if changed && m.onStatus != nil {
		m.onStatus(st)
	}
}

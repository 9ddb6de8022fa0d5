package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// State is the connection lifecycle state of the realtime transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time snapshot of connection health.
type Status struct {
	State            State
	Connected        bool
	ReconnectAttempt int
}

// Dialer establishes (or re-establishes) the underlying transport. It is
// provided by the concrete channel implementation.
type Dialer func(ctx context.Context) error

const (
	defaultBaseDelay       = 2 * time.Second
	defaultMaxAttempts     = 5
	defaultPassiveInterval = 10 * time.Second
)

var ErrManagerClosed = errors.New("connection manager closed")

// Manager owns the connect/disconnect/reconnect lifecycle of one realtime
// transport. The connection is process-wide and shared across all
// conversation sessions.
//
// Reconnect policy: linearly increasing delay (attempt x base delay) for the
// first maxAttempts attempts, then a passive periodic retry indefinitely. The
// attempt counter is capped at maxAttempts; a successful connect resets it. Connection failures are
// never fatal; they only degrade to "echo may be delayed".
type Manager struct {
	dial Dialer

	baseDelay       time.Duration
	maxAttempts     int
	passiveInterval time.Duration

	mu        sync.Mutex
	state     State
	attempt   int
	observers map[int]func(Status)
	nextObsID int
	retry     *time.Timer
	closed    bool

	// seam for tests
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

func WithBaseDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.baseDelay = d }
}

func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) { m.maxAttempts = n }
}

func WithPassiveInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.passiveInterval = d }
}

func NewManager(dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:            dial,
		baseDelay:       defaultBaseDelay,
		maxAttempts:     defaultMaxAttempts,
		passiveInterval: defaultPassiveInterval,
		observers:       map[int]func(Status){},
		afterFunc:       time.AfterFunc,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect moves the manager online. On dial failure the automatic reconnect
// schedule takes over; the returned error only reflects the first attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		log.Warn().Err(err).Str("component", "realtime").Msg("initial connect failed, scheduling reconnect")
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return errors.Wrap(err, "realtime connect")
	}
	m.markConnected()
	return nil
}

// NotifyDisconnect is called by the transport when an established connection
// drops. It flips the state and kicks off the reconnect schedule.
func (m *Manager) NotifyDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state == StateDisconnected {
		return
	}
	log.Info().Str("component", "realtime").Msg("transport disconnected")
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
}

func (m *Manager) markConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.attempt = 0
	m.stopRetryLocked()
	m.setStateLocked(StateConnected)
	log.Info().Str("component", "realtime").Msg("transport connected")
}

// scheduleReconnectLocked arms the next reconnect attempt. Once the counter
// reaches maxAttempts it stops growing and every further retry uses the
// passive interval, so the published attempt count stays capped.
func (m *Manager) scheduleReconnectLocked() {
	m.stopRetryLocked()
	var delay time.Duration
	if m.attempt < m.maxAttempts {
		m.attempt++
		delay = time.Duration(m.attempt) * m.baseDelay
	} else {
		delay = m.passiveInterval
	}
	log.Debug().Str("component", "realtime").Int("attempt", m.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	m.notifyLocked()
	m.retry = m.afterFunc(delay, m.tryReconnect)
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.closed || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.dial(context.Background()); err != nil {
		log.Debug().Err(err).Str("component", "realtime").Msg("reconnect attempt failed")
		m.mu.Lock()
		if !m.closed {
			m.setStateLocked(StateDisconnected)
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		return
	}
	m.markConnected()
}

// OnStatusChange registers an observer called on every state transition. The
// current status is delivered immediately.
func (m *Manager) OnStatusChange(fn func(Status)) Unsubscribe {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	status := m.statusLocked()
	m.mu.Unlock()

	fn(status)
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *Manager) ReconnectAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Close stops the reconnect schedule permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopRetryLocked()
	m.setStateLocked(StateDisconnected)
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:            m.state,
		Connected:        m.state == StateConnected,
		ReconnectAttempt: m.attempt,
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	status := m.statusLocked()
	for _, fn := range m.observers {
		go fn(status)
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

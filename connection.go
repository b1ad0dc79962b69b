package chatsync

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Emit when the transport is down.
var ErrNotConnected = errors.New("chatsync: not connected")

// forceReconnectDelay is the fixed pause ForceReconnect waits before
// dialing again, giving the transport time to release the old handle.
const forceReconnectDelay = 200 * time.Millisecond

// ============================================================================
// Transport
// ============================================================================

// Transport is the wire connection the engine drives. Implementations
// deliver inbound events through the handler registered with Subscribe:
// a connect event once the connection is up, a disconnect event when it
// drops, and decoded domain events in between.
type Transport interface {
	// Connect opens the transport and blocks until the connection is
	// established or the attempt fails. On success the transport delivers
	// its connect event before returning.
	Connect(ctx context.Context) error
	// Disconnect closes the transport. Closing an already-closed
	// transport is a no-op.
	Disconnect() error
	// Emit sends an outbound command.
	Emit(event EventName, payload any) error
	// Subscribe registers the single consumer of transport events.
	Subscribe(fn func(EventPayload))
}

// ============================================================================
// Reconnection Config
// ============================================================================

// ReconnectConfig tunes the reconnection state machine.
type ReconnectConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func (c *ReconnectConfig) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
}

// backoffDelay returns the delay before reconnection attempt n (1-based):
// min(BaseDelay × BackoffFactor^(n-1), MaxDelay).
func backoffDelay(cfg ReconnectConfig, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	return time.Duration(math.Min(d, float64(cfg.MaxDelay)))
}

// ConnState is a snapshot of the connection state machine. Connected and
// Reconnecting are never both true.
type ConnState struct {
	Connected    bool
	Reconnecting bool
	Attempt      int
	MaxAttempts  int
	ConnectionID string
}

// ============================================================================
// Connection Lifecycle Manager
// ============================================================================

// ConnManager owns the one transport connection for the process and runs
// the reconnection state machine. Lifecycle transitions are republished on
// the dispatcher; transport faults are never raised to callers
// synchronously. Multiple sessions share one manager and must go through
// Emit rather than touching the transport directly.
type ConnManager struct {
	transport Transport
	bus       *Dispatcher
	log       zerolog.Logger

	mu           sync.Mutex
	cfg          ReconnectConfig
	connected    bool
	reconnecting bool
	failed       bool
	intentional  bool
	attempt      int
	connectionID string
	retryTimer   *time.Timer
	// epoch invalidates timers scheduled before a disconnect, reset, or
	// successful connect, so a stale fire can never dial.
	epoch uint64
}

// NewConnManager creates a connection manager over the given transport.
// Lifecycle events are published on bus. Zero-value fields in cfg fall
// back to defaults (10 attempts, 1s base, 30s cap, factor 2).
func NewConnManager(t Transport, bus *Dispatcher, cfg ReconnectConfig, log zerolog.Logger) *ConnManager {
	cfg.defaults()
	m := &ConnManager{
		transport: t,
		bus:       bus,
		cfg:       cfg,
		log:       log.With().Str("component", "connection").Logger(),
	}
	t.Subscribe(m.onTransportEvent)
	return m
}

// Connect opens the connection. It is a no-op when already connected.
// The outcome surfaces as a connected or connect_error event, never as a
// synchronous error.
func (m *ConnManager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return
	}
	m.intentional = false
	m.failed = false
	m.stopRetryLocked()
	m.mu.Unlock()

	// Tear down any stale half-open handle before dialing fresh.
	_ = m.transport.Disconnect()
	go m.dial(ctx)
}

// Disconnect closes the connection intentionally: pending reconnection
// timers are cancelled, the attempt counter resets, and no automatic
// reconnection follows.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.failed = false
	m.reconnecting = false
	m.attempt = 0
	m.stopRetryLocked()
	m.mu.Unlock()

	if err := m.transport.Disconnect(); err != nil {
		m.log.Warn().Err(err).Msg("transport disconnect")
	}
}

// ForceReconnect resets the attempt counter, drops the current connection
// if any, and dials again after a short fixed delay. It is the explicit
// way out of the Failed state.
func (m *ConnManager) ForceReconnect() {
	m.mu.Lock()
	m.intentional = true
	m.failed = false
	m.reconnecting = false
	m.attempt = 0
	m.stopRetryLocked()
	wasConnected := m.connected
	epoch := m.epoch
	m.mu.Unlock()

	if wasConnected {
		_ = m.transport.Disconnect()
	}

	time.AfterFunc(forceReconnectDelay, func() {
		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.intentional = false
		m.mu.Unlock()
		go m.dial(context.Background())
	})
}

// UpdateConfig atomically replaces the reconnection tuning. It takes
// effect on the next scheduled reconnection.
func (m *ConnManager) UpdateConfig(cfg ReconnectConfig) {
	cfg.defaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnState{
		Connected:    m.connected,
		Reconnecting: m.reconnecting,
		Attempt:      m.attempt,
		MaxAttempts:  m.cfg.MaxAttempts,
		ConnectionID: m.connectionID,
	}
}

// Connected reports whether the transport connection is up.
func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Emit sends an outbound command when connected, ErrNotConnected
// otherwise. Sessions use this instead of holding the transport.
func (m *ConnManager) Emit(event EventName, payload any) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return m.transport.Emit(event, payload)
}

// ── Internal state machine ───────────────────────────────────────────────

func (m *ConnManager) dial(ctx context.Context) {
	if err := m.transport.Connect(ctx); err != nil {
		m.log.Debug().Err(err).Msg("connect attempt failed")
		m.bus.Emit(ConnectErrorPayload{Err: err})
		m.onAttemptFailed()
	}
}

func (m *ConnManager) onTransportEvent(p EventPayload) {
	switch ev := p.(type) {
	case transportConnectPayload:
		m.mu.Lock()
		m.connected = true
		m.reconnecting = false
		m.failed = false
		m.attempt = 0
		m.connectionID = ev.ConnectionID
		m.epoch++
		m.stopRetryLocked()
		m.mu.Unlock()
		m.log.Info().Str("connection_id", ev.ConnectionID).Msg("connected")
		m.bus.Emit(ConnectedPayload{ConnectionID: ev.ConnectionID})

	case transportDisconnectPayload:
		m.mu.Lock()
		m.connected = false
		m.connectionID = ""
		intentional := m.intentional
		m.mu.Unlock()
		m.log.Info().Str("reason", ev.Reason).Bool("intentional", intentional).Msg("disconnected")
		m.bus.Emit(DisconnectedPayload{Reason: ev.Reason})
		if !intentional {
			m.onAttemptFailed()
		}

	case transportConnectErrorPayload:
		m.bus.Emit(ConnectErrorPayload{Err: ev.Err})
		m.onAttemptFailed()

	default:
		// Domain events pass straight through to subscribers.
		m.bus.Emit(p)
	}
}

// onAttemptFailed records one consecutive failure and either schedules the
// next attempt or declares exhaustion.
func (m *ConnManager) onAttemptFailed() {
	m.mu.Lock()
	if m.intentional || m.failed {
		m.mu.Unlock()
		return
	}
	m.attempt++
	cfg := m.cfg

	if m.attempt >= cfg.MaxAttempts {
		m.failed = true
		m.reconnecting = false
		attempts := m.attempt
		m.mu.Unlock()
		m.log.Warn().Int("attempts", attempts).Msg("reconnection attempts exhausted")
		m.bus.Emit(MaxAttemptsPayload{Attempts: attempts})
		return
	}

	m.reconnecting = true
	attempt := m.attempt
	delay := backoffDelay(cfg, attempt)
	m.stopRetryLocked()
	epoch := m.epoch
	m.retryTimer = time.AfterFunc(delay, func() { m.retryFire(epoch) })
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	m.bus.Emit(ReconnectingPayload{Attempt: attempt, Delay: delay})
}

func (m *ConnManager) retryFire(epoch uint64) {
	m.mu.Lock()
	stale := epoch != m.epoch || m.intentional || m.failed || m.connected
	m.mu.Unlock()
	if stale {
		return
	}
	m.dial(context.Background())
}

func (m *ConnManager) stopRetryLocked() {
	m.epoch++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

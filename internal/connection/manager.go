package connection

import (
	"context"
	"sync"
	"time"

	"threatwatch/internal/logger"
	"threatwatch/internal/metrics"
	"threatwatch/internal/transform/alertwire"
	"threatwatch/pkg/models"
)

// DefaultReconnectDelay is the fixed delay before a reconnection attempt.
const DefaultReconnectDelay = 3 * time.Second

// Config configures a Manager.
type Config struct {
	ReconnectDelay time.Duration
	Clock          Clock
	Parse          func([]byte) (models.Alert, error)
	Metrics        *metrics.Metrics
}

// Manager owns a single push connection and reconnects it after failures.
//
// Handlers are invoked serially, in the order transitions and messages occur.
// Close never invokes a handler, so handlers may call it.
type Manager struct {
	dialer  Dialer
	delay   time.Duration
	clock   Clock
	parse   func([]byte) (models.Alert, error)
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	dialing bool
	closed  bool
	gen     uint64
	link    Link
	timer   Timer
	ctx     context.Context
	cancel  context.CancelFunc
	onEvent func(models.Alert)
	onState func(State)

	emitMu sync.Mutex
}

// NewManager creates a manager in the Connecting state. No connection is
// attempted until Connect.
func NewManager(dialer Dialer, cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Parse == nil {
		cfg.Parse = alertwire.Parse
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Manager{
		dialer:  dialer,
		delay:   cfg.ReconnectDelay,
		clock:   cfg.Clock,
		parse:   cfg.Parse,
		metrics: cfg.Metrics,
		state:   Connecting,
	}
}

// OnEvent sets the handler for parsed inbound alerts.
func (m *Manager) OnEvent(handler func(models.Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = handler
}

// OnStateChange sets the handler for lifecycle transitions.
func (m *Manager) OnStateChange(handler func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = handler
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a handshake in the background. It is a no-op while a link is
// live or a handshake is already in flight. ctx bounds the lifetime of this
// and every scheduled reconnection until it is cancelled; once it is, no
// retry is scheduled and a later Connect supplies a fresh ctx.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.ctx == nil || m.ctx.Err() != nil {
		if m.cancel != nil {
			m.cancel()
		}
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	if m.state == Connected || m.dialing {
		m.mu.Unlock()
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.dialing = true
	m.gen++
	gen := m.gen
	announce := m.state != Connecting
	m.setStateLocked(Connecting)
	runCtx := m.ctx
	m.mu.Unlock()

	go m.run(runCtx, gen, announce)
	return nil
}

// Close tears down the live link and cancels any scheduled reconnection.
// It is idempotent; the manager cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.dialing = false
	m.setStateLocked(Closed)
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	link := m.link
	m.link = nil
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		return link.Close()
	}
	return nil
}

func (m *Manager) run(ctx context.Context, gen uint64, announce bool) {
	if announce {
		m.emitState(gen, Connecting)
	}

	link, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	m.dialing = false
	if err != nil {
		m.mu.Unlock()
		logger.Warnf("Push connection handshake failed: %v", err)
		m.disconnected(gen)
		return
	}
	m.link = link
	m.setStateLocked(Connected)
	m.mu.Unlock()

	logger.Infof("Push connection established")
	m.emitState(gen, Connected)
	m.readLoop(ctx, gen, link)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, link Link) {
	for {
		payload, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warnf("Push connection lost: %v", err)
			}
			m.disconnected(gen)
			return
		}
		m.metrics.MessagesReceived.Inc()

		alert, err := m.parse(payload)
		if err != nil {
			m.metrics.MalformedDropped.Inc()
			logger.Warnf("Dropping malformed push payload (%d bytes): %v", len(payload), err)
			continue
		}
		m.emitEvent(gen, alert)
	}
}

// disconnected moves generation gen to Disconnected and schedules exactly one
// reconnection attempt.
func (m *Manager) disconnected(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	link := m.link
	m.link = nil
	m.dialing = false
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	m.emitState(gen, Disconnected)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.state != Disconnected || m.timer != nil {
		return
	}
	if m.ctx != nil && m.ctx.Err() != nil {
		logger.Infof("Connection context cancelled, not reconnecting")
		return
	}
	logger.Infof("Reconnecting in %s", m.delay)
	m.timer = m.clock.AfterFunc(m.delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.ctx
	m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	m.metrics.ReconnectAttempts.Inc()
	if err := m.Connect(ctx); err != nil {
		logger.Debugf("Reconnect skipped: %v", err)
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) emitState(gen uint64, s State) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	handler := m.onState
	stale := m.closed || gen != m.gen
	m.mu.Unlock()
	if stale || handler == nil {
		return
	}
	handler(s)
}

func (m *Manager) emitEvent(gen uint64, alert models.Alert) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	handler := m.onEvent
	stale := m.closed || gen != m.gen
	m.mu.Unlock()
	if stale || handler == nil {
		return
	}
	handler(alert)
}

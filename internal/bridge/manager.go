// Package bridge owns the agent's socket to the local control process: it
// connects, detects failure, backs off, retries and keeps the link alive, and
// hands inbound commands to a Dispatcher.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/protocol"
	"github.com/standardbeagle/tabwire/internal/status"
)

// ErrNotOpen is returned when sending while the connection is not open.
var ErrNotOpen = errors.New("connection not open")

// Phase is the connection state machine phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	}
	return "unknown"
}

// Dispatcher executes a command envelope and returns its response envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd protocol.Envelope) protocol.Envelope
}

// StatusRecorder persists the connection status for the status display.
type StatusRecorder interface {
	SetStatus(s status.ConnectionStatus, attempts int) error
	Touch(at time.Time)
}

// Config configures a Manager.
type Config struct {
	// URL is the control process endpoint.
	URL string

	Backoff Backoff

	// HeartbeatInterval is the ping period while open.
	HeartbeatInterval time.Duration
	// ProbeInterval is the periodic CheckConnection period used by Run.
	ProbeInterval time.Duration
	// KeepAliveInterval is the low frequency CheckConnection period used by Run.
	KeepAliveInterval time.Duration
	// TriggerDebounce is the minimum gap between accepted external triggers.
	TriggerDebounce time.Duration

	// Greeting is the message of the connection envelope sent on open.
	Greeting string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://127.0.0.1:8765",
		Backoff:           DefaultBackoff(),
		HeartbeatInterval: 20 * time.Second,
		ProbeInterval:     10 * time.Second,
		KeepAliveInterval: 60 * time.Second,
		TriggerDebounce:   2 * time.Second,
		Greeting:          "browser agent connected",
	}
}

// State is a point-in-time copy of the connection state.
type State struct {
	Phase        Phase
	Attempts     int
	Connecting   bool
	RetryPending bool
	RetryDelay   time.Duration
	LastActivity time.Time
}

type stopper interface {
	Stop() bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithStatusRecorder sets where status transitions are persisted.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(m *Manager) { m.status = r }
}

// Manager is the single owner of the connection state. All mutation goes
// through its methods; the socket is touched only by its own goroutines.
type Manager struct {
	cfg        Config
	dialer     Dialer
	dispatcher Dispatcher
	status     StatusRecorder
	logger     *zap.Logger

	afterFunc func(time.Duration, func()) stopper
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	phase         Phase
	conn          *handle
	gen           uint64
	connecting    bool
	attempts      int
	lastActivity  time.Time
	lastTrigger   time.Time
	retry         stopper
	retryDelay    time.Duration
	heartbeatStop chan struct{}
	closed        bool
}

// NewManager creates an idle manager. Nothing is dialed until EnsureConnected or Run.
func NewManager(cfg Config, dialer Dialer, dispatcher Dispatcher, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = def.Backoff
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.Greeting == "" {
		cfg.Greeting = def.Greeting
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		dialer:     dialer,
		dispatcher: dispatcher,
		logger:     zap.NewNop(),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Phase:        m.phase,
		Attempts:     m.attempts,
		Connecting:   m.connecting,
		RetryPending: m.retry != nil,
		RetryDelay:   m.retryDelay,
		LastActivity: m.lastActivity,
	}
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked()
}

func (m *Manager) openLocked() bool {
	return m.phase == PhaseOpen && m.conn != nil
}

// EnsureConnected starts a connection attempt unless one is in flight or the
// connection is already open. It never blocks and is safe to call from any
// goroutine; concurrent calls start at most one attempt.
func (m *Manager) EnsureConnected() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.connecting {
		m.mu.Unlock()
		m.logger.Debug("connect already in flight")
		return
	}
	if m.openLocked() {
		m.mu.Unlock()
		return
	}

	m.connecting = true
	m.stopRetryLocked()
	stale := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.phase = PhaseConnecting
	attempt := m.attempts + 1
	m.mu.Unlock()

	if stale != nil {
		stale.close()
	}

	m.logger.Info("connecting", zap.String("url", m.cfg.URL), zap.Int("attempt", attempt))
	go m.dial(gen)
}

// CheckConnection calls EnsureConnected unless the connection is open.
func (m *Manager) CheckConnection() {
	if !m.IsConnected() {
		m.EnsureConnected()
	}
}

// Forward relays a host-originated message to the control process.
func (m *Manager) Forward(payload json.RawMessage) error {
	m.mu.Lock()
	h := m.conn
	open := m.openLocked()
	m.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	return m.send(h, protocol.Envelope{Type: protocol.TypeForwarded, Payload: payload})
}

// Close stops all timers and closes the socket. The manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopRetryLocked()
	m.stopHeartbeatLocked()
	h := m.conn
	m.conn = nil
	m.phase = PhaseIdle
	m.connecting = false
	m.gen++
	m.recordStatusLocked(status.Disconnected)
	m.mu.Unlock()

	m.cancel()
	if h != nil {
		h.close()
	}
	m.logger.Info("connection manager closed")
}

func (m *Manager) dial(gen uint64) {
	conn, err := m.dialer.Dial(m.ctx, m.cfg.URL)
	if err != nil {
		m.onError(gen, err)
		m.onClose(gen)
		return
	}

	h := &handle{gen: gen, conn: conn}
	if !m.onOpen(h) {
		h.close()
		return
	}
	m.readLoop(h)
}

func (m *Manager) onOpen(h *handle) bool {
	m.mu.Lock()
	if m.closed || h.gen != m.gen || m.phase != PhaseConnecting {
		m.mu.Unlock()
		return false
	}
	m.phase = PhaseOpen
	m.conn = h
	m.connecting = false
	m.attempts = 0
	m.lastActivity = m.now()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.recordStatusLocked(status.Connected)
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("url", m.cfg.URL))
	if err := h.write(protocol.NewConnection(m.cfg.Greeting)); err != nil {
		m.logger.Warn("failed to announce connection", zap.Error(err))
	}
	go m.heartbeat(h, stop)
	return true
}

func (m *Manager) readLoop(h *handle) {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if isFailure(err) {
				m.onError(h.gen, err)
			}
			m.onClose(h.gen)
			return
		}
		m.onMessage(h, data)
	}
}

func (m *Manager) onMessage(h *handle, data []byte) {
	m.touch()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		m.logger.Warn("dropping malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	switch env.Type {
	case protocol.TypeCommand:
		go m.handleCommand(h, env)
	case protocol.TypePing:
		if err := m.send(h, protocol.NewPong()); err != nil && !errors.Is(err, ErrNotOpen) {
			m.logger.Warn("failed to answer ping", zap.Error(err))
		}
	case protocol.TypePong:
	default:
		m.logger.Debug("ignoring message", zap.String("type", string(env.Type)))
	}
}

func (m *Manager) handleCommand(h *handle, cmd protocol.Envelope) {
	m.logger.Debug("dispatching command", zap.String("command", cmd.Command), zap.String("id", cmd.ID))

	resp := m.dispatcher.Dispatch(m.ctx, cmd)

	err := m.send(h, resp)
	switch {
	case errors.Is(err, ErrNotOpen):
		m.logger.Debug("discarding response, connection gone", zap.String("command", cmd.Command))
	case err != nil:
		m.logger.Warn("failed to send response", zap.String("command", cmd.Command), zap.Error(err))
	}
}

// send writes env on h if h is still the open connection.
func (m *Manager) send(h *handle, env protocol.Envelope) error {
	m.mu.Lock()
	live := !m.closed && m.conn == h && m.phase == PhaseOpen
	m.mu.Unlock()
	if !live {
		return ErrNotOpen
	}
	return h.write(env)
}

func (m *Manager) heartbeat(h *handle, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			err := m.send(h, protocol.NewPing())
			switch {
			case err == nil:
				m.touch()
			case errors.Is(err, ErrNotOpen):
				return
			default:
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) onError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}
	m.phase = PhaseClosing
	m.connecting = false
	m.recordStatusLocked(status.Error)
	m.logger.Warn("connection error", zap.Error(err))
}

func (m *Manager) onClose(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.phase == PhaseIdle {
		return
	}

	h := m.conn
	m.phase = PhaseIdle
	m.conn = nil
	m.connecting = false
	m.stopHeartbeatLocked()
	m.attempts++
	m.recordStatusLocked(status.Disconnected)

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.scheduleRetryLocked(delay)
	m.logger.Info("disconnected",
		zap.Int("attempts", m.attempts),
		zap.Duration("retry_in", delay))

	if h != nil {
		go h.close()
	}
}

// scheduleRetryLocked replaces any pending retry with one firing after delay.
func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	m.stopRetryLocked()

	var t stopper
	fire := func() {
		m.mu.Lock()
		// A timer whose Stop lost the race with its own firing.
		if m.retry != t {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.mu.Unlock()
		m.EnsureConnected()
	}
	t = m.afterFunc(delay, fire)
	m.retry = t
	m.retryDelay = delay
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) touch() {
	now := m.now()
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
	if m.status != nil {
		m.status.Touch(now)
	}
}

func (m *Manager) recordStatusLocked(s status.ConnectionStatus) {
	if m.status == nil {
		return
	}
	if err := m.status.SetStatus(s, m.attempts); err != nil {
		m.logger.Warn("failed to persist status", zap.String("status", string(s)), zap.Error(err))
	}
}

// Package connection owns the socket session of one client: the status
// state machine, reconnect backoff, heartbeat and the outbound queue used
// while the socket is not open.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/parley/internal/clock"
	"github.com/rpggio/parley/internal/dispatch"
	"github.com/rpggio/parley/internal/domain/presence"
	"github.com/rpggio/parley/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultResumeCooldown    = time.Second
	DefaultDialTimeout       = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	Target            Target
	Credentials       Credentials
	Backoff           Backoff
	HeartbeatInterval time.Duration
	ResumeCooldown    time.Duration
	DialTimeout       time.Duration
	TypingTTL         time.Duration
}

func (c *Config) applyDefaults() {
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ResumeCooldown <= 0 {
		c.ResumeCooldown = DefaultResumeCooldown
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

// WithMetrics records connection metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager runs one socket session.
type Manager struct {
	cfg      Config
	dialer   Dialer
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	presence *presence.Registry
	frames   *dispatch.Dispatcher[protocol.Frame]
	statuses *dispatch.Dispatcher[Transition]

	// writeMu serializes socket writes and is always taken before mu.
	writeMu sync.Mutex

	mu        sync.Mutex
	session   Session
	conn      Conn
	gen       uint64
	manual    bool
	queue     []protocol.Frame
	reconnect clock.Timer
	heartbeat clock.Timer
	resume    clock.Timer
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		clock:    clock.Real(),
		logger:   logger,
		frames:   dispatch.New[protocol.Frame]("frames", logger),
		statuses: dispatch.New[Transition]("status", logger),
		session:  Session{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.presence = presence.NewRegistry(m.clock, cfg.TypingTTL, logger)
	m.metrics.setStatus(StatusDisconnected)
	return m
}

// Session returns the current session snapshot.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// UserID returns the local user id.
func (m *Manager) UserID() string {
	return m.cfg.Credentials.UserID
}

// Presence returns the online and typing registry fed by this session.
func (m *Manager) Presence() *presence.Registry {
	return m.presence
}

// OnlineUsers returns the latest roster without the local user.
func (m *Manager) OnlineUsers() []presence.OnlineUser {
	return m.presence.Online()
}

// Typing returns the users typing in a conversation.
func (m *Manager) Typing(conversationID string) []string {
	return m.presence.Typing(conversationID)
}

// OnFrame registers fn for every inbound frame, in receive order.
func (m *Manager) OnFrame(fn func(protocol.Frame)) func() {
	return m.frames.Subscribe(fn)
}

// OnStatus registers fn for session transitions.
func (m *Manager) OnStatus(fn func(Transition)) func() {
	return m.statuses.Subscribe(fn)
}

// QueueLen returns the number of frames waiting for the socket.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Connect opens the socket. It is a no-op while a connect is in flight or
// the session is connected. A failed dial schedules a reconnect unless the
// failure is an authentication problem.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.session.Status {
	case StatusConnecting, StatusConnected:
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.stopTimersLocked()
	if !m.cfg.Credentials.valid() {
		t := m.transitionLocked(StatusError, ErrMissingCredentials)
		m.mu.Unlock()
		m.publish(t)
		return ErrMissingCredentials
	}
	m.gen++
	gen := m.gen
	t := m.transitionLocked(StatusConnecting, m.session.LastError)
	m.mu.Unlock()
	m.publish(t)

	return m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	url, err := m.cfg.Target.Resolve(m.cfg.Credentials.Token)
	if err != nil {
		return m.failDial(gen, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	m.logger.Debug("dialing socket", "attempt", m.Session().Attempt)
	conn, err := m.dialer.Dial(dialCtx, url)
	if err != nil {
		return m.failDial(gen, err)
	}

	m.writeMu.Lock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.writeMu.Unlock()
		_ = conn.Close(websocket.CloseNormalClosure, "superseded")
		return nil
	}
	m.conn = conn
	m.session.Attempt = 0
	t := m.transitionLocked(StatusConnected, nil)
	queued := m.queue
	m.queue = nil
	m.metrics.setQueueDepth(0)
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	m.logger.Info("socket connected", "queued", len(queued))
	go m.readLoop(gen, conn)

	creds := m.cfg.Credentials
	now := m.clock.Now()
	var hello []protocol.Frame
	if f, err := protocol.NewUserConnected(creds.UserID, creds.UserName, creds.UserEmail, now); err == nil {
		hello = append(hello, f)
	}
	if f, err := protocol.NewGetOnlineUsers(); err == nil {
		hello = append(hello, f)
	}
	for _, f := range append(hello, queued...) {
		if err := conn.WriteMessage(f.Bytes()); err != nil {
			m.logger.Warn("flush frame failed", "type", f.Type, "error", err)
			continue
		}
		m.metrics.frameSent()
	}
	m.writeMu.Unlock()

	m.publish(t)
	return nil
}

func (m *Manager) failDial(gen uint64, err error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return err
	}
	var t Transition
	switch {
	case errors.Is(err, ErrUnauthorized):
		m.logger.Error("socket handshake rejected", "error", err)
		t = m.transitionLocked(StatusError, fmt.Errorf("%w: %w", ErrAuthFailed, err))
	case errors.Is(err, ErrInvalidTarget):
		m.logger.Error("cannot resolve socket target", "error", err)
		t = m.transitionLocked(StatusError, err)
	default:
		m.logger.Warn("socket dial failed", "error", err)
		t = m.scheduleReconnectLocked(err)
	}
	m.mu.Unlock()
	m.publish(t)
	return err
}

// Disconnect closes the socket with a normal closure, cancels timers and
// drops queued frames. The session stays disconnected until Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.stopTimersLocked()
	conn := m.conn
	m.conn = nil
	m.queue = nil
	m.metrics.setQueueDepth(0)
	m.session.Attempt = 0
	t := m.transitionLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.CloseNormalClosure, "client disconnect"); err != nil {
			m.logger.Debug("close socket", "error", err)
		}
	}
	m.presence.Clear()
	m.logger.Info("socket disconnected")
	m.publish(t)
}

// Resume reacts to an environment signal such as the page becoming
// visible or the network coming back. When the session is stuck in a
// non-fatal error or was closed by the other side, a Connect is armed
// after the resume cooldown. It reports whether a connect was armed.
func (m *Manager) Resume(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resumableLocked() || m.resume != nil {
		return false
	}
	m.logger.Info("resume requested", "reason", reason, "status", m.session.Status)
	m.resume = m.clock.AfterFunc(m.cfg.ResumeCooldown, func() {
		m.mu.Lock()
		m.resume = nil
		ok := m.resumableLocked()
		m.mu.Unlock()
		if !ok {
			return
		}
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Warn("resume connect failed", "reason", reason, "error", err)
		}
	})
	return true
}

func (m *Manager) resumableLocked() bool {
	switch m.session.Status {
	case StatusError:
		return !m.session.Fatal()
	case StatusDisconnected:
		return !m.manual
	default:
		return false
	}
}

// Send writes frame when the socket is open and queues it otherwise.
// Queued frames are flushed in order on the next successful open and
// dropped by Disconnect.
func (m *Manager) Send(frame protocol.Frame) error {
	if len(frame.Raw) == 0 {
		return fmt.Errorf("send: %w", protocol.ErrMalformedFrame)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	if m.session.Status != StatusConnected || conn == nil {
		m.queue = append(m.queue, frame)
		m.metrics.setQueueDepth(len(m.queue))
		m.mu.Unlock()
		m.logger.Debug("frame queued", "type", frame.Type)
		return nil
	}
	m.mu.Unlock()

	if err := conn.WriteMessage(frame.Bytes()); err != nil {
		m.logger.Warn("socket write failed, frame queued", "type", frame.Type, "error", err)
		m.mu.Lock()
		m.queue = append(m.queue, frame)
		m.metrics.setQueueDepth(len(m.queue))
		m.mu.Unlock()
		return nil
	}
	m.metrics.frameSent()
	return nil
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, conn, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.handleFrame(gen, conn, data)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) handleFrame(gen uint64, conn Conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		m.metrics.frameDropped()
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}
	m.metrics.frameReceived(string(frame.Type))

	self := m.cfg.Credentials.UserID
	switch frame.Type {
	case protocol.TypeAuthenticationFailed:
		m.failAuth(gen, conn)
	case protocol.TypeOnlineUsers:
		var p protocol.OnlineUsersPayload
		if err := frame.Payload(&p); err != nil {
			m.logger.Warn("bad online users frame", "error", err)
			break
		}
		users := p.OnlineUsers()
		others := users[:0]
		for _, u := range users {
			if u.UserID != "" && u.UserID != self {
				others = append(others, u)
			}
		}
		m.presence.SetOnline(others)
	case protocol.TypeUserTyping, protocol.TypeTyping:
		var p protocol.TypingPayload
		if err := frame.Payload(&p); err == nil && p.Who() != "" && p.Who() != self {
			m.presence.StartTyping(p.ConversationID, p.Who())
		}
	case protocol.TypeUserStoppedTyping, protocol.TypeStopTyping:
		var p protocol.TypingPayload
		if err := frame.Payload(&p); err == nil && p.Who() != "" && p.Who() != self {
			m.presence.StopTyping(p.ConversationID, p.Who())
		}
	case protocol.TypePong:
		m.logger.Debug("pong received")
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = frame.Payload(&p)
		m.logger.Warn("server reported error", "message", p.Message)
	}

	m.frames.Publish(frame)
}

func (m *Manager) failAuth(gen uint64, conn Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimersLocked()
	m.conn = nil
	t := m.transitionLocked(StatusError, ErrAuthFailed)
	m.mu.Unlock()

	m.logger.Error("server rejected credentials")
	_ = conn.Close(websocket.CloseNormalClosure, "authentication failed")
	m.publish(t)
}

func (m *Manager) handleClose(gen uint64, conn Conn, cause error) {
	code := CloseCode(cause)
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.stopTimersLocked()

	var t Transition
	if !ShouldReconnect(code) {
		m.logger.Info("socket closed", "code", code)
		t = m.transitionLocked(StatusDisconnected, nil)
	} else {
		m.logger.Warn("socket closed abnormally", "code", code, "error", cause)
		t = m.scheduleReconnectLocked(fmt.Errorf("socket closed with code %d: %w", code, cause))
	}
	m.mu.Unlock()

	_ = conn.Close(websocket.CloseNormalClosure, "")
	m.publish(t)
}

func (m *Manager) scheduleReconnectLocked(cause error) Transition {
	m.session.Attempt++
	attempt := m.session.Attempt
	if m.cfg.Backoff.Exhausted(attempt) {
		m.session.Attempt = m.cfg.Backoff.MaxAttempts
		m.logger.Error("giving up reconnecting", "attempts", m.session.Attempt)
		return m.transitionLocked(StatusError, fmt.Errorf("%w: %w", ErrRetryBudgetExhausted, cause))
	}
	delay := m.cfg.Backoff.Delay(attempt)
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = m.clock.AfterFunc(delay, m.retry)
	m.metrics.reconnectScheduled()
	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	return m.transitionLocked(StatusReconnecting, cause)
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.session.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	m.gen++
	gen := m.gen
	t := m.transitionLocked(StatusConnecting, m.session.LastError)
	m.mu.Unlock()
	m.publish(t)

	_ = m.dial(context.Background(), gen)
}

func (m *Manager) armHeartbeatLocked(gen uint64) {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		if !m.current(gen) {
			return
		}
		if frame, err := protocol.NewPing(m.cfg.Credentials.UserID, m.clock.Now()); err == nil {
			_ = m.Send(frame)
		}
		m.mu.Lock()
		if gen == m.gen && m.session.Status == StatusConnected {
			m.armHeartbeatLocked(gen)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []*clock.Timer{&m.reconnect, &m.heartbeat, &m.resume} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Manager) transitionLocked(status Status, err error) Transition {
	from := m.session.Status
	m.session.Status = status
	m.session.LastError = err
	m.metrics.setStatus(status)
	return Transition{From: from, Session: m.session}
}

func (m *Manager) publish(t Transition) {
	m.logger.Debug("session status", "from", t.From, "to", t.Session.Status, "attempt", t.Session.Attempt)
	m.statuses.Publish(t)
}

// Package conn maintains a single logical websocket link to the relay:
// registration, keepalive, and reconnection with exponential backoff.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/logrelay/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NotificationKind discriminates Notification values.
type NotificationKind int

const (
	NotifyConnected NotificationKind = iota
	NotifyMessage
	NotifyError
	NotifyDisconnected
)

// Notification is a connection event delivered on Manager.Notifications.
type Notification struct {
	Kind NotificationKind
	// FrameKind and Frame are set for NotifyMessage.
	FrameKind events.FrameKind
	Frame     []byte
	// Err is set for NotifyError and, when known, NotifyDisconnected.
	Err error
}

// Options configures a Manager.
type Options struct {
	URL string

	// Identity and Credential are sent in the register frame. No register
	// frame is sent when Identity is empty.
	Identity   string
	Credential string
	ClientType string
	TimeZone   string

	AutoReconnect bool
	Backoff       Backoff
	DialTimeout   time.Duration

	// SendBuffer is the number of outbound frames queued per connection.
	SendBuffer int
	// MessagesPerSecond paces outbound frames. Zero disables pacing.
	MessagesPerSecond float64
	// NotificationBuffer sizes the Notifications channel.
	NotificationBuffer int

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// session is one physical websocket connection.
type session struct {
	gen      uint64
	epoch    uint64
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	failOnce sync.Once
}

// Manager owns the single logical connection for a client session.
// Its notifications are consumed by one handler loop via Notifications.
type Manager struct {
	opts    Options
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.Logger

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once

	// emitMu is held shared by every session emitter and exclusively by
	// Disconnect while it discards what is already queued.
	emitMu sync.RWMutex

	mu               sync.Mutex
	state            State
	attempt          int
	manualDisconnect bool
	closed           bool
	// gen increases on every new dial and on Disconnect; callbacks carrying
	// an older gen are ignored.
	gen            uint64
	session        *session
	reconnectTimer *time.Timer

	// epoch increases on Disconnect only. stale is closed and replaced at
	// the same time to release emitters blocked on the old epoch.
	epoch uint64
	stale chan struct{}
}

// NewManager creates a Manager in the Idle state.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("connection url is required")
	}
	if opts.Backoff.Base <= 0 || opts.Backoff.Max < opts.Backoff.Base || opts.Backoff.Multiplier < 1 {
		return nil, fmt.Errorf("invalid backoff: %+v", opts.Backoff)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = 64
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if opts.MessagesPerSecond > 0 {
		burst := int(opts.MessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), burst)
	}

	return &Manager{
		opts:          opts,
		dialer:        dialer,
		limiter:       limiter,
		logger:        logger,
		notifications: make(chan Notification, opts.NotificationBuffer),
		done:          make(chan struct{}),
		stale:         make(chan struct{}),
	}, nil
}

// Notifications returns the channel of connection events.
func (m *Manager) Notifications() <-chan Notification {
	return m.notifications
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnects scheduled since the last
// successful open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect starts connecting in the background. It is a no-op while a
// connection is being established or is already open.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	m.manualDisconnect = false
	m.stopReconnectLocked()
	gen := m.startDialLocked()
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect closes the connection and cancels any pending reconnect. No
// notification from the closed connection is delivered afterwards: those
// still queued and unread are discarded. The next Connect starts with a
// fresh attempt counter.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualDisconnect = true
	m.stopReconnectLocked()
	m.attempt = 0
	m.gen++
	m.epoch++
	close(m.stale)
	m.stale = make(chan struct{})
	s := m.session
	m.session = nil
	if s != nil {
		m.state = StateClosing
	} else {
		m.state = StateIdle
	}
	m.mu.Unlock()

	defer m.discardQueued()

	if s == nil {
		return
	}

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		m.logger.Debug("close handshake failed", zap.Error(err))
	}
	s.shutdown()

	m.mu.Lock()
	if m.state == StateClosing {
		m.state = StateIdle
	}
	m.mu.Unlock()

	m.logger.Info("disconnected", zap.String("url", m.opts.URL))
}

// Close disconnects and stops delivering notifications. The Manager cannot
// be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })
}

// Send encodes v as a frame and queues it on the open connection. Frames
// are never buffered across reconnects: while the connection is not open
// Send reports ErrNotConnected.
func (m *Manager) Send(v any) error {
	data, ok := v.([]byte)
	if !ok {
		var err error
		data, err = events.Encode(v)
		if err != nil {
			m.tryEmit(Notification{Kind: NotifyError, Err: err})
			return err
		}
	}

	m.mu.Lock()
	s := m.session
	open := m.state == StateOpen
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !open || s == nil {
		m.tryEmit(Notification{Kind: NotifyError, Err: ErrNotConnected})
		return ErrNotConnected
	}

	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		m.tryEmit(Notification{Kind: NotifyError, Err: ErrNotConnected})
		return ErrNotConnected
	default:
		m.tryEmit(Notification{Kind: NotifyError, Err: ErrSendBufferFull})
		return ErrSendBufferFull
	}
}

// Drain waits until every queued frame has been handed to the socket, the
// connection is lost, or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		s := m.session
		m.mu.Unlock()

		if s == nil || len(s.send) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) startDialLocked() uint64 {
	m.gen++
	m.state = StateConnecting
	return m.gen
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) dial(gen uint64) {
	m.logger.Debug("dialing", zap.String("url", m.opts.URL), zap.Uint64("gen", gen))

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	conn, _, err := m.dialer.DialContext(ctx, m.opts.URL, nil)
	cancel()
	if err != nil {
		m.handleClose(gen, fmt.Errorf("%w: %v", ErrDialFailed, err), true)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		gen:    gen,
		epoch:  m.epoch,
		conn:   conn,
		send:   make(chan []byte, m.opts.SendBuffer),
		ctx:    sctx,
		cancel: scancel,
	}
	m.session = s
	m.state = StateOpen
	m.attempt = 0
	m.stopReconnectLocked()

	// Queued before the session is visible to Send, so it is always first.
	if m.opts.Identity != "" {
		if frame, err := m.registerFrame(); err == nil {
			s.send <- frame
		} else {
			m.logger.Error("failed to encode register frame", zap.Error(err))
		}
	}
	m.mu.Unlock()

	go m.writePump(s)

	m.logger.Info("connected", zap.String("url", m.opts.URL))
	m.emit(s.epoch, Notification{Kind: NotifyConnected})

	// Started after Connected so no Message precedes it.
	go m.readPump(s)
}

func (m *Manager) registerFrame() ([]byte, error) {
	return events.Encode(&events.RegisterFrame{
		Kind:       events.FrameRegister,
		Identity:   m.opts.Identity,
		Credential: m.opts.Credential,
		ClientType: m.opts.ClientType,
		TimeZone:   m.opts.TimeZone,
	})
}

// handleClose runs once per failed dial or lost session.
func (m *Manager) handleClose(gen uint64, cause error, dialFailed bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	s := m.session
	m.session = nil
	wasOpen := m.state == StateOpen
	m.state = StateIdle
	epoch := m.epoch

	if m.manualDisconnect || m.closed {
		m.mu.Unlock()
		if s != nil {
			s.shutdown()
		}
		return
	}

	var notes []Notification
	if dialFailed {
		notes = append(notes, Notification{Kind: NotifyError, Err: cause})
	}
	if wasOpen {
		notes = append(notes, Notification{Kind: NotifyDisconnected, Err: cause})
	}

	if m.opts.AutoReconnect {
		if m.attempt >= m.opts.Backoff.MaxAttempts {
			m.logger.Error("giving up reconnecting",
				zap.Int("attempts", m.attempt),
				zap.Error(cause),
			)
			notes = append(notes, Notification{
				Kind: NotifyError,
				Err:  fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt, cause),
			})
		} else {
			delay := m.opts.Backoff.Delay(m.attempt)
			m.attempt++
			m.logger.Info("scheduling reconnect",
				zap.Int("attempt", m.attempt),
				zap.Duration("delay", delay),
				zap.Error(cause),
			)
			m.reconnectTimer = time.AfterFunc(delay, func() { m.fireReconnect(gen) })
		}
	}
	m.mu.Unlock()

	if s != nil {
		s.shutdown()
	}
	for _, n := range notes {
		m.emit(epoch, n)
	}
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.manualDisconnect || m.closed || m.state != StateIdle {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	next := m.startDialLocked()
	m.mu.Unlock()

	m.dial(next)
}

func (m *Manager) sessionFailed(s *session, err error) {
	s.failOnce.Do(func() { m.handleClose(s.gen, err, false) })
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == s
}

// readPump reads frames until the connection fails.
func (m *Manager) readPump(s *session) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket read error", zap.Error(err))
			}
			m.sessionFailed(s, fmt.Errorf("read: %w", err))
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		m.handleFrame(s, data)
	}
}

// handleFrame answers keepalive requests and forwards everything else.
func (m *Manager) handleFrame(s *session, data []byte) {
	if !m.isCurrent(s) {
		return
	}

	kind, err := events.PeekKind(data)
	if err != nil {
		m.logger.Debug("dropping malformed frame", zap.Error(err))
		m.emit(s.epoch, Notification{Kind: NotifyError, Err: err})
		return
	}

	if kind == events.FramePing {
		select {
		case s.send <- events.PongFrame():
		default:
			m.logger.Warn("send buffer full, dropping pong")
		}
		return
	}

	m.emit(s.epoch, Notification{Kind: NotifyMessage, FrameKind: kind, Frame: data})
}

// writePump writes queued frames and websocket pings.
func (m *Manager) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.send:
			if m.limiter != nil {
				if err := m.limiter.Wait(s.ctx); err != nil {
					return
				}
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.sessionFailed(s, fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.sessionFailed(s, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// emit delivers n, waiting for the consumer. It gives up when the Manager
// is closed or when Disconnect has moved past epoch.
func (m *Manager) emit(epoch uint64, n Notification) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	stale := m.stale
	m.mu.Unlock()

	select {
	case m.notifications <- n:
	case <-stale:
	case <-m.done:
	}
}

// discardQueued waits out in-flight emitters of older epochs and drops the
// notifications they already queued.
func (m *Manager) discardQueued() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	for {
		select {
		case n := <-m.notifications:
			m.logger.Debug("discarding notification after disconnect", zap.Int("kind", int(n.Kind)))
		default:
			return
		}
	}
}

// tryEmit delivers n without blocking. Send uses it so a consumer that
// sends from its own handler loop cannot deadlock on a full channel.
func (m *Manager) tryEmit(n Notification) {
	select {
	case m.notifications <- n:
	default:
		m.logger.Debug("notification dropped", zap.Error(n.Err))
	}
}

func (s *session) shutdown() {
	s.cancel()
	_ = s.conn.Close()
}

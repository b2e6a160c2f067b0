package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
	"github.com/dgnsrekt/logrelay/internal/ratelimit"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Minimum time allowed to read the next frame from the peer.
	minReadWait = 60 * time.Second

	// Send buffer size per client.
	sendBufferSize = 256

	defaultKeepalive      = 25 * time.Second
	defaultMaxMessageSize = 512 * 1024 // 512KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configures a Relay.
type Options struct {
	Verifier *Verifier
	// Messages meters inbound frames per identity, or per connection
	// before register.
	Messages          *ratelimit.Limiter
	KeepaliveInterval time.Duration
	MaxMessageSize    int64
	Logger            *zap.Logger
}

// Relay upgrades websocket requests and runs their clients on a Hub.
type Relay struct {
	hub   *Hub
	codec *events.Codec
	opts  Options
}

// New creates a Relay.
func New(hub *Hub, codec *events.Codec, opts Options) *Relay {
	if opts.Verifier == nil {
		opts.Verifier = NewVerifier("")
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{hub: hub, codec: codec, opts: opts}
}

// Hub returns the relay's hub.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// Client represents a WebSocket client connection.
type Client struct {
	relay  *Relay
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	connID string
	groups map[string]bool
	logger *zap.Logger

	mu       sync.RWMutex
	identity string

	closeOnce sync.Once
}

// ServeWS handles the WebSocket upgrade for a streaming client.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.opts.Logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := &Client{
		relay:  r,
		hub:    r.hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		connID: connID,
		groups: make(map[string]bool),
		logger: r.opts.Logger.With(zap.String("connID", connID)),
	}

	if !r.hub.add(client) {
		_ = conn.Close()
		return
	}

	// Start read/write pumps
	go client.writePump()
	go client.readPump()
}

// Identity returns the registered identity, or "" before register.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Registered reports whether the client completed register.
func (c *Client) Registered() bool {
	return c.Identity() != ""
}

// rateKey meters by identity once known so reconnects share a budget.
func (c *Client) rateKey() string {
	if id := c.Identity(); id != "" {
		return "id:" + id
	}
	return "conn:" + c.connID
}

func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	readWait := 2 * c.relay.opts.KeepaliveInterval
	if readWait < minReadWait {
		readWait = minReadWait
	}

	c.conn.SetReadLimit(c.relay.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection and sends
// keepalive ping frames.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.relay.opts.KeepaliveInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, events.PingFrame()); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming frame.
func (c *Client) handleMessage(data []byte) {
	c.hub.framesReceived.Add(1)

	if limiter := c.relay.opts.Messages; limiter != nil && !limiter.Check(c.rateKey()) {
		c.hub.rateLimited.Add(1)
		c.logger.Debug("frame rate limited", zap.String("key", c.rateKey()))
		c.reply(events.NewErrorFrame(events.CodeRateLimited, "too many messages"))
		return
	}

	kind, err := events.PeekKind(data)
	if err != nil {
		c.reply(events.NewErrorFrame(events.CodeBadFrame, err.Error()))
		return
	}

	switch kind {
	case events.FrameRegister:
		c.handleRegister(data)
		return
	case events.FramePing:
		c.enqueue(events.PongFrame())
		return
	case events.FramePong:
		return
	}

	if !c.Registered() {
		c.reply(events.NewErrorFrame(events.CodeNotRegistered, "register first"))
		return
	}

	switch kind {
	case events.FrameSubscribe, events.FrameUnsubscribe:
		var f events.SubscribeFrame
		if err := events.Decode(data, &f); err != nil || f.GroupID == "" {
			c.reply(events.NewErrorFrame(events.CodeBadFrame, "subscribe requires groupId"))
			return
		}
		if kind == events.FrameSubscribe {
			c.hub.JoinGroup(c, f.GroupID)
		} else {
			c.hub.LeaveGroup(c, f.GroupID)
		}

	case events.FrameLogs:
		c.handleLogs(data)

	default:
		c.reply(events.NewErrorFrame(events.CodeBadFrame, "unsupported frame kind "+string(kind)))
	}
}

func (c *Client) handleRegister(data []byte) {
	var f events.RegisterFrame
	if err := events.Decode(data, &f); err != nil {
		c.reply(events.NewErrorFrame(events.CodeBadFrame, err.Error()))
		return
	}
	if err := c.relay.opts.Verifier.Verify(f.Identity, f.Credential); err != nil {
		c.logger.Info("register rejected", zap.String("identity", f.Identity), zap.Error(err))
		c.reply(events.NewErrorFrame(events.CodeUnauthorized, "invalid credential"))
		return
	}

	c.mu.Lock()
	if c.identity != "" {
		current := c.identity
		c.mu.Unlock()
		c.logger.Info("re-register rejected",
			zap.String("identity", current),
			zap.String("requested", f.Identity),
		)
		c.reply(events.NewErrorFrame(events.CodeAlreadyRegistered, "connection already registered as "+current))
		return
	}
	c.identity = f.Identity
	c.mu.Unlock()

	c.logger.Info("client registered",
		zap.String("identity", f.Identity),
		zap.String("clientType", f.ClientType),
	)
	c.reply(&events.RegisteredFrame{Kind: events.FrameRegistered, Identity: f.Identity})
}

// handleLogs relays a payload frame and acknowledges it to the sender.
func (c *Client) handleLogs(data []byte) {
	var f events.PayloadFrame
	if err := events.Decode(data, &f); err != nil {
		c.reply(events.NewErrorFrame(events.CodeBadFrame, err.Error()))
		return
	}
	dest, err := f.Destination()
	if err != nil {
		c.reply(events.NewErrorFrame(events.CodeBadFrame, err.Error()))
		return
	}
	evs, err := c.relay.codec.DecodeEvents(&f)
	if err != nil {
		c.reply(events.NewErrorFrame(events.CodeBadFrame, err.Error()))
		return
	}
	if len(evs) == 0 {
		c.reply(events.NewErrorFrame(events.CodeBadFrame, "empty batch"))
		return
	}

	f.Kind = events.FrameLogs
	f.From = c.Identity()
	out, err := events.Encode(&f)
	if err != nil {
		c.logger.Error("failed to encode relayed frame", zap.Error(err))
		return
	}

	recipients := c.hub.Deliver(c, dest, out)
	c.hub.eventsRelayed.Add(uint64(len(evs)))

	c.logger.Debug("relayed batch",
		zap.String("destination", dest.String()),
		zap.Int("events", len(evs)),
		zap.Bool("compressed", f.Compressed),
		zap.Int("recipients", recipients),
	)

	if last, ok := events.LatestTimestamp(evs); ok {
		c.reply(events.NewAckFrame(dest, last, len(evs)))
	}
}

func (c *Client) reply(v any) {
	data, err := events.Encode(v)
	if err != nil {
		c.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Debug("reply dropped, send buffer full")
	}
}

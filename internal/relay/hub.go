// Package relay is the receiving side of the log stream: it authenticates
// clients, meters their frames and fans batches out to other clients.
package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
)

// Hub manages WebSocket connections and group subscriptions.
type Hub struct {
	clients    map[*Client]bool
	groups     map[string]map[*Client]bool // group -> clients
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger

	framesReceived atomic.Uint64
	eventsRelayed  atomic.Uint64
	rateLimited    atomic.Uint64
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Connections    int      `json:"connections"`
	Registered     int      `json:"registered"`
	Groups         []string `json:"groups"`
	FramesReceived uint64   `json:"framesReceived"`
	EventsRelayed  uint64   `json:"eventsRelayed"`
	RateLimited    uint64   `json:"rateLimited"`
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("connID", client.connID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for group := range client.groups {
					h.leaveLocked(client, group)
				}
				client.close()
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected",
				zap.String("connID", client.connID),
				zap.String("identity", client.Identity()),
			)
		}
	}
}

// shutdown closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.quit)
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.groups = make(map[string]map[*Client]bool)
}

// add hands a new client to Run. It reports false once the hub has stopped.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

// remove hands a finished client to Run.
func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// JoinGroup adds a client to a group.
func (h *Hub) JoinGroup(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]bool)
	}
	h.groups[group][client] = true
	client.groups[group] = true

	h.logger.Debug("client joined group",
		zap.String("connID", client.connID),
		zap.String("group", group),
	)
}

// LeaveGroup removes a client from a group.
func (h *Hub) LeaveGroup(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(client, group)

	h.logger.Debug("client left group",
		zap.String("connID", client.connID),
		zap.String("group", group),
	)
}

func (h *Hub) leaveLocked(client *Client, group string) {
	if clients, ok := h.groups[group]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.groups, group)
		}
	}
	delete(client.groups, group)
}

// ActiveGroups returns all groups with at least one subscriber, sorted.
func (h *Hub) ActiveGroups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	groups := make([]string, 0, len(h.groups))
	for group, clients := range h.groups {
		if len(clients) > 0 {
			groups = append(groups, group)
		}
	}
	sort.Strings(groups)
	return groups
}

// Deliver fans payload out for dest and returns the number of recipients.
// Group payloads reach the group's subscribers; friends payloads reach
// every registered client. The sender never receives its own payload.
func (h *Hub) Deliver(sender *Client, dest events.Destination, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets map[*Client]bool
	if dest.Kind == events.KindGroup {
		targets = h.groups[dest.GroupID]
	} else {
		targets = h.clients
	}

	delivered := 0
	for client := range targets {
		if client == sender || !client.Registered() {
			continue
		}
		if client.enqueue(payload) {
			delivered++
			continue
		}
		// Buffer full, schedule disconnect
		h.logger.Warn("send buffer full, dropping client", zap.String("connID", client.connID))
		go h.remove(client)
	}
	return delivered
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	groups := h.ActiveGroups()

	h.mu.RLock()
	registered := 0
	for client := range h.clients {
		if client.Registered() {
			registered++
		}
	}
	conns := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		Connections:    conns,
		Registered:     registered,
		Groups:         groups,
		FramesReceived: h.framesReceived.Load(),
		EventsRelayed:  h.eventsRelayed.Load(),
		RateLimited:    h.rateLimited.Load(),
	}
}

package dispatcher

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/energy-pipeline/internal/metrics"
)

// Delivery target labels.
const (
	targetUser   = "user"
	targetAdmins = "admins"
	targetAll    = "all"
)

// Stats describes the open connections.
type Stats struct {
	TotalConnections int `json:"totalConnections"`
	UniqueUsers      int `json:"uniqueUsers"`
	AdminConnections int `json:"adminConnections"`
}

// registry is only touched by the hub goroutine.
type registry struct {
	alive  map[*Client]bool
	byUser map[int64]map[*Client]struct{}
	admins map[*Client]struct{}
}

// Hub owns the connection registry. All access goes through its goroutine.
// Sends never block: a socket whose buffer is full misses the frame.
type Hub struct {
	ops       chan func(*registry)
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	metrics *metrics.Dispatcher
	logger  *slog.Logger
}

// NewHub starts a Hub. A nil m registers metrics on a private registry.
func NewHub(m *metrics.Dispatcher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewDispatcher(prometheus.NewRegistry())
	}
	h := &Hub{
		ops:     make(chan func(*registry)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: m,
		logger:  logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	reg := &registry{
		alive:  make(map[*Client]bool),
		byUser: make(map[int64]map[*Client]struct{}),
		admins: make(map[*Client]struct{}),
	}
	for {
		select {
		case <-h.done:
			h.shutdown(reg)
			return
		case op := <-h.ops:
			select {
			case <-h.done:
				h.shutdown(reg)
				return
			default:
			}
			op(reg)
		}
	}
}

func (h *Hub) shutdown(reg *registry) {
	for c := range reg.alive {
		h.remove(reg, c)
		c.terminate()
	}
}

// do runs fn on the hub goroutine and waits for it. It reports false if fn
// did not run because the hub is closed.
func (h *Hub) do(fn func(*registry)) bool {
	finished := make(chan struct{})
	select {
	case h.ops <- func(reg *registry) {
		fn(reg)
		close(finished)
	}:
	case <-h.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.stopped:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// Close drops every connection and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Register adds an authenticated client.
func (h *Hub) Register(c *Client) bool {
	return h.do(func(reg *registry) {
		reg.alive[c] = true
		set, ok := reg.byUser[c.userID]
		if !ok {
			set = make(map[*Client]struct{})
			reg.byUser[c.userID] = set
		}
		set[c] = struct{}{}
		if c.admin {
			reg.admins[c] = struct{}{}
		}
		h.metrics.Connections.Inc()
		h.logger.Info("client connected", "conn", c.id, "user", c.userID, "admin", c.admin)
	})
}

// Unregister removes a client and closes its send buffer.
func (h *Hub) Unregister(c *Client) {
	h.do(func(reg *registry) {
		if h.remove(reg, c) {
			h.logger.Info("client disconnected", "conn", c.id, "user", c.userID)
		}
	})
}

// Pong marks a client as alive for the current heartbeat round.
func (h *Hub) Pong(c *Client) {
	h.do(func(reg *registry) {
		if _, ok := reg.alive[c]; ok {
			reg.alive[c] = true
		}
	})
}

// Heartbeat terminates clients that did not answer the previous ping and
// pings the rest.
func (h *Hub) Heartbeat() {
	h.do(func(reg *registry) {
		for c, alive := range reg.alive {
			if !alive {
				h.remove(reg, c)
				c.terminate()
				h.metrics.Evictions.Inc()
				h.logger.Info("client missed heartbeat", "conn", c.id, "user", c.userID)
				continue
			}
			reg.alive[c] = false
			c.requestPing()
		}
	})
}

// SendToUser delivers v to every socket of userID. It returns the number of
// sockets the frame was queued to.
func (h *Hub) SendToUser(userID int64, v any) int {
	frame, ok := h.encode(v)
	if !ok {
		return 0
	}
	var n int
	h.do(func(reg *registry) {
		for c := range reg.byUser[userID] {
			if h.deliver(c, frame, targetUser) {
				n++
			}
		}
	})
	return n
}

// BroadcastToAdmins delivers v to every admin socket.
func (h *Hub) BroadcastToAdmins(v any) int {
	frame, ok := h.encode(v)
	if !ok {
		return 0
	}
	var n int
	h.do(func(reg *registry) {
		for c := range reg.admins {
			if h.deliver(c, frame, targetAdmins) {
				n++
			}
		}
	})
	return n
}

// BroadcastToAll delivers v to every socket.
func (h *Hub) BroadcastToAll(v any) int {
	frame, ok := h.encode(v)
	if !ok {
		return 0
	}
	var n int
	h.do(func(reg *registry) {
		for c := range reg.alive {
			if h.deliver(c, frame, targetAll) {
				n++
			}
		}
	})
	return n
}

// Stats counts the open connections.
func (h *Hub) Stats() Stats {
	var s Stats
	h.do(func(reg *registry) {
		s = Stats{
			TotalConnections: len(reg.alive),
			UniqueUsers:      len(reg.byUser),
			AdminConnections: len(reg.admins),
		}
	})
	return s
}

func (h *Hub) encode(v any) ([]byte, bool) {
	frame, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode frame failed", "error", err)
		return nil, false
	}
	return frame, true
}

func (h *Hub) deliver(c *Client, frame []byte, target string) bool {
	select {
	case c.send <- frame:
		h.metrics.Deliveries.WithLabelValues(target).Inc()
		return true
	default:
		h.metrics.Dropped.Inc()
		h.logger.Warn("send buffer full, dropping frame", "conn", c.id, "user", c.userID)
		return false
	}
}

// remove deletes c from the registry and closes its send buffer. Only the
// hub closes send, and only once.
func (h *Hub) remove(reg *registry, c *Client) bool {
	if _, ok := reg.alive[c]; !ok {
		return false
	}
	delete(reg.alive, c)
	delete(reg.admins, c)
	if set, ok := reg.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(reg.byUser, c.userID)
		}
	}
	close(c.send)
	h.metrics.Connections.Dec()
	return true
}

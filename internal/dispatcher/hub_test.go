package dispatcher

import (
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/energy-pipeline/internal/metrics"
)

// detachedClient has no socket. It must be unregistered before the hub
// closes.
func detachedClient(userID int64, admin bool, buffer int) *Client {
	return &Client{
		id:     "test",
		userID: userID,
		admin:  admin,
		send:   make(chan []byte, buffer),
		ping:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
}

func newTestHub(t *testing.T) (*Hub, *metrics.Dispatcher) {
	t.Helper()
	m := metrics.NewDispatcher(prometheus.NewRegistry())
	hub := NewHub(m, nil)
	t.Cleanup(hub.Close)
	return hub, m
}

func TestHubStats(t *testing.T) {
	hub, m := newTestHub(t)

	a := detachedClient(1, false, 4)
	b := detachedClient(1, false, 4)
	admin := detachedClient(2, true, 4)
	for _, c := range []*Client{a, b, admin} {
		require.True(t, hub.Register(c))
	}

	assert.Equal(t, Stats{TotalConnections: 3, UniqueUsers: 2, AdminConnections: 1}, hub.Stats())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))

	hub.Unregister(a)
	hub.Unregister(admin)
	assert.Equal(t, Stats{TotalConnections: 1, UniqueUsers: 1}, hub.Stats())

	hub.Unregister(b)
	hub.Unregister(b)
	assert.Equal(t, Stats{}, hub.Stats())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))
}

func TestHubTargets(t *testing.T) {
	hub, m := newTestHub(t)

	u1a := detachedClient(1, false, 4)
	u1b := detachedClient(1, false, 4)
	u2 := detachedClient(2, false, 4)
	admin := detachedClient(3, true, 4)
	clients := []*Client{u1a, u1b, u2, admin}
	for _, c := range clients {
		hub.Register(c)
	}
	defer func() {
		for _, c := range clients {
			hub.Unregister(c)
		}
	}()

	assert.Equal(t, 2, hub.SendToUser(1, map[string]string{"type": "x"}))
	assert.Equal(t, 0, hub.SendToUser(42, map[string]string{"type": "x"}))
	assert.Equal(t, 1, hub.BroadcastToAdmins(map[string]string{"type": "y"}))
	assert.Equal(t, 4, hub.BroadcastToAll(map[string]string{"type": "z"}))

	assert.Len(t, u1a.send, 2)
	assert.Len(t, u1b.send, 2)
	assert.Len(t, u2.send, 1)
	assert.Len(t, admin.send, 2)
	assert.Equal(t, `{"type":"x"}`, string(<-u1a.send))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(targetUser)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(targetAdmins)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(targetAll)))
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub, m := newTestHub(t)

	slow := detachedClient(1, false, 1)
	fast := detachedClient(1, false, 4)
	hub.Register(slow)
	hub.Register(fast)
	defer hub.Unregister(slow)
	defer hub.Unregister(fast)

	assert.Equal(t, 2, hub.SendToUser(1, "first"))
	assert.Equal(t, 1, hub.SendToUser(1, "second"))
	assert.Len(t, fast.send, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub, _ := newTestHub(t)

	c := detachedClient(1, false, 1)
	hub.Register(c)
	hub.Unregister(c)

	_, ok := <-c.send
	assert.False(t, ok, "send should be closed")
	assert.Equal(t, 0, hub.SendToUser(1, "after"))
}

func TestHubHeartbeatRequestsPing(t *testing.T) {
	hub, _ := newTestHub(t)

	c := detachedClient(1, false, 1)
	hub.Register(c)
	defer hub.Unregister(c)

	hub.Heartbeat()
	select {
	case <-c.ping:
	default:
		t.Fatal("heartbeat did not request a ping")
	}

	hub.Pong(c)
	hub.Heartbeat()
	assert.Equal(t, 1, hub.Stats().TotalConnections, "client that answered should stay")
}

func TestHubClosed(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Close()
	hub.Close()

	assert.False(t, hub.Register(detachedClient(1, false, 1)))
	assert.Equal(t, 0, hub.SendToUser(1, "x"))
	assert.Equal(t, Stats{}, hub.Stats())
}

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/energy-pipeline/internal/broker"
)

type fakeBroker struct {
	mu         sync.Mutex
	declared   []string
	declareErr error
	opts       broker.ConsumerOptions
	handler    broker.Handler
	started    chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{started: make(chan struct{}, 1)}
}

func (b *fakeBroker) DeclareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared = append(b.declared, name)
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, queue string, opts broker.ConsumerOptions, handle broker.Handler) error {
	b.mu.Lock()
	b.opts = opts
	b.handler = handle
	b.mu.Unlock()
	b.started <- struct{}{}
	<-ctx.Done()
	return nil
}

func TestDispatcherLifecycle(t *testing.T) {
	b := newFakeBroker()
	hub, _ := newTestHub(t)
	d := New(Config{HeartbeatInterval: time.Hour, Prefetch: 10}, b, hub, nil)

	require.NoError(t, d.Start(context.Background()))
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not start")
	}

	b.mu.Lock()
	assert.Equal(t, []string{broker.NotificationsQueue}, b.declared)
	assert.Equal(t, broker.ConsumerOptions{Durable: "dispatcher", Prefetch: 10}, b.opts)
	handle := b.handler
	b.mu.Unlock()

	assert.Equal(t, broker.Ack, handle(context.Background(), []byte(`{"type":"chat","message":"x"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.False(t, hub.Register(detachedClient(1, false, 1)), "hub should be closed after stop")
}

func TestDispatcherStartFailsWithoutQueue(t *testing.T) {
	b := newFakeBroker()
	b.declareErr = errors.New("broker down")
	hub, _ := newTestHub(t)

	err := New(Config{HeartbeatInterval: time.Hour}, b, hub, nil).Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, b.declareErr)
}

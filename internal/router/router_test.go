package router

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/model"
)

type published struct {
	queue string
	data  string
}

// fakeBroker records declarations and publishes. Consume blocks until ctx
// is done.
type fakeBroker struct {
	mu         sync.Mutex
	declared   []string
	deleted    []string
	published  []published
	publishErr error
	consuming  chan struct{}
	once       sync.Once
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{consuming: make(chan struct{})}
}

func (b *fakeBroker) Publish(_ context.Context, queue string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	raw, _ := v.(json.RawMessage)
	b.published = append(b.published, published{queue: queue, data: string(raw)})
	return nil
}

func (b *fakeBroker) DeclareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared = append(b.declared, name)
	return nil
}

func (b *fakeBroker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, name)
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, _ string, _ broker.ConsumerOptions, _ broker.Handler) error {
	b.once.Do(func() { close(b.consuming) })
	<-ctx.Done()
	return nil
}

func (b *fakeBroker) snapshot() (declared, deleted []string, pubs []published) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.declared...), append([]string(nil), b.deleted...), append([]published(nil), b.published...)
}

type fakeDevices struct {
	mu     sync.Mutex
	devs   []model.DeviceRef
	err    error
	onList func()
}

func (f *fakeDevices) Devices(context.Context) ([]model.DeviceRef, error) {
	f.mu.Lock()
	devs, err, onList := append([]model.DeviceRef(nil), f.devs...), f.err, f.onList
	f.mu.Unlock()
	if onList != nil {
		onList()
	}
	return devs, err
}

func (f *fakeDevices) set(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devs = nil
	for _, id := range ids {
		f.devs = append(f.devs, model.DeviceRef{ID: id, Name: "dev", MaxConsumption: 1})
	}
}

func newTestRouter(t *testing.T, cfg Config, b Broker, d DeviceLister) (*router, *metrics.Router) {
	t.Helper()
	m := metrics.NewRouter(prometheus.NewRegistry())
	r := New(cfg, b, d, m, nil).(*router)
	t.Cleanup(r.table.Close)
	return r, m
}

const sample = `{"timestamp":"2024-01-15T10:00:00Z","device_id":7,"measurement_value":2.5}`

func TestHandleForwardsToShard(t *testing.T) {
	b := newFakeBroker()
	r, m := newTestRouter(t, Config{Strategy: RoundRobin, ShardCount: 3, Prefetch: 10}, b, nil)

	if got := r.Handle(context.Background(), []byte(sample)); got != broker.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}

	_, _, pubs := b.snapshot()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pubs))
	}
	if pubs[0].queue != "ingest_queue_1" {
		t.Errorf("queue = %q, want ingest_queue_1", pubs[0].queue)
	}
	if pubs[0].data != sample {
		t.Errorf("data = %s, want message forwarded unchanged", pubs[0].data)
	}

	stats := r.Shards().Stats()
	if stats.TotalMessages != 1 || stats.Shards[0].MessageCount != 1 {
		t.Errorf("stats = %+v, want one dispatch on shard 1", stats)
	}
	if got := testutil.ToFloat64(m.Dispatched.WithLabelValues("1")); got != 1 {
		t.Errorf("dispatched{shard=1} = %v, want 1", got)
	}
}

func TestHandleRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"device_id":`},
		{"missing device", `{"timestamp":"2024-01-15T10:00:00Z","measurement_value":1}`},
		{"bad device", `{"device_id":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			r, m := newTestRouter(t, Config{Strategy: RoundRobin, ShardCount: 2}, b, nil)

			if got := r.Handle(context.Background(), []byte(tt.data)); got != broker.Reject {
				t.Errorf("Handle() = %v, want Reject", got)
			}
			if _, _, pubs := b.snapshot(); len(pubs) != 0 {
				t.Errorf("published %d messages, want 0", len(pubs))
			}
			if got := testutil.ToFloat64(m.Rejected); got != 1 {
				t.Errorf("rejected = %v, want 1", got)
			}
		})
	}
}

func TestHandleRequeuesOnPublishFailure(t *testing.T) {
	b := newFakeBroker()
	b.publishErr = errors.New("nats: timeout")
	r, m := newTestRouter(t, Config{Strategy: RoundRobin, ShardCount: 2}, b, nil)

	if got := r.Handle(context.Background(), []byte(sample)); got != broker.Requeue {
		t.Errorf("Handle() = %v, want Requeue", got)
	}
	if total := r.Shards().Stats().TotalMessages; total != 0 {
		t.Errorf("TotalMessages = %d, want 0 when publish failed", total)
	}
	if got := testutil.ToFloat64(m.PublishFailures); got != 1 {
		t.Errorf("publish failures = %v, want 1", got)
	}
}

func TestHandleRequeuesWithoutHealthyShard(t *testing.T) {
	b := newFakeBroker()
	r, _ := newTestRouter(t, Config{Strategy: LeastLoaded, ShardCount: 1}, b, nil)
	_ = r.Shards().SetShardHealth(1, false)

	if got := r.Handle(context.Background(), []byte(sample)); got != broker.Requeue {
		t.Errorf("Handle() = %v, want Requeue", got)
	}
}

func TestStartDeclaresFixedShards(t *testing.T) {
	b := newFakeBroker()
	r, _ := newTestRouter(t, Config{Strategy: RoundRobin, ShardCount: 3, Prefetch: 10}, b, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-b.consuming:
	case <-time.After(time.Second):
		t.Fatal("consumer not started")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	declared, _, _ := b.snapshot()
	want := []string{"device_data_queue", "ingest_queue_1", "ingest_queue_2", "ingest_queue_3"}
	if !reflect.DeepEqual(declared, want) {
		t.Errorf("declared = %v, want %v", declared, want)
	}
}

func TestDeviceShardingReconcile(t *testing.T) {
	b := newFakeBroker()
	devices := &fakeDevices{}
	devices.set(1, 2)

	var (
		mu     sync.Mutex
		scaled []int
	)
	cfg := Config{
		Strategy:       DeviceSharding,
		Prefetch:       10,
		ResyncInterval: time.Hour,
		Scale: func(_ context.Context, id int) error {
			mu.Lock()
			defer mu.Unlock()
			scaled = append(scaled, id)
			return nil
		},
	}
	r, m := newTestRouter(t, cfg, b, devices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	if got := r.Shards().ShardIDs(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("ShardIDs() = %v, want [1 2]", got)
	}

	devices.set(2, 3)
	if err := r.reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if got := r.Shards().ShardIDs(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Errorf("ShardIDs() = %v, want [2 3]", got)
	}
	_, deleted, _ := b.snapshot()
	if !reflect.DeepEqual(deleted, []string{"ingest_queue_1"}) {
		t.Errorf("deleted = %v, want [ingest_queue_1]", deleted)
	}

	mu.Lock()
	sort.Ints(scaled)
	gotScaled := append([]int(nil), scaled...)
	mu.Unlock()
	if !reflect.DeepEqual(gotScaled, []int{1, 2, 3}) {
		t.Errorf("scaled = %v, want [1 2 3]", gotScaled)
	}
	if got := testutil.ToFloat64(m.Shards); got != 2 {
		t.Errorf("shards gauge = %v, want 2", got)
	}

	// Device 7 is routed to its own shard, created on first sight.
	if got := r.Handle(ctx, []byte(sample)); got != broker.Ack {
		t.Errorf("Handle() = %v, want Ack", got)
	}
	_, _, pubs := b.snapshot()
	if len(pubs) != 1 || pubs[0].queue != "ingest_queue_7" {
		t.Errorf("published = %+v, want one message on ingest_queue_7", pubs)
	}
}

func TestReconcileKeepsShardCreatedDuringListing(t *testing.T) {
	b := newFakeBroker()
	devices := &fakeDevices{}
	devices.set(1)
	r, _ := newTestRouter(t, Config{Strategy: DeviceSharding, Prefetch: 10, ResyncInterval: time.Hour}, b, devices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	// Device 7 reports while the listing that predates it is in flight.
	var once sync.Once
	devices.mu.Lock()
	devices.onList = func() {
		once.Do(func() {
			if got := r.Handle(ctx, []byte(sample)); got != broker.Ack {
				t.Errorf("Handle() = %v, want Ack", got)
			}
		})
	}
	devices.mu.Unlock()

	if err := r.reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	_, deleted, pubs := b.snapshot()
	if len(deleted) != 0 {
		t.Errorf("deleted = %v, want none", deleted)
	}
	if len(pubs) != 1 || pubs[0].queue != "ingest_queue_7" {
		t.Errorf("published = %+v, want one message on ingest_queue_7", pubs)
	}
	if got := r.Shards().ShardIDs(); !reflect.DeepEqual(got, []int{1, 7}) {
		t.Errorf("ShardIDs() = %v, want [1 7]", got)
	}
}

func TestDeviceShardingStartFailsWhenDiscoveryFails(t *testing.T) {
	b := newFakeBroker()
	devices := &fakeDevices{err: errors.New("connection refused")}
	r, _ := newTestRouter(t, Config{Strategy: DeviceSharding, ResyncInterval: time.Hour}, b, devices)

	if err := r.Start(context.Background()); err == nil {
		t.Error("Start succeeded, want discovery error")
	}
}

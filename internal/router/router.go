package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/model"
)

const consumerName = "router"

// consumeRetryDelay is the pause before resubscribing after the ingress
// consumer fails.
const consumeRetryDelay = time.Second

// Broker is the subset of the broker client the router uses.
type Broker interface {
	broker.Publisher
	DeclareQueue(name string) error
	DeleteQueue(name string) error
	Consume(ctx context.Context, queue string, opts broker.ConsumerOptions, handle broker.Handler) error
}

// DeviceLister lists the current device population.
type DeviceLister interface {
	Devices(ctx context.Context) ([]model.DeviceRef, error)
}

// ScaleFunc is called after the device strategy creates a shard, so an
// external orchestrator can start a consumer for it.
type ScaleFunc func(ctx context.Context, shardID int) error

// Config holds router settings.
type Config struct {
	Strategy       Strategy
	ShardCount     int // fixed shard count; unused by DeviceSharding
	Prefetch       int
	ResyncInterval time.Duration // device discovery period; DeviceSharding only
	Scale          ScaleFunc     // optional
}

// Router forwards ingress measurements to shard queues.
type Router interface {
	// Start declares queues and begins consuming device_data_queue.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Handle routes one raw ingress message.
	Handle(ctx context.Context, data []byte) broker.Disposition

	// Shards returns the shard table.
	Shards() *ShardTable

	// Strategy returns the configured selection strategy.
	Strategy() Strategy
}

// router is the internal implementation.
type router struct {
	cfg     Config
	broker  Broker
	devices DeviceLister
	metrics *metrics.Router
	logger  *slog.Logger

	table *ShardTable

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Router. devices is required for DeviceSharding and ignored
// otherwise. A nil m registers metrics on a private registry.
func New(cfg Config, b Broker, devices DeviceLister, m *metrics.Router, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewRouter(prometheus.NewRegistry())
	}

	var ids []int
	if cfg.Strategy != DeviceSharding {
		for i := 1; i <= cfg.ShardCount; i++ {
			ids = append(ids, i)
		}
	}

	r := &router{
		cfg:     cfg,
		broker:  b,
		devices: devices,
		metrics: m,
		logger:  logger,
		table:   NewShardTable(cfg.Strategy, ids),
	}
	m.Shards.Set(float64(len(ids)))
	return r
}

// Start declares the ingress and shard queues and starts consuming.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.broker.DeclareQueue(broker.DeviceDataQueue); err != nil {
		r.cancel()
		return fmt.Errorf("declare ingress queue: %w", err)
	}

	if r.cfg.Strategy == DeviceSharding {
		if r.devices == nil {
			r.cancel()
			return errors.New("device strategy requires a device lister")
		}
		// Initial discovery (blocking).
		if err := r.reconcile(r.ctx); err != nil {
			r.cancel()
			return err
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.reconcileLoop(r.ctx)
		}()
	} else {
		for _, id := range r.table.ShardIDs() {
			if err := r.broker.DeclareQueue(broker.IngestQueue(id)); err != nil {
				r.cancel()
				return fmt.Errorf("declare shard queue %d: %w", id, err)
			}
			r.logger.Debug("shard queue declared", "shard", id)
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consumeLoop(r.ctx)
	}()

	r.logger.Info("router started",
		"strategy", r.cfg.Strategy.String(),
		"shards", len(r.table.ShardIDs()),
		"prefetch", r.cfg.Prefetch,
	)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		r.logger.Info("router stopped")
	case <-ctx.Done():
		r.logger.Warn("router stop timed out")
		err = ctx.Err()
	}

	r.table.Close()
	return err
}

func (r *router) Shards() *ShardTable {
	return r.table
}

func (r *router) Strategy() Strategy {
	return r.cfg.Strategy
}

// Handle parses the device id, picks a shard and forwards the message
// unchanged. The ingress message is acked only after the shard publish
// succeeds.
func (r *router) Handle(ctx context.Context, data []byte) broker.Disposition {
	deviceID, err := model.ParseDeviceID(data)
	if err != nil {
		r.logger.Warn("dropping unparseable measurement", "error", err)
		r.metrics.Rejected.Inc()
		return broker.Reject
	}

	shardID, err := r.selectShard(ctx, deviceID)
	if err != nil {
		r.logger.Warn("no shard available", "device", deviceID, "error", err)
		return broker.Requeue
	}

	if err := r.broker.Publish(ctx, broker.IngestQueue(shardID), json.RawMessage(data)); err != nil {
		r.logger.Warn("shard publish failed", "device", deviceID, "shard", shardID, "error", err)
		r.metrics.PublishFailures.Inc()
		return broker.Requeue
	}

	r.table.RecordDispatch(shardID)
	r.metrics.Dispatched.WithLabelValues(strconv.Itoa(shardID)).Inc()
	return broker.Ack
}

// selectShard asks the table for a shard. Under the device strategy a
// device seen before the next discovery gets its shard created on demand.
func (r *router) selectShard(ctx context.Context, deviceID int64) (int, error) {
	shardID, err := r.table.SelectShard(deviceID)
	if err == nil || r.cfg.Strategy != DeviceSharding || !errors.Is(err, ErrUnknownShard) {
		return shardID, err
	}

	if err := r.addShard(ctx, int(deviceID)); err != nil {
		return 0, err
	}
	return r.table.SelectShard(deviceID)
}

// consumeLoop runs the ingress consumer, resubscribing after failures.
func (r *router) consumeLoop(ctx context.Context) {
	opts := broker.ConsumerOptions{Durable: consumerName, Prefetch: r.cfg.Prefetch}
	for {
		err := r.broker.Consume(ctx, broker.DeviceDataQueue, opts, r.Handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Error("ingress consumer failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(consumeRetryDelay):
		}
	}
}

// reconcileLoop periodically re-discovers the device population.
func (r *router) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Error("device shard reconciliation failed", "error", err)
			}
		}
	}
}

// reconcile creates shards for new devices and removes shards whose device
// is gone from the mirror.
func (r *router) reconcile(ctx context.Context) error {
	start := time.Now()

	// Shards created on demand while the device list is loading are not in
	// current, so they are never removed by this pass.
	current := make(map[int]bool)
	for _, id := range r.table.ShardIDs() {
		current[id] = true
	}

	devs, err := r.devices.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	var added, removed int
	want := make(map[int]bool, len(devs))
	for _, d := range devs {
		id := int(d.ID)
		want[id] = true
		if current[id] {
			continue
		}
		if err := r.addShard(ctx, id); err != nil {
			return err
		}
		added++
	}

	for id := range current {
		if want[id] {
			continue
		}
		r.removeShard(id)
		removed++
	}

	r.logger.Info("device shards reconciled",
		"devices", len(devs),
		"added", added,
		"removed", removed,
		"duration", time.Since(start),
	)
	return nil
}

func (r *router) addShard(ctx context.Context, id int) error {
	if err := r.broker.DeclareQueue(broker.IngestQueue(id)); err != nil {
		return fmt.Errorf("declare shard queue %d: %w", id, err)
	}
	if !r.table.AddShard(id) {
		return nil
	}
	r.metrics.Shards.Inc()
	r.logger.Info("shard queue declared", "shard", id)

	if r.cfg.Scale != nil {
		if err := r.cfg.Scale(ctx, id); err != nil {
			r.logger.Warn("scale hook failed", "shard", id, "error", err)
		}
	}
	return nil
}

func (r *router) removeShard(id int) {
	if !r.table.RemoveShard(id) {
		return
	}
	r.metrics.Shards.Dec()

	if err := r.broker.DeleteQueue(broker.IngestQueue(id)); err != nil {
		r.logger.Warn("delete shard queue failed", "shard", id, "error", err)
		return
	}
	r.logger.Info("shard queue removed", "shard", id)
}

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/model"
)

const consumerName = "aggregator"

// consumeRetryDelay is the pause before resubscribing a failed consumer.
const consumeRetryDelay = time.Second

// Broker is the subset of the broker client the aggregator uses.
type Broker interface {
	DeclareQueue(name string) error
	DeclareFanout(name string) error
	Consume(ctx context.Context, queue string, opts broker.ConsumerOptions, handle broker.Handler) error
}

// DeviceLister lists the device population for shard discovery.
type DeviceLister interface {
	Devices(ctx context.Context) ([]model.DeviceRef, error)
}

// Config holds aggregator settings.
type Config struct {
	Shards         []int         // fixed shard list
	Discover       bool          // follow the mirror's device population instead
	ResyncInterval time.Duration // discovery period
	SyncService    string        // mirror sync consumer suffix; empty disables sync
}

// Aggregator runs the shard consumers and the mirror sync consumer.
type Aggregator interface {
	// Start declares queues and starts consuming.
	Start(ctx context.Context) error

	// Stop gracefully shuts down all consumers.
	Stop(ctx context.Context) error

	// Shards returns the shard ids currently consumed, in ascending order.
	Shards() []int
}

// aggregator is the internal implementation.
type aggregator struct {
	cfg       Config
	broker    Broker
	processor *Processor
	devices   DeviceLister
	syncer    broker.Handler
	logger    *slog.Logger

	mu      sync.Mutex
	running map[int]context.CancelFunc

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Aggregator. devices is required when cfg.Discover is set.
// syncHandler consumes sync_exchange and may be nil.
func New(cfg Config, b Broker, p *Processor, devices DeviceLister, syncHandler broker.Handler, logger *slog.Logger) Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &aggregator{
		cfg:       cfg,
		broker:    b,
		processor: p,
		devices:   devices,
		syncer:    syncHandler,
		logger:    logger,
		running:   make(map[int]context.CancelFunc),
	}
}

// Start declares every queue it consumes and launches the consumers.
func (a *aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.syncer != nil && a.cfg.SyncService != "" {
		if err := a.broker.DeclareFanout(broker.SyncExchange); err != nil {
			a.cancel()
			return fmt.Errorf("declare sync exchange: %w", err)
		}
		opts := broker.ConsumerOptions{Durable: broker.SyncQueue(a.cfg.SyncService), Prefetch: 1}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.consumeLoop(a.ctx, broker.SyncExchange, opts, a.syncer)
		}()
	}

	if a.cfg.Discover {
		if a.devices == nil {
			a.cancel()
			return errors.New("shard discovery requires a device lister")
		}
		if err := a.reconcile(a.ctx); err != nil {
			a.cancel()
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.reconcileLoop(a.ctx)
		}()
	} else {
		if err := a.declareShards(a.cfg.Shards); err != nil {
			a.cancel()
			return err
		}
		for _, id := range a.cfg.Shards {
			a.startShard(id)
		}
	}

	a.logger.Info("aggregator started",
		"shards", len(a.Shards()),
		"discover", a.cfg.Discover,
		"sync_service", a.cfg.SyncService,
	)
	return nil
}

// Stop gracefully shuts down.
func (a *aggregator) Stop(ctx context.Context) error {
	a.logger.Info("stopping aggregator")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("aggregator stopped")
		return nil
	case <-ctx.Done():
		a.logger.Warn("aggregator stop timed out")
		return ctx.Err()
	}
}

func (a *aggregator) Shards() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// declareShards declares the shard queues concurrently.
func (a *aggregator) declareShards(ids []int) error {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := a.broker.DeclareQueue(broker.IngestQueue(id)); err != nil {
				return fmt.Errorf("declare shard queue %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// startShard launches the consumer for one shard if it is not running.
func (a *aggregator) startShard(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.running[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.running[id] = cancel

	opts := broker.ConsumerOptions{Durable: consumerName, Prefetch: 1}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consumeLoop(ctx, broker.IngestQueue(id), opts, a.processor.Handler(id))
	}()
	a.logger.Info("shard consumer started", "shard", id)
}

// stopShard cancels one shard's consumer.
func (a *aggregator) stopShard(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.running[id]
	if !ok {
		return
	}
	cancel()
	delete(a.running, id)
	a.logger.Info("shard consumer stopped", "shard", id)
}

// consumeLoop runs one consumer until ctx ends, resubscribing after
// failures.
func (a *aggregator) consumeLoop(ctx context.Context, queue string, opts broker.ConsumerOptions, handle broker.Handler) {
	for {
		err := a.broker.Consume(ctx, queue, opts, handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Error("consumer failed", "queue", queue, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(consumeRetryDelay):
		}
	}
}

// reconcileLoop periodically follows the device population.
func (a *aggregator) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.reconcile(ctx); err != nil {
				a.logger.Error("shard discovery failed", "error", err)
			}
		}
	}
}

// reconcile starts consumers for new devices and stops those whose device
// is gone. Queue deletion is left to the router.
func (a *aggregator) reconcile(ctx context.Context) error {
	devs, err := a.devices.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	current := make(map[int]bool)
	for _, id := range a.Shards() {
		current[id] = true
	}

	want := make(map[int]bool, len(devs))
	var added []int
	for _, d := range devs {
		id := int(d.ID)
		want[id] = true
		if !current[id] {
			added = append(added, id)
		}
	}

	if err := a.declareShards(added); err != nil {
		return err
	}
	for _, id := range added {
		a.startShard(id)
	}

	var removed int
	for id := range current {
		if !want[id] {
			a.stopShard(id)
			removed++
		}
	}

	a.logger.Info("shard consumers reconciled",
		"devices", len(devs),
		"added", len(added),
		"removed", removed,
	)
	return nil
}

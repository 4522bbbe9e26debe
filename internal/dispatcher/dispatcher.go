package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/energy-pipeline/internal/broker"
)

const consumerName = "dispatcher"

// consumeRetryDelay is the pause before resubscribing a failed consumer.
const consumeRetryDelay = time.Second

// Broker is the subset of the broker client the dispatcher uses.
type Broker interface {
	DeclareQueue(name string) error
	Consume(ctx context.Context, queue string, opts broker.ConsumerOptions, handle broker.Handler) error
}

// Config holds dispatcher settings.
type Config struct {
	HeartbeatInterval time.Duration
	Prefetch          int
}

// Dispatcher consumes notifications and keeps sockets alive.
type Dispatcher interface {
	// Start declares notifications_queue and starts the consumer and
	// heartbeat.
	Start(ctx context.Context) error

	// Stop shuts down the consumer, the heartbeat and every socket.
	Stop(ctx context.Context) error
}

type dispatcher struct {
	cfg      Config
	broker   Broker
	hub      *Hub
	notifier *Notifier
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher over hub.
func New(cfg Config, b Broker, hub *Hub, logger *slog.Logger) Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatcher{
		cfg:      cfg,
		broker:   b,
		hub:      hub,
		notifier: NewNotifier(hub, logger),
		logger:   logger,
	}
}

func (d *dispatcher) Start(ctx context.Context) error {
	if err := d.broker.DeclareQueue(broker.NotificationsQueue); err != nil {
		return fmt.Errorf("declare notifications queue: %w", err)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.consumeLoop(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.heartbeatLoop(d.ctx)
	}()

	d.logger.Info("dispatcher started", "heartbeat", d.cfg.HeartbeatInterval)
	return nil
}

func (d *dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping dispatcher")

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.hub.Close()
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.hub.Close()
		d.logger.Warn("dispatcher stop timed out")
		return ctx.Err()
	}
}

func (d *dispatcher) consumeLoop(ctx context.Context) {
	opts := broker.ConsumerOptions{Durable: consumerName, Prefetch: d.cfg.Prefetch}
	for {
		err := d.broker.Consume(ctx, broker.NotificationsQueue, opts, d.notifier.Handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Error("notification consumer failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(consumeRetryDelay):
		}
	}
}

func (d *dispatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.hub.Heartbeat()
		}
	}
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rickgao/energy-pipeline/internal/config"
)

// Queue names shared by the pipeline components.
const (
	DeviceDataQueue    = "device_data_queue"
	NotificationsQueue = "notifications_queue"
	SyncExchange       = "sync_exchange"
)

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("broker: not connected")

// IngestQueue returns the queue name for a shard.
func IngestQueue(shardID int) string {
	return fmt.Sprintf("ingest_queue_%d", shardID)
}

// SyncQueue returns the durable consumer name a service uses on SyncExchange.
func SyncQueue(service string) string {
	return "sync_queue_" + service
}

// Disposition tells the broker what to do with a delivered message.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	Reject
)

// String returns the disposition name for logs.
func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Handler processes one message body.
type Handler func(ctx context.Context, data []byte) Disposition

// ConsumerOptions configures a durable pull consumer.
type ConsumerOptions struct {
	Durable  string
	Prefetch int // max unacknowledged messages in flight; < 1 means 1
}

// Publisher sends JSON messages to named queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// Client is a JetStream connection.
type Client struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials the broker, retrying with a linear backoff of
// cfg.ConnectBackoff × attempt up to cfg.ConnectAttempts times.
func Connect(ctx context.Context, cfg config.BrokerConfig, name string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	c := &Client{cfg: cfg, logger: logger}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		nc, err := nats.Connect(cfg.URL, opts...)
		if err == nil {
			js, jsErr := nc.JetStream()
			if jsErr == nil {
				c.nc, c.js = nc, js
				logger.Info("broker connected", "url", cfg.URL, "attempt", attempt)
				return c, nil
			}
			nc.Close()
			err = fmt.Errorf("jetstream context: %w", jsErr)
		}
		lastErr = err

		logger.Warn("broker connect failed", "attempt", attempt, "of", attempts, "error", err)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectBackoff * time.Duration(attempt)):
		}
	}

	return nil, fmt.Errorf("connect broker after %d attempts: %w", attempts, lastErr)
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// Ping reports whether the connection is usable.
func (c *Client) Ping() error {
	if c.nc == nil || !c.nc.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// DeclareQueue creates a work queue if it does not exist.
func (c *Client) DeclareQueue(name string) error {
	return c.declare(name, nats.WorkQueuePolicy)
}

// DeclareFanout creates a fanout stream if it does not exist.
func (c *Client) DeclareFanout(name string) error {
	return c.declare(name, nats.LimitsPolicy)
}

func (c *Client) declare(name string, retention nats.RetentionPolicy) error {
	if c.js == nil {
		return ErrNotConnected
	}

	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{name},
		Retention: retention,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", name, err)
	}

	c.logger.Debug("queue declared", "queue", name, "retention", retention)
	return nil
}

// DeleteQueue removes a queue and any messages still in it.
func (c *Client) DeleteQueue(name string) error {
	if c.js == nil {
		return ErrNotConnected
	}
	err := c.js.DeleteStream(name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("delete stream %s: %w", name, err)
	}
	return nil
}

// Publish JSON-encodes v and waits for the broker to persist it.
func (c *Client) Publish(ctx context.Context, queue string, v any) error {
	if c.js == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if _, err := c.js.Publish(queue, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// Consume delivers messages from queue to handle until ctx is cancelled.
// Messages are handled one at a time in delivery order.
func (c *Client) Consume(ctx context.Context, queue string, opts ConsumerOptions, handle Handler) error {
	if c.js == nil {
		return ErrNotConnected
	}
	prefetch := opts.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	wait := c.cfg.FetchWait
	if wait <= 0 {
		wait = config.DefaultFetchWait
	}

	sub, err := c.js.PullSubscribe(queue, opts.Durable,
		nats.BindStream(queue),
		nats.AckExplicit(),
		nats.MaxAckPending(prefetch),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}
	defer func() {
		// Drain keeps the durable consumer on the server.
		if err := sub.Drain(); err != nil {
			c.logger.Debug("drain subscription", "queue", queue, "error", err)
		}
	}()

	c.logger.Info("consumer started", "queue", queue, "durable", opts.Durable, "prefetch", prefetch)

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(prefetch, nats.MaxWait(wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return fmt.Errorf("fetch %s: %w", queue, err)
			}
			c.logger.Warn("fetch failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		for _, msg := range msgs {
			c.settle(queue, msg, handle(ctx, msg.Data))
		}
	}
}

// settle applies a handler's disposition to msg.
func (c *Client) settle(queue string, msg *nats.Msg, d Disposition) {
	var err error
	switch d {
	case Ack:
		err = msg.Ack()
	case Requeue:
		if c.cfg.RequeueDelay > 0 {
			err = msg.NakWithDelay(c.cfg.RequeueDelay)
		} else {
			err = msg.Nak()
		}
	case Reject:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn("settle message failed", "queue", queue, "disposition", d.String(), "error", err)
	}
}

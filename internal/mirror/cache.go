package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rickgao/energy-pipeline/internal/model"
)

const deviceKeyPrefix = "mirror:device:"

// Cached is a Redis read-through cache in front of a Source.
// Redis failures degrade to reading the Source directly.
type Cached struct {
	next   Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps next with a cache whose entries live for ttl.
func NewCached(next Source, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// NewRedisClient creates the cache's Redis client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func deviceKey(id int64) string {
	return fmt.Sprintf("%s%d", deviceKeyPrefix, id)
}

// Device returns the cached device, falling back to the Source on a miss.
// Unknown devices are not cached.
func (c *Cached) Device(ctx context.Context, id int64) (model.DeviceRef, error) {
	key := deviceKey(id)

	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var dev model.DeviceRef
		if jsonErr := json.Unmarshal([]byte(val), &dev); jsonErr == nil {
			return dev, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("mirror cache read failed", "key", key, "error", err)
	}

	dev, err := c.next.Device(ctx, id)
	if err != nil {
		return model.DeviceRef{}, err
	}

	data, err := json.Marshal(dev)
	if err == nil {
		err = c.rdb.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("mirror cache write failed", "key", key, "error", err)
	}
	return dev, nil
}

// Devices always reads the Source; discovery needs the full population.
func (c *Cached) Devices(ctx context.Context) ([]model.DeviceRef, error) {
	return c.next.Devices(ctx)
}

// Invalidate removes a device from the cache.
func (c *Cached) Invalidate(ctx context.Context, id int64) error {
	if err := c.rdb.Del(ctx, deviceKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidate device %d: %w", id, err)
	}
	return nil
}

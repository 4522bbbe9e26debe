package config

import (
	"errors"
	"fmt"
)

// Strategy names accepted by router.strategy.
var validStrategies = map[string]bool{
	"round-robin":     true,
	"least-loaded":    true,
	"consistent-hash": true,
	"device":          true,
}

// ValidateRouter checks the sections the router needs.
func ValidateRouter(c *Config) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if !validStrategies[c.Router.Strategy] {
		return fmt.Errorf("router.strategy %q is not one of round-robin, least-loaded, consistent-hash, device", c.Router.Strategy)
	}
	if c.Router.Strategy == "device" {
		// Device sharding discovers shards from the mirror tables.
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	} else if c.Router.ShardCount < 1 {
		return errors.New("router.shard_count must be >= 1")
	}
	if c.Router.Prefetch < 1 {
		return errors.New("router.prefetch must be >= 1")
	}
	return nil
}

// ValidateAggregator checks the sections the aggregator needs.
func ValidateAggregator(c *Config) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if err := c.Database.validate("database"); err != nil {
		return err
	}
	if !c.Aggregator.Discover && len(c.Aggregator.Shards) == 0 {
		return errors.New("aggregator.shards is required unless aggregator.discover is set")
	}
	seen := make(map[int]bool, len(c.Aggregator.Shards))
	for _, id := range c.Aggregator.Shards {
		if id < 1 {
			return fmt.Errorf("aggregator.shards: shard id must be >= 1, got %d", id)
		}
		if seen[id] {
			return fmt.Errorf("aggregator.shards: duplicate shard id %d", id)
		}
		seen[id] = true
	}
	if c.Aggregator.SampleInterval <= 0 {
		return errors.New("aggregator.sample_interval must be positive")
	}
	return nil
}

// ValidateDispatcher checks the sections the dispatcher needs.
func ValidateDispatcher(c *Config) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" && c.Auth.PublicKeyPath == "" {
		return errors.New("auth.jwt_secret or auth.public_key_path is required")
	}
	if c.Auth.JWTSecret != "" && c.Auth.PublicKeyPath != "" {
		return errors.New("auth.jwt_secret and auth.public_key_path are mutually exclusive")
	}
	if c.Dispatcher.SendBuffer < 1 {
		return errors.New("dispatcher.send_buffer must be >= 1")
	}
	if c.Dispatcher.HeartbeatInterval <= 0 {
		return errors.New("dispatcher.heartbeat_interval must be positive")
	}
	return nil
}

func (c *Config) validateCommon() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Broker.URL == "" {
		return errors.New("broker.url is required")
	}
	if c.Broker.ConnectAttempts < 1 {
		return errors.New("broker.connect_attempts must be >= 1")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

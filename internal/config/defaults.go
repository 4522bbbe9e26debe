package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "energyflow"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultBrokerURL         = "nats://127.0.0.1:4222"
	DefaultConnectAttempts   = 3
	DefaultConnectBackoff    = 50 * time.Millisecond
	DefaultRequeueDelay      = 1 * time.Second
	DefaultFetchWait         = 1 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultRedisTTL          = 30 * time.Second
	DefaultStrategy          = "round-robin"
	DefaultShardCount        = 3
	DefaultPrefetch          = 10
	DefaultResyncInterval    = 60 * time.Second
	DefaultSampleInterval    = 10 * time.Second
	DefaultSyncService       = "monitoring"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultSendBuffer        = 64
	DefaultMaxMessageSize    = 64 * 1024
	DefaultChatRate          = 5
	DefaultChatBurst         = 10
	DefaultMetricsPath       = "/metrics"
)

// Default HTTP ports per component.
const (
	DefaultRouterPort     = 3008
	DefaultAggregatorPort = 3005
	DefaultDispatcherPort = 3006
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Broker defaults
	if c.Broker.URL == "" {
		c.Broker.URL = DefaultBrokerURL
	}
	if c.Broker.ConnectAttempts == 0 {
		c.Broker.ConnectAttempts = DefaultConnectAttempts
	}
	if c.Broker.ConnectBackoff == 0 {
		c.Broker.ConnectBackoff = DefaultConnectBackoff
	}
	if c.Broker.RequeueDelay == 0 {
		c.Broker.RequeueDelay = DefaultRequeueDelay
	}
	if c.Broker.FetchWait == 0 {
		c.Broker.FetchWait = DefaultFetchWait
	}

	applyDBDefaults(&c.Database)

	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultRedisTTL
	}

	// Router defaults
	if c.Router.Strategy == "" {
		c.Router.Strategy = DefaultStrategy
	}
	if c.Router.ShardCount == 0 {
		c.Router.ShardCount = DefaultShardCount
	}
	if c.Router.Prefetch == 0 {
		c.Router.Prefetch = DefaultPrefetch
	}
	if c.Router.ResyncInterval == 0 {
		c.Router.ResyncInterval = DefaultResyncInterval
	}

	// Aggregator defaults
	if c.Aggregator.SampleInterval == 0 {
		c.Aggregator.SampleInterval = DefaultSampleInterval
	}
	if c.Aggregator.ResyncInterval == 0 {
		c.Aggregator.ResyncInterval = DefaultResyncInterval
	}
	if c.Aggregator.SyncService == "" {
		c.Aggregator.SyncService = DefaultSyncService
	}

	// Dispatcher defaults
	if c.Dispatcher.HeartbeatInterval == 0 {
		c.Dispatcher.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Dispatcher.WriteTimeout == 0 {
		c.Dispatcher.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dispatcher.SendBuffer == 0 {
		c.Dispatcher.SendBuffer = DefaultSendBuffer
	}
	if c.Dispatcher.MaxMessageSize == 0 {
		c.Dispatcher.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Dispatcher.ChatRate == 0 {
		c.Dispatcher.ChatRate = DefaultChatRate
	}
	if c.Dispatcher.ChatBurst == 0 {
		c.Dispatcher.ChatBurst = DefaultChatBurst
	}

	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// PortOr returns the configured port, or def when none is set.
func (h HTTPConfig) PortOr(def int) int {
	if h.Port == 0 {
		return def
	}
	return h.Port
}

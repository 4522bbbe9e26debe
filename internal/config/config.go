package config

import "time"

// Config is the root configuration shared by every energyflow component.
// Each subcommand reads the sections it needs and validates only those.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Log        LogConfig        `yaml:"log"`
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DBConfig         `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Router     RouterConfig     `yaml:"router"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Auth       AuthConfig       `yaml:"auth"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// BrokerConfig holds NATS JetStream settings.
type BrokerConfig struct {
	URL             string        `yaml:"url"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"` // multiplied by the attempt number
	RequeueDelay    time.Duration `yaml:"requeue_delay"`
	FetchWait       time.Duration `yaml:"fetch_wait"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig enables the mirror read-through cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// RouterConfig holds ingress routing settings.
type RouterConfig struct {
	Strategy       string        `yaml:"strategy"` // round-robin, least-loaded, consistent-hash, device
	ShardCount     int           `yaml:"shard_count"`
	Prefetch       int           `yaml:"prefetch"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// AggregatorConfig holds shard consumer settings.
type AggregatorConfig struct {
	Shards         []int         `yaml:"shards"`
	Discover       bool          `yaml:"discover"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
	SyncService    string        `yaml:"sync_service"` // suffix of the durable sync_queue_<service>
}

// DispatcherConfig holds WebSocket fan-out settings.
type DispatcherConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	ChatRate          float64       `yaml:"chat_rate"` // inbound frames per second per connection
	ChatBurst         int           `yaml:"chat_burst"`
}

// AuthConfig holds bearer token verification settings.
// Exactly one of JWTSecret (HS256) or PublicKeyPath (RS256 PEM) is used.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	PublicKeyPath string `yaml:"public_key_path"`
}

// HTTPConfig holds the component's HTTP listener settings.
// A zero Port means the component's default port.
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metrics_path"`
}

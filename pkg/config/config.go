package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Gateway        ServerConfig
	Redis          RedisConfig
	Kafka          KafkaConfig
	Database       DatabaseConfig
	Observability  ObservabilityConfig
	QueueNaming    QueueNamingConfig    `mapstructure:"queueNaming"`
	TopicNaming    TopicNamingConfig    `mapstructure:"topicNaming"`
	Executor       ExecutorConfig
	OutboxRelay    OutboxRelayConfig    `mapstructure:"outboxRelay"`
	ProcessManager ProcessManagerConfig `mapstructure:"processManager"`
	Consumer       ConsumerToggle
	Ingress        IngressConfig
	RateLimit      RateLimitConfig `mapstructure:"ratelimit"`
	Authz          AuthzConfig
	Websocket      WebsocketConfig
}

// QueueNamingConfig governs destination naming for command envelopes.
type QueueNamingConfig struct {
	CommandPrefix string `mapstructure:"commandPrefix"`
	QueueSuffix   string `mapstructure:"queueSuffix"`
	ReplyQueue    string `mapstructure:"replyQueue"`
}

// TopicNamingConfig governs destination naming for domain events.
type TopicNamingConfig struct {
	EventPrefix string `mapstructure:"eventPrefix"`
}

// ExecutorConfig controls the command lease and retry budget.
type ExecutorConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handlerTimeout"`
	MaxRetries     int           `mapstructure:"maxRetries"`
}

// OutboxRelayConfig controls the relay sweeper's cadence and backoff.
type OutboxRelayConfig struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	StaleLease   time.Duration `mapstructure:"staleLease"`
	BackoffBase  time.Duration `mapstructure:"backoffBase"`
	BackoffCap   time.Duration `mapstructure:"backoffCap"`
}

// ProcessManagerConfig holds the default retry ceiling for saga steps
// (a process.Configuration's MaxRetries may override it per step) and
// the watchdog's cadence and stall threshold.
type ProcessManagerConfig struct {
	MaxRetriesPerStep int           `mapstructure:"maxRetriesPerStep"`
	WatchdogInterval  time.Duration `mapstructure:"watchdogInterval"`
	WatchdogStepAge   time.Duration `mapstructure:"watchdogStepAge"`
}

// ConsumerToggle disables queue consumption on ingress-only processes.
type ConsumerToggle struct {
	Enabled bool `mapstructure:"enabled"`
}

// IngressConfig resolves the open question on duplicate idempotency
// keys: StrictConflict=true (default) returns 409 on any replay;
// false returns the existing commandId instead.
type IngressConfig struct {
	StrictConflict bool `mapstructure:"strictConflict"`
}

type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	MaxTokens int           `mapstructure:"maxTokens"`
	Window    time.Duration `mapstructure:"window"`
}

type AuthzConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	OPAEndpoint string `mapstructure:"opaEndpoint"`
	OPAPolicy   string `mapstructure:"opaPolicy"`
}

type WebsocketConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

type RedisConfig struct {
	Addresses       []string      `mapstructure:"addresses"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
}

type KafkaConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Brokers     []string       `mapstructure:"brokers"`
	GroupID     string         `mapstructure:"group_id"`
	Version     string         `mapstructure:"version"`
	SASLEnabled bool           `mapstructure:"sasl_enabled"`
	Consumer    ConsumerConfig `mapstructure:"consumer"`
	Producer    ProducerConfig `mapstructure:"producer"`
}

type ConsumerConfig struct {
	MinBytes     int           `mapstructure:"min_bytes"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	FetchMin     int           `mapstructure:"fetch_min"`
	FetchDefault int           `mapstructure:"fetch_default"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Topics       []string      `mapstructure:"topics"`
}

type ProducerConfig struct {
	Compression     string        `mapstructure:"compression"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type DatabaseConfig struct {
	Primary ConnectionConfig `mapstructure:"primary"`
	Replica ConnectionConfig `mapstructure:"replica"`
	URL     string           `mapstructure:"url"`
}

type ConnectionConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ObservabilityConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPort int           `mapstructure:"metrics_port"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	SchemaURL   string `mapstructure:"schema_url"`
	Disable     bool   `mapstructure:"disable"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/commandmesh/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CMESH")

	viper.SetDefault("gateway.host", "0.0.0.0")
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.read_timeout", "30s")
	viper.SetDefault("gateway.write_timeout", "30s")

	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.idempotency_ttl", "24h")

	viper.SetDefault("database.primary.max_open_conns", 50)

	viper.SetDefault("queueNaming.commandPrefix", "APP.CMD.")
	viper.SetDefault("queueNaming.queueSuffix", ".Q")
	viper.SetDefault("queueNaming.replyQueue", "APP.CMD.REPLY.Q")
	viper.SetDefault("topicNaming.eventPrefix", "events.")

	viper.SetDefault("executor.handlerTimeout", "30s")
	viper.SetDefault("executor.maxRetries", 3)

	viper.SetDefault("outboxRelay.tickInterval", "1s")
	viper.SetDefault("outboxRelay.batchSize", 2000)
	viper.SetDefault("outboxRelay.staleLease", "60s")
	viper.SetDefault("outboxRelay.backoffBase", "1s")
	viper.SetDefault("outboxRelay.backoffCap", "60s")

	viper.SetDefault("processManager.maxRetriesPerStep", 3)
	viper.SetDefault("processManager.watchdogInterval", "0s") // 0 disables the watchdog
	viper.SetDefault("processManager.watchdogStepAge", "10m")

	viper.SetDefault("consumer.enabled", true)
	viper.SetDefault("ingress.strictConflict", true)

	viper.SetDefault("ratelimit.enabled", false)
	viper.SetDefault("ratelimit.maxTokens", 100)
	viper.SetDefault("ratelimit.window", "1m")

	viper.SetDefault("authz.enabled", false)

	viper.SetDefault("websocket.enabled", false)

	viper.SetDefault("observability.metrics_port", 9100)
	viper.SetDefault("observability.metrics_path", "/metrics")
	viper.SetDefault("observability.tracing.enabled", false)
	viper.SetDefault("observability.tracing.endpoint", "localhost:4317")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

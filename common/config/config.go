// Package config provides centralized configuration management for all taskhub services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/taskhub/common/consumer"
	"github.com/telhawk-systems/taskhub/common/database"
	natsbroker "github.com/telhawk-systems/taskhub/common/messaging/nats"
	"github.com/telhawk-systems/taskhub/common/outbox"
)

// Service names understood by Load.
const (
	ServiceUser         = "user"
	ServiceTask         = "task"
	ServiceNotification = "notification"
)

// Broker drivers.
const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// Dedup backends.
const (
	DedupRedis    = "redis"
	DedupPostgres = "postgres"
)

var defaultPorts = map[string]int{
	ServiceUser:         8081,
	ServiceTask:         8082,
	ServiceNotification: 8083,
}

// Config is the master configuration shared by all services.
type Config struct {
	Service  string         `mapstructure:"-"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	MigrationsURL string         `mapstructure:"migrations_url"`
	MaxConns      int32          `mapstructure:"max_conns"`
	MinConns      int32          `mapstructure:"min_conns"`
}

// Pool returns the pgx pool sizing.
func (d DatabaseConfig) Pool() database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if d.MaxConns > 0 {
		pc.MaxConns = d.MaxConns
	}
	if d.MinConns > 0 {
		pc.MinConns = d.MinConns
	}
	return pc
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// BrokerConfig selects and tunes the event broker.
type BrokerConfig struct {
	Driver          string        `mapstructure:"driver"` // "nats" (default) or "memory"
	Stream          string        `mapstructure:"stream"`
	Partitions      int           `mapstructure:"partitions"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	AckWait         time.Duration `mapstructure:"ack_wait"`
	Replicas        int           `mapstructure:"replicas"`
	Storage         string        `mapstructure:"storage"` // "file" or "memory"
}

// StreamConfig returns the JetStream stream settings.
func (b BrokerConfig) StreamConfig() natsbroker.StreamConfig {
	sc := natsbroker.DefaultStreamConfig()
	sc.Name = b.Stream
	sc.Partitions = b.Partitions
	sc.MaxAge = b.MaxAge
	sc.DuplicateWindow = b.DuplicateWindow
	sc.AckWait = b.AckWait
	sc.Replicas = b.Replicas
	if b.Storage == "memory" {
		sc.Storage = jetstream.MemoryStorage
	}
	return sc
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
}

// Client returns the connection settings; name identifies the client.
func (n NATSConfig) Client(name string) natsbroker.Config {
	return natsbroker.Config{
		URL:           n.URL,
		Name:          name,
		MaxReconnects: n.MaxReconnects,
		ReconnectWait: n.ReconnectWait,
		Timeout:       n.Timeout,
		Username:      n.Username,
		Password:      n.Password,
		Token:         n.Token,
	}
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutboxConfig tunes the outbox publisher of the producing services.
type OutboxConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	LeaseDuration      time.Duration `mapstructure:"lease_duration"`
	PublishedRetention time.Duration `mapstructure:"published_retention"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
}

// Publisher returns the publisher settings.
func (o OutboxConfig) Publisher() outbox.Config {
	return outbox.Config{
		PollInterval:       o.PollInterval,
		BatchSize:          o.BatchSize,
		MaxAttempts:        o.MaxAttempts,
		BaseBackoff:        o.BaseBackoff,
		MaxBackoff:         o.MaxBackoff,
		PublishTimeout:     o.PublishTimeout,
		ShutdownTimeout:    o.ShutdownTimeout,
		PublishedRetention: o.PublishedRetention,
		CleanupInterval:    o.CleanupInterval,
	}
}

// ConsumerConfig tunes the consumer group of the notification service.
type ConsumerConfig struct {
	Group               string        `mapstructure:"group"`
	Topics              []string      `mapstructure:"topics"`
	BatchSize           int           `mapstructure:"batch_size"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	MaxDeliveries       int           `mapstructure:"max_deliveries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	ErrorBackoffInitial time.Duration `mapstructure:"error_backoff_initial"`
	ErrorBackoffMax     time.Duration `mapstructure:"error_backoff_max"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	DedupBackend        string        `mapstructure:"dedup_backend"` // "redis" (default) or "postgres"
	DedupRetention      time.Duration `mapstructure:"dedup_retention"`
	DedupPurgeInterval  time.Duration `mapstructure:"dedup_purge_interval"`
}

// Dispatcher returns the dispatcher settings.
func (c ConsumerConfig) Dispatcher() consumer.Config {
	return consumer.Config{
		Group:               c.Group,
		BatchSize:           c.BatchSize,
		PollTimeout:         c.PollTimeout,
		MaxDeliveries:       c.MaxDeliveries,
		RetryDelay:          c.RetryDelay,
		ErrorBackoffInitial: c.ErrorBackoffInitial,
		ErrorBackoffMax:     c.ErrorBackoffMax,
		ShutdownTimeout:     c.ShutdownTimeout,
	}
}

// Load reads configuration from $TASKHUB_CONFIG_DIR/config.yaml and environment variables.
// serviceName selects the default HTTP port.
func Load(serviceName string) (*Config, error) {
	configDir := os.Getenv("TASKHUB_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/taskhub"
	}
	return LoadFile(serviceName, filepath.Join(configDir, "config.yaml"))
}

// LoadFile is Load with an explicit config file path. A missing file is not
// an error; defaults and environment variables apply.
func LoadFile(serviceName, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Environment variables override with NO prefix, e.g. BROKER_DRIVER.
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Service = serviceName

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no service can start with.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case BrokerNATS, BrokerMemory:
	default:
		return fmt.Errorf("invalid broker.driver %q (want %s or %s)", c.Broker.Driver, BrokerNATS, BrokerMemory)
	}
	if c.Broker.Partitions < 1 {
		return fmt.Errorf("broker.partitions must be at least 1, got %d", c.Broker.Partitions)
	}
	switch c.Consumer.DedupBackend {
	case DedupRedis, DedupPostgres:
	default:
		return fmt.Errorf("invalid consumer.dedup_backend %q (want %s or %s)", c.Consumer.DedupBackend, DedupRedis, DedupPostgres)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be at least 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size must be at least 1, got %d", c.Outbox.BatchSize)
	}
	// A claimed batch must be publishable before its lease runs out.
	if worst := time.Duration(c.Outbox.BatchSize) * c.Outbox.PublishTimeout; c.Outbox.LeaseDuration <= worst {
		return fmt.Errorf("outbox.lease_duration %s must exceed batch_size*publish_timeout (%s)", c.Outbox.LeaseDuration, worst)
	}
	if c.Consumer.MaxDeliveries < 1 {
		return fmt.Errorf("consumer.max_deliveries must be at least 1, got %d", c.Consumer.MaxDeliveries)
	}
	return nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper, serviceName string) {
	// Server defaults
	port, ok := defaultPorts[serviceName]
	if !ok {
		port = 8080
	}
	v.SetDefault("server.port", port)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// Database defaults
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "taskhub")
	v.SetDefault("database.postgres.user", "taskhub")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.migrations_url", "file://migrations")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 2)

	// Broker defaults
	v.SetDefault("broker.driver", BrokerNATS)
	v.SetDefault("broker.stream", "TASKHUB_EVENTS")
	v.SetDefault("broker.partitions", 4)
	v.SetDefault("broker.max_age", "72h")
	v.SetDefault("broker.duplicate_window", "2m")
	v.SetDefault("broker.ack_wait", "30s")
	v.SetDefault("broker.replicas", 1)
	v.SetDefault("broker.storage", "file")

	// NATS defaults
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Outbox defaults
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.base_backoff", "500ms")
	v.SetDefault("outbox.max_backoff", "5m")
	v.SetDefault("outbox.publish_timeout", "5s")
	v.SetDefault("outbox.shutdown_timeout", "10s")
	v.SetDefault("outbox.lease_duration", "2m")
	v.SetDefault("outbox.published_retention", "168h")
	v.SetDefault("outbox.cleanup_interval", "1h")

	// Consumer defaults
	v.SetDefault("consumer.group", "notification-service")
	v.SetDefault("consumer.topics", []string{"user.created", "task.created"})
	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.poll_timeout", "1s")
	v.SetDefault("consumer.max_deliveries", 5)
	v.SetDefault("consumer.retry_delay", "2s")
	v.SetDefault("consumer.error_backoff_initial", "500ms")
	v.SetDefault("consumer.error_backoff_max", "30s")
	v.SetDefault("consumer.shutdown_timeout", "10s")
	v.SetDefault("consumer.dedup_backend", DedupRedis)
	v.SetDefault("consumer.dedup_retention", "24h")
	v.SetDefault("consumer.dedup_purge_interval", "1h")
}

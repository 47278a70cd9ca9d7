// Package config holds the shop configuration surface: defaults, YAML file
// loading, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig selects and configures the shared work queue backend.
type QueueConfig struct {
	// Backend is one of "sqs", "redis", "memory".
	Backend string `yaml:"backend"`
	// URL is the SQS queue URL when Backend is "sqs", or the queue name
	// prefix for the Redis backend.
	URL string `yaml:"url"`
	// Region overrides the AWS region resolved from the environment.
	Region string      `yaml:"region"`
	Redis  RedisConfig `yaml:"redis"`
	// VisibilityTimeout is how long a received message stays invisible
	// before the broker redelivers it (redis/memory backends; SQS uses the
	// queue's own setting).
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// TableConfig selects and configures the shared result table backend.
type TableConfig struct {
	// Backend is one of "dynamodb", "redis", "memory".
	Backend string `yaml:"backend"`
	// Name is the DynamoDB table name or the Redis key prefix.
	Name string `yaml:"name"`
	// PartitionKey is the attribute name holding the ticket.
	PartitionKey string      `yaml:"partition_key"`
	Region       string      `yaml:"region"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MulticastConfig configures the completion announcement fabric.
type MulticastConfig struct {
	// Host is the multicast group address, e.g. "224.0.0.249".
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Config is the central configuration struct for one shop instance.
type Config struct {
	// Name identifies this deployment in multicast frames and traces.
	// Shops sharing a queue must share a name.
	Name string `yaml:"name"`

	// ListenAddr is the HTTP bind address, e.g. ":7007".
	ListenAddr string `yaml:"listen_addr"`

	// Baristas is the worker pool size, minimum 1.
	Baristas int `yaml:"baristas"`

	// IdleWait bounds one queue long-poll. Capped at 20s by the queue layer.
	IdleWait time.Duration `yaml:"idle_wait"`

	// MaxExecutionTime bounds one processing call and the shutdown drain.
	// Zero means unbounded.
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`

	// MaxOutstandingTickets caps the orders map; the waiter answers 429
	// beyond it. Zero disables the cap.
	MaxOutstandingTickets int `yaml:"max_outstanding_tickets"`

	// ResultTTL is how long completed results stay readable in the table.
	ResultTTL time.Duration `yaml:"result_ttl"`

	// RecoveryInterval is the collection point's table polling period.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`

	// PurgeInterval is the collection point's stale-order sweep period.
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// MaxOrderAge is how long a fulfilled, unreferenced order stays
	// resident before the purge sweep removes it.
	MaxOrderAge time.Duration `yaml:"max_order_age"`

	Multicast MulticastConfig `yaml:"multicast"`
	Queue     QueueConfig     `yaml:"queue"`
	Table     TableConfig     `yaml:"table"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with sensible defaults for a single local shop.
func Default() *Config {
	return &Config{
		Name:             "coffeeshop",
		ListenAddr:       ":7007",
		Baristas:         4,
		IdleWait:         5 * time.Second,
		ResultTTL:        2 * time.Hour,
		RecoveryInterval: 5 * time.Second,
		PurgeInterval:    10 * time.Second,
		MaxOrderAge:      5 * time.Minute,
		Multicast: MulticastConfig{
			Host: "224.0.0.249",
			Port: 11030,
		},
		Queue: QueueConfig{
			Backend:           "memory",
			VisibilityTimeout: 30 * time.Second,
			Redis:             RedisConfig{Addr: "localhost:6379"},
		},
		Table: TableConfig{
			Backend:      "memory",
			Name:         "coffeeshop-results",
			PartitionKey: "ticket",
			Redis:        RedisConfig{Addr: "localhost:6379"},
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies COFFEESHOP_* environment variable overrides to the config.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("COFFEESHOP_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("COFFEESHOP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("COFFEESHOP_BARISTAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Baristas = n
		}
	}
	if v := os.Getenv("COFFEESHOP_QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
	}
	if v := os.Getenv("COFFEESHOP_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("COFFEESHOP_TABLE_NAME"); v != "" {
		cfg.Table.Name = v
	}
	if v := os.Getenv("COFFEESHOP_TABLE_BACKEND"); v != "" {
		cfg.Table.Backend = v
	}
	if v := os.Getenv("COFFEESHOP_REDIS_ADDR"); v != "" {
		cfg.Queue.Redis.Addr = v
		cfg.Table.Redis.Addr = v
	}
	if v := os.Getenv("COFFEESHOP_MULTICAST_HOST"); v != "" {
		cfg.Multicast.Host = v
	}
	if v := os.Getenv("COFFEESHOP_MULTICAST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Multicast.Port = n
		}
	}
	if v := os.Getenv("COFFEESHOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate reports misconfiguration that would prevent the shop from running.
func (c *Config) Validate() error {
	if c.Baristas < 1 {
		return fmt.Errorf("baristas must be >= 1, got %d", c.Baristas)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("result_ttl must be positive, got %s", c.ResultTTL)
	}
	if c.Multicast.Port <= 0 || c.Multicast.Port > 65535 {
		return fmt.Errorf("multicast port out of range: %d", c.Multicast.Port)
	}
	switch c.Queue.Backend {
	case "sqs":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue url is required for the sqs backend")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Table.Backend {
	case "dynamodb", "redis", "memory":
	default:
		return fmt.Errorf("unknown table backend %q", c.Table.Backend)
	}
	if c.Table.PartitionKey == "" {
		return fmt.Errorf("table partition_key must not be empty")
	}
	return nil
}

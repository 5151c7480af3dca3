// Package config resolves process settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/modulith/go/internal/dbconfig"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/mcdev12/modulith/go/internal/natsconn"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	TransportLocal    = "local"
	TransportNATS     = "nats"
	TransportRabbitMQ = "rabbitmq"
	TransportLog      = "log"
)

type Config struct {
	Store     string `yaml:"store"`
	Transport string `yaml:"transport"`

	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Commands CommandsConfig `yaml:"commands"`
	NATS     NATSConfig     `yaml:"nats"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`

	// Database comes from DB_* variables only, like every tool in the repo.
	Database dbconfig.Config `yaml:"-"`
}

type HTTPConfig struct {
	Port            string `yaml:"port"`
	PrincipalHeader string `yaml:"principal_header"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type OutboxConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Listen          bool          `yaml:"listen"`
	Breaker         bool          `yaml:"breaker"`
	HealthThreshold time.Duration `yaml:"health_threshold"`
}

type CommandsConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	Lease           time.Duration `yaml:"lease"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	ob := outbox.DefaultConfig()
	ic := internalcommands.DefaultConfig()
	nc := natsconn.DefaultConfig()
	rc := outbox.DefaultRabbitMQConfig()

	return Config{
		Store:     StoreMemory,
		Transport: TransportLocal,
		HTTP: HTTPConfig{
			Port:            "8080",
			PrincipalHeader: "X-User-ID",
		},
		Log: LogConfig{Level: "info", Pretty: true},
		Outbox: OutboxConfig{
			PollInterval:    ob.PollInterval,
			BatchSize:       ob.BatchSize,
			MaxRetries:      ob.MaxRetries,
			RetryDelay:      ob.RetryDelay,
			Listen:          true,
			Breaker:         true,
			HealthThreshold: 5 * time.Minute,
		},
		Commands: CommandsConfig{
			PollInterval:    ic.PollInterval,
			BatchSize:       ic.BatchSize,
			Lease:           ic.Lease,
			MaxAttempts:     ic.MaxAttempts,
			RetryBackoff:    ic.RetryBackoff,
			MaxRetryBackoff: ic.MaxRetryBackoff,
		},
		NATS: NATSConfig{
			URL:           nc.URL,
			StreamName:    nc.StreamName,
			SubjectPrefix: nc.SubjectPrefix,
		},
		RabbitMQ: RabbitMQConfig{URL: rc.URL, Exchange: rc.Exchange},
	}
}

// Load layers the YAML file at path (skipped when empty) and the environment
// over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Database = dbconfig.NewConfigFromEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store = getEnv("MODULITH_STORE", c.Store)
	c.Transport = getEnv("MODULITH_TRANSPORT", c.Transport)
	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.HTTP.PrincipalHeader = getEnv("MODULITH_PRINCIPAL_HEADER", c.HTTP.PrincipalHeader)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvAsBool("LOG_PRETTY", c.Log.Pretty)

	c.Outbox.PollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", c.Outbox.PollInterval)
	c.Outbox.BatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", c.Outbox.BatchSize)
	c.Outbox.MaxRetries = getEnvAsInt("OUTBOX_MAX_RETRIES", c.Outbox.MaxRetries)
	c.Outbox.RetryDelay = getEnvAsDuration("OUTBOX_RETRY_DELAY", c.Outbox.RetryDelay)
	c.Outbox.Listen = getEnvAsBool("OUTBOX_LISTEN", c.Outbox.Listen)
	c.Outbox.Breaker = getEnvAsBool("OUTBOX_BREAKER", c.Outbox.Breaker)

	c.Commands.PollInterval = getEnvAsDuration("COMMANDS_POLL_INTERVAL", c.Commands.PollInterval)
	c.Commands.BatchSize = getEnvAsInt("COMMANDS_BATCH_SIZE", c.Commands.BatchSize)
	c.Commands.Lease = getEnvAsDuration("COMMANDS_LEASE", c.Commands.Lease)
	c.Commands.MaxAttempts = getEnvAsInt("COMMANDS_MAX_ATTEMPTS", c.Commands.MaxAttempts)
	c.Commands.RetryBackoff = getEnvAsDuration("COMMANDS_RETRY_BACKOFF", c.Commands.RetryBackoff)
	c.Commands.MaxRetryBackoff = getEnvAsDuration("COMMANDS_MAX_RETRY_BACKOFF", c.Commands.MaxRetryBackoff)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
}

// Validate rejects combinations the process cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Transport {
	case TransportLocal, TransportNATS, TransportRabbitMQ, TransportLog:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Store == StoreMemory && c.Transport != TransportLocal && c.Transport != TransportLog {
		return fmt.Errorf("transport %q needs the postgres store", c.Transport)
	}
	if c.Commands.MaxAttempts < 0 {
		return fmt.Errorf("commands.max_attempts must not be negative")
	}
	return nil
}

func (c Config) OutboxWorker() outbox.Config {
	return outbox.Config{
		PollInterval: c.Outbox.PollInterval,
		BatchSize:    c.Outbox.BatchSize,
		MaxRetries:   c.Outbox.MaxRetries,
		RetryDelay:   c.Outbox.RetryDelay,
	}
}

func (c Config) Dispatcher() internalcommands.Config {
	return internalcommands.Config{
		PollInterval:    c.Commands.PollInterval,
		BatchSize:       c.Commands.BatchSize,
		Lease:           c.Commands.Lease,
		MaxAttempts:     c.Commands.MaxAttempts,
		RetryBackoff:    c.Commands.RetryBackoff,
		MaxRetryBackoff: c.Commands.MaxRetryBackoff,
	}
}

func (c Config) NATSConn() natsconn.Config {
	nc := natsconn.DefaultConfig()
	nc.URL = c.NATS.URL
	nc.StreamName = c.NATS.StreamName
	nc.SubjectPrefix = c.NATS.SubjectPrefix
	return nc
}

func (c Config) RabbitMQPublisher() outbox.RabbitMQConfig {
	return outbox.RabbitMQConfig{URL: c.RabbitMQ.URL, Exchange: c.RabbitMQ.Exchange}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

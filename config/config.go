// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every variable, e.g. CHATRELAY_REDIS_ADDR.
const EnvPrefix = "CHATRELAY"

// Config covers both binaries; each reads the fields it needs.
type Config struct {
	// Broadcast bus
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	BusChannel    string `envconfig:"BUS_CHANNEL" default:"chat:events"`
	BusCodec      string `envconfig:"BUS_CODEC" default:"json"`

	// Write store
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:"postgres://localhost:5432/chatrelay?sslmode=disable"`

	// Gateway
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// Outbox relay
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"3s"`
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"100"`
	WorkerCount  int           `envconfig:"WORKER_COUNT" default:"10"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseBackoff  time.Duration `envconfig:"BASE_BACKOFF" default:"1s"`
	ClaimTimeout time.Duration `envconfig:"CLAIM_TIMEOUT" default:"5m"`
	CleanupAge   time.Duration `envconfig:"CLEANUP_AGE" default:"24h"`

	// Idempotency guard
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// Load reads the environment into a Config. Missing variables keep their
// defaults; malformed values are an error.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

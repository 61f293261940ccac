package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from environment variables.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	DBHost         string `env:"DB_HOST" envDefault:"localhost"`
	DBPort         int    `env:"DB_PORT" envDefault:"5432"`
	DBUser         string `env:"DB_USER" envDefault:"postgres"`
	DBPassword     string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName         string `env:"DB_NAME" envDefault:"presale"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"./internal/repository/migrations"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	RedisAddr    string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	GatewayAddr    string        `env:"GATEWAY_ADDR" envDefault:"http://localhost:9400"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Platform commission in basis points (1000 = 10%).
	FeeBasisPoints int64 `env:"FEE_BASIS_POINTS" envDefault:"1000"`

	MaxCaptureAttempts int           `env:"MAX_CAPTURE_ATTEMPTS" envDefault:"5"`
	CaptureWindow      time.Duration `env:"CAPTURE_WINDOW" envDefault:"72h"`
	CaptureRetryDelay  time.Duration `env:"CAPTURE_RETRY_DELAY" envDefault:"6h"`
	SchedulerTick      time.Duration `env:"SCHEDULER_TICK" envDefault:"30s"`
	ReaperTick         time.Duration `env:"REAPER_TICK" envDefault:"1m"`
	AttemptLease       time.Duration `env:"ATTEMPT_LEASE" envDefault:"15m"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

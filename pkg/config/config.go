package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// App holds runtime configuration derived from env vars.
type App struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"ledger-bus"`
	Environment string `env:"ENVIRONMENT" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	APIPort     string `env:"API_PORT" envDefault:"8080"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"mysql"`
	DatabaseURL    string `env:"DATABASE_URL"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"ledger-events"`

	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	PollBatch    int           `env:"POLL_BATCH" envDefault:"100"`
	// PollSettleLag of zero lets the bus derive it from PollInterval.
	PollSettleLag time.Duration `env:"POLL_SETTLE_LAG"`

	CachePrefix          string        `env:"CACHE_PREFIX" envDefault:"cache"`
	CacheLookback        time.Duration `env:"CACHE_LOOKBACK" envDefault:"24h"`
	CacheCleanupSchedule string        `env:"CACHE_CLEANUP_SCHEDULE" envDefault:"@every 5m"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	EventSchemasDir string `env:"EVENT_SCHEMAS_DIR"`
}

// FromEnv loads the application configuration from environment variables.
func FromEnv() (App, error) {
	cfg, err := env.ParseAs[App]()
	if err != nil {
		return App{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.CORSOrigins = trimList(cfg.CORSOrigins)
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	cfg.KafkaBrokers = trimList(cfg.KafkaBrokers)
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))

	if err := cfg.Validate(); err != nil {
		return App{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (a App) Validate() error {
	switch a.DatabaseDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", a.DatabaseDriver)
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", a.PollInterval)
	}
	if a.PollBatch <= 0 {
		return fmt.Errorf("POLL_BATCH must be positive, got %d", a.PollBatch)
	}
	if a.PollSettleLag < 0 {
		return fmt.Errorf("POLL_SETTLE_LAG must not be negative, got %s", a.PollSettleLag)
	}
	if a.CacheLookback <= 0 {
		return fmt.Errorf("CACHE_LOOKBACK must be positive, got %s", a.CacheLookback)
	}
	if strings.TrimSpace(a.CachePrefix) == "" {
		return fmt.Errorf("CACHE_PREFIX must not be empty")
	}
	return nil
}

// KafkaEnabled reports whether events should be mirrored to Kafka.
func (a App) KafkaEnabled() bool {
	return len(a.KafkaBrokers) > 0
}

// trimList drops blank entries and surrounding whitespace.
func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

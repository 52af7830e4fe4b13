package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// LedgerPostgres stores wallet users in PostgreSQL.
	LedgerPostgres = "postgres"
	// LedgerSQLite stores wallet users in a local SQLite file.
	LedgerSQLite = "sqlite"
	// LedgerMemory keeps wallet users in process memory. Development only.
	LedgerMemory = "memory"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string `env:"APP_NAME" envDefault:"BitcoinBrave"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL   string `env:"DATABASE_URL"`
	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"postgres"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"brave_wallet.db"`
	RedisURL      string `env:"REDIS_URL"`

	SessionTTL     time.Duration `env:"USSD_SESSION_TTL" envDefault:"10m"`
	SessionLease   time.Duration `env:"USSD_SESSION_LEASE" envDefault:"15s"`
	CumulativeText bool          `env:"USSD_CUMULATIVE_TEXT" envDefault:"false"`
	RateLimit      int           `env:"USSD_RATE_LIMIT" envDefault:"30"`

	LNDRestURL     string        `env:"VOLTAGE_REST_URL"`
	LNDMacaroon    string        `env:"VOLTAGE_MACAROON"`
	LNDTimeout     time.Duration `env:"LND_TIMEOUT" envDefault:"10s"`
	LNDInsecureTLS bool          `env:"LND_TLS_SKIP_VERIFY" envDefault:"true"`

	InvoiceExpiry      time.Duration `env:"INVOICE_EXPIRY" envDefault:"1h"`
	SettlementInterval time.Duration `env:"SETTLEMENT_POLL_INTERVAL" envDefault:"15s"`

	AMQPURL     string `env:"AMQP_URL"`
	EventsQueue string `env:"AMQP_EVENTS_QUEUE" envDefault:"wallet_events"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// OperatorToken guards the operator API. Outside development the API is
	// not served without it.
	OperatorToken string `env:"OPERATOR_TOKEN"`

	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LedgerBackend = strings.ToLower(strings.TrimSpace(cfg.LedgerBackend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. Development environments may run
// without Postgres and Redis; everything else must name its backends.
func (c Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerPostgres, LedgerSQLite, LedgerMemory:
	default:
		return fmt.Errorf("invalid LEDGER_BACKEND %q", c.LedgerBackend)
	}

	if c.LNDRestURL == "" {
		return fmt.Errorf("VOLTAGE_REST_URL must be set")
	}
	if _, err := url.ParseRequestURI(c.LNDRestURL); err != nil {
		return fmt.Errorf("invalid VOLTAGE_REST_URL: %w", err)
	}
	if c.LNDTimeout <= 0 {
		return fmt.Errorf("LND_TIMEOUT must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("USSD_SESSION_TTL must be positive")
	}

	if c.IsDev() {
		return nil
	}
	if c.LedgerBackend == LedgerMemory {
		return fmt.Errorf("LEDGER_BACKEND=memory is not allowed when APP_ENV=%s", c.AppEnv)
	}
	if c.LedgerBackend == LedgerPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	return nil
}

// IsDev reports whether the service runs in a local/development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

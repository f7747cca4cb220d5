package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App     AppConfig
	API     APIConfig
	Storage StorageConfig
	Session SessionConfig
	Sync    SyncConfig
	Auth    AuthConfig
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Auth.TokenSecret = strings.TrimSpace(cfg.Auth.TokenSecret)
	cfg.Auth.ManagerPINHash = strings.TrimSpace(cfg.Auth.ManagerPINHash)
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type AppConfig struct {
	Port          string `envconfig:"KASIR_PORT" default:"8090"`
	Env           string `envconfig:"KASIR_ENV" default:"dev"`
	AllowedOrigin string `envconfig:"KASIR_ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	LogLevel      string `envconfig:"KASIR_LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"KASIR_LOG_FORMAT" default:"json"`
	Locale        string `envconfig:"KASIR_LOCALE" default:"en"`
}

func (a AppConfig) Address() string {
	return fmt.Sprintf(":%s", a.Port)
}

type APIConfig struct {
	BaseURL     string        `envconfig:"KASIR_API_BASE_URL"`
	AccessToken string        `envconfig:"KASIR_API_ACCESS_TOKEN"`
	Timeout     time.Duration `envconfig:"KASIR_API_TIMEOUT" default:"10s"`
	PageLimit   int           `envconfig:"KASIR_API_PAGE_LIMIT" default:"500"`
	RetryCount  int           `envconfig:"KASIR_API_RETRY_COUNT" default:"2"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type StorageConfig struct {
	Driver           string  `envconfig:"KASIR_STORAGE_DRIVER" default:"sqlite"`
	SQLitePath       string  `envconfig:"KASIR_SQLITE_PATH" default:"kasir-terminal.db"`
	DatabaseURL      string  `envconfig:"KASIR_DATABASE_URL"`
	RedisAddr        string  `envconfig:"KASIR_REDIS_ADDR"`
	RedisPassword    string  `envconfig:"KASIR_REDIS_PASSWORD"`
	RedisDB          int     `envconfig:"KASIR_REDIS_DB" default:"0"`
	Namespace        string  `envconfig:"KASIR_STORAGE_NAMESPACE" default:"kasir"`
	QuotaBytes       int64   `envconfig:"KASIR_STORAGE_QUOTA_BYTES" default:"52428800"`
	CleanupThreshold float64 `envconfig:"KASIR_STORAGE_CLEANUP_THRESHOLD" default:"0.8"`
	MaxItemBytes     int     `envconfig:"KASIR_STORAGE_MAX_ITEM_BYTES" default:"1048576"`
	MaxBackups       int     `envconfig:"KASIR_STORAGE_MAX_BACKUPS" default:"5"`
}

type SessionConfig struct {
	TerminalID     string          `envconfig:"KASIR_TERMINAL_ID" default:"T01"`
	PollInterval   time.Duration   `envconfig:"KASIR_SESSION_POLL_INTERVAL" default:"2s"`
	TaxRate        decimal.Decimal `envconfig:"KASIR_TAX_RATE" default:"0.18"`
	CurrencyCode   string          `envconfig:"KASIR_CURRENCY" default:"IDR"`
	WalkInCustomer string          `envconfig:"KASIR_WALK_IN_CUSTOMER_ID" default:"walk-in"`
	DefaultStoreID string          `envconfig:"KASIR_DEFAULT_STORE_ID" default:"main-store"`
}

type SyncConfig struct {
	RefreshInterval time.Duration `envconfig:"KASIR_REFRESH_INTERVAL" default:"60s"`
	RefreshTimeout  time.Duration `envconfig:"KASIR_REFRESH_TIMEOUT" default:"15s"`
}

type AuthConfig struct {
	TokenSecret    string `envconfig:"KASIR_AUTH_SECRET"`
	ManagerPINHash string `envconfig:"KASIR_MANAGER_PIN_HASH"`
}

func (c Config) Validate() error {
	var problems []string
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			problems = append(problems, "KASIR_DATABASE_URL is required for the postgres driver")
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			problems = append(problems, "KASIR_REDIS_ADDR is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.CleanupThreshold <= 0 || c.Storage.CleanupThreshold > 1 {
		problems = append(problems, "cleanup threshold must be in (0, 1]")
	}
	if c.Storage.MaxItemBytes < 1 {
		problems = append(problems, "max item bytes must be positive")
	}
	if c.Storage.MaxBackups < 0 {
		problems = append(problems, "max backups cannot be negative")
	}
	if c.Session.TaxRate.IsNegative() {
		problems = append(problems, "tax rate cannot be negative")
	}
	if c.Session.PollInterval <= 0 {
		problems = append(problems, "session poll interval must be positive")
	}
	if c.Sync.RefreshTimeout <= 0 {
		problems = append(problems, "refresh timeout must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

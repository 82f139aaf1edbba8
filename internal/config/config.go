package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port        string `koanf:"port"`
	Environment string `koanf:"environment"`
	Storage     string `koanf:"storage"`
	DatabaseURL string `koanf:"database_url"`
	JWKSURL     string `koanf:"jwks_url"`
	// DevUserID authenticates every request as this user when no JWKS_URL is set (dev only)
	DevUserID   string `koanf:"dev_user_id"`
	CORSOrigins string `koanf:"cors_origins"`
	TablePrefix string `koanf:"table_prefix"`
	LogDir      string `koanf:"log_dir"`
	Debug       bool   `koanf:"debug"`

	// Upstream
	UpstreamBaseURL  string  `koanf:"upstream_base_url"`
	UpstreamAPIKey   string  `koanf:"upstream_api_key"`
	UpstreamRPS      float64 `koanf:"upstream_rps"`
	DefaultModel     string  `koanf:"default_model"`
	DefaultMaxTokens int     `koanf:"default_max_tokens"`
	TokenEncoding    string  `koanf:"token_encoding"`

	// Billing
	PricingTTL      time.Duration `koanf:"pricing_ttl"`
	LocalCurrency   string        `koanf:"local_currency"`
	ExchangeRate    string        `koanf:"exchange_rate"` // local units per USD
	ExchangeRateURL string        `koanf:"exchange_rate_url"`
	GuardInterval   int           `koanf:"guard_interval"`

	// Streams
	StreamRetention time.Duration `koanf:"stream_retention"`
}

var defaults = map[string]interface{}{
	"port":               "8080",
	"environment":        "dev",
	"storage":            StoragePostgres,
	"cors_origins":       "http://localhost:3000",
	"upstream_base_url":  "https://openrouter.ai/api/v1",
	"upstream_rps":       0,
	"default_model":      "openai/gpt-4o-mini",
	"default_max_tokens": 0,
	"token_encoding":     "cl100k_base",
	"pricing_ttl":        "10m",
	"local_currency":     "USD",
	"exchange_rate":      "1",
	"guard_interval":     16,
	"stream_retention":   "5m",
}

// Load layers defaults, an optional TOML file and the environment, in that order.
// Environment keys are the upper-case form of the koanf keys (DATABASE_URL, PRICING_TTL, ...).
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	known := make(map[string]bool, len(defaults))
	for _, key := range knownKeys() {
		known[key] = true
	}
	err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if !known[key] {
			return ""
		}
		return key
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.TablePrefix == "" {
		cfg.TablePrefix = getTablePrefix(cfg.Environment)
	}
	if !k.Exists("debug") {
		cfg.Debug = cfg.Environment != "prod"
	}
	cfg.LocalCurrency = strings.ToUpper(cfg.LocalCurrency)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field requirements
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required),
		validation.Field(&c.Environment, validation.Required, validation.In("dev", "test", "prod")),
		validation.Field(&c.Storage, validation.Required, validation.In(StoragePostgres, StorageMemory)),
		validation.Field(&c.DatabaseURL, validation.When(c.Storage == StoragePostgres, validation.Required)),
		validation.Field(&c.JWKSURL, validation.When(c.DevUserID == "" || c.Environment == "prod", validation.Required)),
		validation.Field(&c.DefaultModel, validation.Required),
		validation.Field(&c.DefaultMaxTokens, validation.Min(0)),
		validation.Field(&c.LocalCurrency, validation.Required, validation.Length(3, 3)),
		validation.Field(&c.ExchangeRate, validation.Required, validation.By(positiveDecimal)),
		validation.Field(&c.GuardInterval, validation.Required, validation.Min(1)),
		validation.Field(&c.UpstreamRPS, validation.Min(float64(0))),
	)
}

// Rate returns the fixed exchange rate; Validate guarantees it parses
func (c Config) Rate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.ExchangeRate)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return rate
}

func positiveDecimal(value interface{}) error {
	s, _ := value.(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return validation.NewError("validation_decimal", "must be a decimal number")
	}
	if !d.IsPositive() {
		return validation.NewError("validation_positive", "must be greater than zero")
	}
	return nil
}

func knownKeys() []string {
	keys := []string{"database_url", "jwks_url", "dev_user_id", "table_prefix", "log_dir", "debug",
		"upstream_api_key", "exchange_rate_url"}
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

// getTablePrefix returns the table prefix based on environment
func getTablePrefix(env string) string {
	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	default:
		return "dev_"
	}
}

// ConfigFile returns the optional TOML path from CONFIG_FILE
func ConfigFile() string {
	return os.Getenv("CONFIG_FILE")
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Features  FeaturesConfig  `json:"features" yaml:"features"`
	Offers    OffersConfig    `json:"offers" yaml:"offers"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port         string `json:"port" yaml:"port"`
	Host         string `json:"host" yaml:"host"`
	EnableTLS    bool   `json:"enable_tls" yaml:"enable_tls"`
	CertFile     string `json:"cert_file" yaml:"cert_file"`
	KeyFile      string `json:"key_file" yaml:"key_file"`
	ReadTimeout  int    `json:"read_timeout" yaml:"read_timeout"`   // in seconds
	WriteTimeout int    `json:"write_timeout" yaml:"write_timeout"` // in seconds
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	// sqlite3, pgx or mysql
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Rate    int  `json:"rate" yaml:"rate"`
	Window  int  `json:"window" yaml:"window"` // in seconds
}

// CacheConfig selects the listing cache backend.
type CacheConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Backend       string `json:"backend" yaml:"backend"` // memory, redis or none
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	TTL           int    `json:"ttl" yaml:"ttl"` // in seconds
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	Environment string  `json:"environment" yaml:"environment"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

// FeaturesConfig holds the initial state of runtime feature flags.
type FeaturesConfig struct {
	EventHooks    bool `json:"event_hooks" yaml:"event_hooks"`
	Realtime      bool `json:"realtime" yaml:"realtime"`
	EnforceExpiry bool `json:"enforce_expiry" yaml:"enforce_expiry"`
}

// OffersConfig holds negotiation rules.
type OffersConfig struct {
	DefaultCurrency string  `json:"default_currency" yaml:"default_currency"`
	MaxAmount       float64 `json:"max_amount" yaml:"max_amount"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15,
			WriteTimeout: 15,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "./offers.db",
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTL:       30,
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			ServiceName: "offer-negotiation-api",
			Environment: "development",
		},
		Features: FeaturesConfig{
			EventHooks: true,
			Realtime:   true,
		},
		Offers: OffersConfig{
			DefaultCurrency: "USD",
			MaxAmount:       1e12,
		},
	}
}

// LoadConfig loads configuration from defaults, an optional config file
// and environment variables, in that order of precedence (last wins).
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON or YAML file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json", "":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")
	setBool(&cfg.Server.EnableTLS, "SERVER_ENABLE_TLS")
	setString(&cfg.Server.CertFile, "SERVER_CERT_FILE")
	setString(&cfg.Server.KeyFile, "SERVER_KEY_FILE")
	setInt(&cfg.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setInt(&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")

	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_DSN")

	if size := os.Getenv("MAX_REQUEST_BODY_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = n
		}
	}
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setBool(&cfg.Cache.Enabled, "CACHE_ENABLED")
	setString(&cfg.Cache.Backend, "CACHE_BACKEND")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "REDIS_DB")
	setInt(&cfg.Cache.TTL, "CACHE_TTL")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "JAEGER_ENDPOINT")
	setString(&cfg.Tracing.ServiceName, "SERVICE_NAME")
	setString(&cfg.Tracing.Environment, "ENVIRONMENT")
	if ratio := os.Getenv("TRACING_SAMPLE_RATIO"); ratio != "" {
		if f, err := strconv.ParseFloat(ratio, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}

	setBool(&cfg.Features.EventHooks, "FEATURE_EVENT_HOOKS")
	setBool(&cfg.Features.Realtime, "FEATURE_REALTIME")
	setBool(&cfg.Features.EnforceExpiry, "FEATURE_ENFORCE_EXPIRY")

	setString(&cfg.Offers.DefaultCurrency, "OFFERS_DEFAULT_CURRENCY")
	if limit := os.Getenv("OFFERS_MAX_AMOUNT"); limit != "" {
		if f, err := strconv.ParseFloat(limit, 64); err == nil {
			cfg.Offers.MaxAmount = f
		}
	}
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = strings.ToLower(value) == "true" || value == "1"
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

// ReadTimeoutDuration returns the server read timeout.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the server write timeout.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TTLDuration returns the cache entry lifetime.
func (c CacheConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// WindowDuration returns the rate limit window.
func (r RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "pgx", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "memory", "none":
		case "redis":
			if c.Cache.RedisAddr == "" {
				return fmt.Errorf("redis_addr is required for the redis cache backend")
			}
		default:
			return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache ttl must be positive")
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	if len(c.Offers.DefaultCurrency) != 3 || strings.ToUpper(c.Offers.DefaultCurrency) != c.Offers.DefaultCurrency {
		return fmt.Errorf("default currency must be a 3-letter uppercase code")
	}
	if c.Offers.MaxAmount <= 0 {
		return fmt.Errorf("max amount must be positive")
	}
	return nil
}

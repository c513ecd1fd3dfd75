// Package config resolves the relay's runtime settings from defaults, an
// optional TOML file and environment variables, in that order.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ErrMissingCredentials is returned by Validate when the storage service
// address or its privileged key is absent. Both are required only while the
// REST identity provider or the REST store is selected, which is the default.
// With jwt identity and a non-REST store the relay starts without them, and
// each of those collaborators is checked against its own settings instead.
var ErrMissingCredentials = errors.New("missing required storage service credentials")

// Collaborator provider names.
const (
	ProviderREST     = "rest"
	ProviderJWT      = "jwt"
	DriverREST       = "rest"
	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DriverRedis      = "redis"
	DriverMemory     = "memory"
	defaultPort      = ":8080"
	defaultTable     = "messages"
	defaultMaxSize   = 64 * 1024
	defaultBurst     = 20
	defaultLiveness  = 30 * time.Second
	defaultWriteWait = 10 * time.Second
	defaultTimeout   = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// StorageService points at the hosted backend that provides both the
// identity endpoint and the REST persistence endpoint.
type StorageService struct {
	URL        string
	ServiceKey string
}

// IdentityConfig selects how access tokens are verified.
type IdentityConfig struct {
	Provider  string
	JWTSecret string
}

// StoreConfig selects where published messages are persisted.
type StoreConfig struct {
	Driver    string
	DSN       string
	Table     string
	RedisAddr string
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string
	Development bool
}

// Config holds the relay configuration.
type Config struct {
	Port                string
	AllowedOrigins      []string
	MaxMessageSize      int64
	RateLimit           RateLimitConfig
	LivenessInterval    time.Duration
	WriteWait           time.Duration
	CollaboratorTimeout time.Duration
	Storage             StorageService
	Identity            IdentityConfig
	Store               StoreConfig
	Log                 LogConfig
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		LivenessInterval:    defaultLiveness,
		WriteWait:           defaultWriteWait,
		CollaboratorTimeout: defaultTimeout,
		Identity:            IdentityConfig{Provider: ProviderREST},
		Store:               StoreConfig{Driver: DriverREST, Table: defaultTable},
		Log:                 LogConfig{Level: "info"},
	}
}

// Sanitize replaces out-of-range values with defaults and normalizes names.
func (c Config) Sanitize() Config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = defaultLiveness
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = defaultTimeout
	}

	c.Identity.Provider = strings.ToLower(strings.TrimSpace(c.Identity.Provider))
	if c.Identity.Provider == "" {
		c.Identity.Provider = ProviderREST
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverREST
	}
	if c.Store.Table == "" {
		c.Store.Table = defaultTable
	}
	c.Storage.URL = strings.TrimRight(strings.TrimSpace(c.Storage.URL), "/")
	c.Storage.ServiceKey = strings.TrimSpace(c.Storage.ServiceKey)
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Validate reports configuration that must stop the process from starting.
func (c Config) Validate() error {
	needsService := c.Identity.Provider == ProviderREST || c.Store.Driver == DriverREST
	if needsService && (c.Storage.URL == "" || c.Storage.ServiceKey == "") {
		return ErrMissingCredentials
	}

	switch c.Identity.Provider {
	case ProviderREST:
	case ProviderJWT:
		if c.Identity.JWTSecret == "" {
			return errors.New("identity provider jwt requires JWT_SECRET")
		}
	default:
		return errors.Errorf("unknown identity provider %q", c.Identity.Provider)
	}

	switch c.Store.Driver {
	case DriverREST, DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			return errors.Errorf("store driver %s requires STORE_DSN", c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store driver redis requires REDIS_ADDR")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Load builds the configuration from the TOML file at path (skipped when
// path is empty or the file does not exist) and the process environment.
// The result is sanitized but not validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var file fileConfig
			if _, err := toml.DecodeFile(path, &file); err != nil {
				return Config{}, errors.Wrapf(err, "parse config file %s", path)
			}
			cfg = file.apply(cfg)
		} else if !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "stat config file %s", path)
		}
	}

	return applyEnv(cfg, os.Getenv).Sanitize(), nil
}

func applyEnv(cfg Config, getenv func(string) string) Config {
	if port := getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if v := getenv("SUPABASE_URL"); v != "" {
		cfg.Storage.URL = v
	}
	if v := getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		cfg.Storage.ServiceKey = v
	}
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if interval := getenv("LIVENESS_INTERVAL"); interval != "" {
		cfg.LivenessInterval = parseSeconds(interval, cfg.LivenessInterval)
	}
	if timeout := getenv("COLLABORATOR_TIMEOUT"); timeout != "" {
		cfg.CollaboratorTimeout = parseSeconds(timeout, cfg.CollaboratorTimeout)
	}
	if v := getenv("IDENTITY_PROVIDER"); v != "" {
		cfg.Identity.Provider = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		cfg.Identity.JWTSecret = v
	}
	if v := getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := getenv("STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := getenv("STORE_TABLE"); v != "" {
		cfg.Store.Table = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("LOG_DEVELOPMENT"); v != "" {
		if dev, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Development = dev
		}
	}
	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

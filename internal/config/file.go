package config

import "time"

// fileConfig mirrors the TOML layout of the optional config file. Durations
// are expressed in seconds; zero values leave the current setting untouched.
type fileConfig struct {
	Server   serverSection   `toml:"server"`
	Limits   limitsSection   `toml:"limits"`
	Storage  storageSection  `toml:"storage"`
	Identity identitySection `toml:"identity"`
	Store    storeSection    `toml:"store"`
	Log      logSection      `toml:"log"`
}

type serverSection struct {
	Port                       string   `toml:"port"`
	AllowedOrigins             []string `toml:"allowed_origins"`
	LivenessIntervalSeconds    int      `toml:"liveness_interval_seconds"`
	WriteWaitSeconds           int      `toml:"write_wait_seconds"`
	CollaboratorTimeoutSeconds int      `toml:"collaborator_timeout_seconds"`
}

type limitsSection struct {
	MaxMessageSize        int64 `toml:"max_message_size"`
	RateLimitBurst        int   `toml:"rate_limit_burst"`
	RateLimitRefillSecond int   `toml:"rate_limit_refill_seconds"`
}

type storageSection struct {
	URL        string `toml:"url"`
	ServiceKey string `toml:"service_key"`
}

type identitySection struct {
	Provider  string `toml:"provider"`
	JWTSecret string `toml:"jwt_secret"`
}

type storeSection struct {
	Driver    string `toml:"driver"`
	DSN       string `toml:"dsn"`
	Table     string `toml:"table"`
	RedisAddr string `toml:"redis_addr"`
}

type logSection struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func (f fileConfig) apply(cfg Config) Config {
	if f.Server.Port != "" {
		cfg.Port = f.Server.Port
	}
	if len(f.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = append([]string(nil), f.Server.AllowedOrigins...)
	}
	if f.Server.LivenessIntervalSeconds > 0 {
		cfg.LivenessInterval = time.Duration(f.Server.LivenessIntervalSeconds) * time.Second
	}
	if f.Server.WriteWaitSeconds > 0 {
		cfg.WriteWait = time.Duration(f.Server.WriteWaitSeconds) * time.Second
	}
	if f.Server.CollaboratorTimeoutSeconds > 0 {
		cfg.CollaboratorTimeout = time.Duration(f.Server.CollaboratorTimeoutSeconds) * time.Second
	}

	if f.Limits.MaxMessageSize > 0 {
		cfg.MaxMessageSize = f.Limits.MaxMessageSize
	}
	if f.Limits.RateLimitBurst > 0 {
		cfg.RateLimit.Burst = f.Limits.RateLimitBurst
	}
	if f.Limits.RateLimitRefillSecond > 0 {
		cfg.RateLimit.RefillInterval = time.Duration(f.Limits.RateLimitRefillSecond) * time.Second
	}

	if f.Storage.URL != "" {
		cfg.Storage.URL = f.Storage.URL
	}
	if f.Storage.ServiceKey != "" {
		cfg.Storage.ServiceKey = f.Storage.ServiceKey
	}

	if f.Identity.Provider != "" {
		cfg.Identity.Provider = f.Identity.Provider
	}
	if f.Identity.JWTSecret != "" {
		cfg.Identity.JWTSecret = f.Identity.JWTSecret
	}

	if f.Store.Driver != "" {
		cfg.Store.Driver = f.Store.Driver
	}
	if f.Store.DSN != "" {
		cfg.Store.DSN = f.Store.DSN
	}
	if f.Store.Table != "" {
		cfg.Store.Table = f.Store.Table
	}
	if f.Store.RedisAddr != "" {
		cfg.Store.RedisAddr = f.Store.RedisAddr
	}

	if f.Log.Level != "" {
		cfg.Log.Level = f.Log.Level
	}
	if f.Log.Development {
		cfg.Log.Development = true
	}
	return cfg
}

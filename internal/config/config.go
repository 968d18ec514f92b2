// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// built once at startup and passed into component constructors; nothing reads
// configuration ambiently after that.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Validator ValidatorConfig `mapstructure:"validator"`
	SSRF      SSRFConfig      `mapstructure:"ssrf"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	History   HistoryConfig   `mapstructure:"history"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int  `mapstructure:"port"`
	TrustProxy      bool `mapstructure:"trust_proxy"`
	RequestTimeoutS int  `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ValidatorConfig governs URL syntax and policy checks.
type ValidatorConfig struct {
	MaxURLLength int   `mapstructure:"max_url_length"`
	AllowedPorts []int `mapstructure:"allowed_ports"`
	AllowLocal   bool  `mapstructure:"allow_local"`
}

// SSRFConfig lists additional CIDR ranges blocked on top of the built-ins.
type SSRFConfig struct {
	ExtraBlockedCIDRs []string `mapstructure:"extra_blocked_cidrs"`
}

// FetchConfig bounds the outbound fetch pipeline.
type FetchConfig struct {
	ConnectTimeoutS int     `mapstructure:"connect_timeout_seconds"`
	TotalTimeoutS   int     `mapstructure:"total_timeout_seconds"`
	MaxRedirects    int     `mapstructure:"max_redirects"`
	MaxBodyBytes    int64   `mapstructure:"max_body_bytes"`
	UserAgent       string  `mapstructure:"user_agent"`
	PerHostRPS      float64 `mapstructure:"per_host_rps"`
	PerHostBurst    int     `mapstructure:"per_host_burst"`
}

// CacheConfig governs the response cache.
type CacheConfig struct {
	Enabled     bool  `mapstructure:"enabled"`
	TTLSeconds  int64 `mapstructure:"ttl_seconds"`
	MaxRawBytes int64 `mapstructure:"max_raw_bytes"`
}

// RateLimitConfig governs the sliding-window limiter.
type RateLimitConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Limit            int      `mapstructure:"limit"`
	WindowSeconds    int64    `mapstructure:"window_seconds"`
	RetentionSeconds int64    `mapstructure:"retention_seconds"`
	Whitelist        []string `mapstructure:"whitelist"`
}

// HistoryConfig toggles analysis history recording.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StorageConfig selects the raw-payload blob tier backend.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"` // memory | local | gcs
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig selects the structured store backend.
type DatabaseConfig struct {
	Provider string `mapstructure:"provider"` // memory | sqlite | postgres
	Path     string `mapstructure:"path"`     // sqlite directory
	DSN      string `mapstructure:"dsn"`      // postgres
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for analysis-completed notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CleanupConfig schedules the background sweeps using cron specs.
type CleanupConfig struct {
	CacheSpec   string `mapstructure:"cache_spec"`
	RecordsSpec string `mapstructure:"records_spec"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEOSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("validator.max_url_length", 2048)
	v.SetDefault("validator.allowed_ports", []int{80, 443})
	v.SetDefault("validator.allow_local", false)
	v.SetDefault("fetch.connect_timeout_seconds", 10)
	v.SetDefault("fetch.total_timeout_seconds", 30)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.max_body_bytes", 2_000_000)
	v.SetDefault("fetch.user_agent", "seoscope-bot/0.1")
	v.SetDefault("fetch.per_host_rps", 2)
	v.SetDefault("fetch.per_host_burst", 2)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_seconds", 6*60*60)
	v.SetDefault("cache.max_raw_bytes", 2_000_000)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.limit", 30)
	v.SetDefault("ratelimit.window_seconds", 60*60)
	v.SetDefault("ratelimit.retention_seconds", 24*60*60)
	v.SetDefault("history.enabled", true)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("database.provider", "memory")
	v.SetDefault("cleanup.cache_spec", "@every 10m")
	v.SetDefault("cleanup.records_spec", "@every 1h")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Validator.MaxURLLength <= 0 {
		return fmt.Errorf("validator.max_url_length must be > 0")
	}
	if len(c.Validator.AllowedPorts) == 0 {
		return fmt.Errorf("validator.allowed_ports must not be empty")
	}
	if c.Fetch.ConnectTimeoutS <= 0 || c.Fetch.TotalTimeoutS <= 0 {
		return fmt.Errorf("fetch timeouts must be > 0")
	}
	if c.Fetch.TotalTimeoutS < c.Fetch.ConnectTimeoutS {
		return fmt.Errorf("fetch.total_timeout_seconds must be >= fetch.connect_timeout_seconds")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Cache.Enabled && c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0 when cache is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("ratelimit.limit must be > 0 when rate limiting is enabled")
		}
		if c.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("ratelimit.window_seconds must be > 0 when rate limiting is enabled")
		}
		if c.RateLimit.RetentionSeconds < c.RateLimit.WindowSeconds {
			return fmt.Errorf("ratelimit.retention_seconds must be >= ratelimit.window_seconds")
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	switch c.Database.Provider {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path must be set for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for postgres")
		}
	default:
		return fmt.Errorf("unknown database provider %q", c.Database.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// ConnectTimeout returns the fetch connect timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Fetch.ConnectTimeoutS) * time.Second
}

// TotalTimeout returns the fetch total timeout as a duration.
func (c Config) TotalTimeout() time.Duration {
	return time.Duration(c.Fetch.TotalTimeoutS) * time.Second
}

// CacheTTL returns the cache entry lifetime as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RateWindow returns the rolling admission window as a duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// RateRetention returns the request-record retention horizon as a duration.
func (c Config) RateRetention() time.Duration {
	return time.Duration(c.RateLimit.RetentionSeconds) * time.Second
}

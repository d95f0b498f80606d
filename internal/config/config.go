// Package config loads syncql settings from a YAML file, SYNCQL_*
// environment variables and defaults, in increasing order of precedence:
// defaults < file < environment < explicit Set calls.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: SYNCQL_ENDPOINT,
// SYNCQL_CACHE_MAX_ENTRIES and so on.
const EnvPrefix = "SYNCQL"

// Config is the full configuration.
type Config struct {
	Endpoint         string `mapstructure:"endpoint"`
	RealtimeEndpoint string `mapstructure:"realtime_endpoint"`
	Database         string `mapstructure:"database"`

	// Catalog is a .cue file or directory of operations. Empty means the
	// built-in Todo catalog.
	Catalog string `mapstructure:"catalog"`

	Cache    CacheConfig    `mapstructure:"cache"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type CacheConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type EngineConfig struct {
	Workers int `mapstructure:"workers"`
}

type DispatchConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// AuthConfig selects a token provider: a static token, a token file, or
// OAuth2 client credentials, checked in that order.
type AuthConfig struct {
	Token        string   `mapstructure:"token"`
	TokenFile    string   `mapstructure:"token_file"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`

	// File enables rotated file logging in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Database: "syncql.db",
		Cache:    CacheConfig{MaxEntries: 1000},
		Engine:   EngineConfig{Workers: 8},
		Dispatch: DispatchConfig{QueueSize: 256},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  4 * time.Second,
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// New returns a viper instance with defaults and environment binding set
// up. path, when non-empty, is read as YAML by Load.
func New(path string) *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("realtime_endpoint", d.RealtimeEndpoint)
	v.SetDefault("database", d.Database)
	v.SetDefault("catalog", d.Catalog)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("dispatch.queue_size", d.Dispatch.QueueSize)
	v.SetDefault("retry.attempts", d.Retry.Attempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.token_url", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads the config file (if any) into v and decodes the result.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is New followed by Load.
func LoadFile(path string) (Config, error) {
	return Load(New(path))
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be >= 0, got %d", c.Cache.MaxEntries))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be >= 1, got %d", c.Engine.Workers))
	}
	if c.Dispatch.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size must be >= 1, got %d", c.Dispatch.QueueSize))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be >= 1, got %d", c.Retry.Attempts))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 <= base_delay (%s) <= max_delay (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if a := c.Auth; a.ClientID != "" && (a.ClientSecret == "" || a.TokenURL == "") {
		errs = append(errs, errors.New("auth.client_id needs auth.client_secret and auth.token_url"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RequireEndpoint reports a missing endpoint. Commands that only read the
// local store do not need one.
func (c Config) RequireEndpoint() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint is required (set it in the config file or %s_ENDPOINT)", EnvPrefix)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level: unknown level %q", s)
}

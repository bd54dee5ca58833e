// Package config loads and validates process-level configuration for the
// proxy.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Runtime configuration — the provider chain, token allow-list, cooldown and
// rectifier flags — lives in the store and is managed over the admin API,
// not here. This package only covers what must be known before the server
// can start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// AdminToken guards the /admin API. Empty disables the admin surface.
	AdminToken string

	// Debug forces every provider available regardless of breaker cooldowns
	// and enables verbose logging. Any non-empty truthy value enables it.
	Debug bool

	// CooldownSec is the default breaker cooldown cap in seconds, used until
	// an operator stores a cooldown_duration entry. Default: 300.
	CooldownSec int

	// PrimaryURL overrides the Anthropic Messages endpoint. Useful for local
	// mocks. Leave empty for the production endpoint.
	PrimaryURL string

	// Store selects the KV backend holding runtime config and breaker state.
	Store StoreConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// StoreConfig selects and configures the KV backend.
type StoreConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis-backed store (requires REDIS_URL). Recommended for
	//              production: breaker state survives restarts and is shared
	//              across replicas.
	//   "memory" — In-process store. No external deps; state is lost on
	//              restart and not shared.
	// Default: "memory".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("COOLDOWN_DURATION", 300)
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
		Debug:       truthy(v.GetString("DEBUG")),
		CooldownSec: v.GetInt("COOLDOWN_DURATION"),
		PrimaryURL:  v.GetString("ANTHROPIC_BASE_URL"),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CooldownSec < 0 {
		return fmt.Errorf("config: COOLDOWN_DURATION must be ≥ 0, got %d", c.CooldownSec)
	}

	switch c.Store.Mode {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when STORE_MODE=redis; " +
					"set STORE_MODE=memory to use the built-in in-process store",
			)
		}
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, memory",
			c.Store.Mode,
		)
	}

	return nil
}

// truthy interprets DEBUG-style env values: any non-empty value except
// "false"/"0" enables the flag.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "off":
		return false
	}
	return true
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

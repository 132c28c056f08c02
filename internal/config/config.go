// Package config defines the service configuration and its defaults.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/predicta/internal/address"
)

// DefaultProgramID is the program identity every record address is
// derived under.
const DefaultProgramID = "2hakTPzFyYLXDE2WRw2aJBaTmC8wEGpinLLmECd8CGNR"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Program  ProgramConfig  `toml:"program"`
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	Fixtures FixturesConfig `toml:"fixtures"`
	Faucet   FaucetConfig   `toml:"faucet"`
}

// ProgramConfig identifies the program records are derived under.
type ProgramConfig struct {
	ID string `toml:"id"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	Backend       string `toml:"backend"`
	LevelDBPath   string `toml:"leveldb_path"`
	DatabaseURL   string `toml:"database_url"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read cache and the event stream. Both are off
// when URL is empty.
type RedisConfig struct {
	URL           string   `toml:"url"`
	CacheTTL      duration `toml:"cache_ttl"`
	Stream        string   `toml:"stream"`
	PublishEvents bool     `toml:"publish_events"`
}

// AuthConfig controls request signature checks.
type AuthConfig struct {
	Required bool     `toml:"required"`
	MaxSkew  duration `toml:"max_skew"`
}

// FixturesConfig configures the football-data.org importer.
type FixturesConfig struct {
	BaseURL        string   `toml:"base_url"`
	Token          string   `toml:"token"`
	Competitions   []string `toml:"competitions"`
	MarketDuration duration `toml:"market_duration"`
	Workers        int      `toml:"workers"`
	Timeout        duration `toml:"timeout"`
}

// FaucetConfig gates the development airdrop endpoint.
type FaucetConfig struct {
	Enabled     bool   `toml:"enabled"`
	MaxLamports uint64 `toml:"max_lamports"`
}

// duration wraps time.Duration so TOML can decode strings like "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Program:  ProgramConfig{ID: DefaultProgramID},
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Storage: StorageConfig{
			Backend:       BackendMemory,
			LevelDBPath:   "data/ledger",
			PoolMaxConns:  10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:      duration{30 * time.Second},
			Stream:        "predicta:predictions",
			PublishEvents: true,
		},
		Auth: AuthConfig{
			Required: true,
			MaxSkew:  duration{5 * time.Minute},
		},
		Fixtures: FixturesConfig{
			BaseURL:        "https://api.football-data.org",
			MarketDuration: duration{2 * time.Hour},
			Workers:        4,
			Timeout:        duration{10 * time.Second},
		},
		Faucet: FaucetConfig{
			Enabled:     false,
			MaxLamports: 10_000_000_000,
		},
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return validLogLevels[strings.ToLower(c.LogLevel)]
}

// ProgramID parses the configured program identity.
func (c *Config) ProgramID() (address.Address, error) {
	return address.Parse(c.Program.ID)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if _, err := c.ProgramID(); err != nil {
		errs = append(errs, fmt.Sprintf("program: invalid id %q", c.Program.ID))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.Storage.LevelDBPath == "" {
			errs = append(errs, "storage: leveldb_path is required for the leveldb backend")
		}
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, "storage: database_url is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, leveldb, postgres)", c.Storage.Backend))
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration < 0 {
		errs = append(errs, "redis: cache_ttl must not be negative")
	}
	if c.Auth.Required && c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, "auth: max_skew must be positive when auth is required")
	}
	if c.Fixtures.MarketDuration.Duration <= 0 {
		errs = append(errs, "fixtures: market_duration must be positive")
	}
	if c.Fixtures.Workers <= 0 {
		errs = append(errs, "fixtures: workers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

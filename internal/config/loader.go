package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) on top of
// the defaults, loads .env if present, then applies environment overrides.
// The result has NOT been validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides applies PREDICTA_* variables, then the short legacy
// names PORT, DATABASE_URL and REDIS_URL, which win when set. DATABASE_URL
// also moves the default memory backend to postgres.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "PREDICTA_LOG_LEVEL")
	setStr(&cfg.Program.ID, "PREDICTA_PROGRAM_ID")

	// ── Server ──
	setInt(&cfg.Server.Port, "PREDICTA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICTA_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "PREDICTA_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PREDICTA_SERVER_SHUTDOWN_TIMEOUT")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "PREDICTA_STORAGE_BACKEND")
	setStr(&cfg.Storage.LevelDBPath, "PREDICTA_STORAGE_LEVELDB_PATH")
	setStr(&cfg.Storage.DatabaseURL, "PREDICTA_STORAGE_DATABASE_URL")
	setInt(&cfg.Storage.PoolMaxConns, "PREDICTA_STORAGE_POOL_MAX_CONNS")
	setBool(&cfg.Storage.RunMigrations, "PREDICTA_STORAGE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "PREDICTA_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PREDICTA_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Stream, "PREDICTA_REDIS_STREAM")
	setBool(&cfg.Redis.PublishEvents, "PREDICTA_REDIS_PUBLISH_EVENTS")

	// ── Auth ──
	setBool(&cfg.Auth.Required, "PREDICTA_AUTH_REQUIRED")
	setDuration(&cfg.Auth.MaxSkew, "PREDICTA_AUTH_MAX_SKEW")

	// ── Fixtures ──
	setStr(&cfg.Fixtures.BaseURL, "PREDICTA_FIXTURES_BASE_URL")
	setStr(&cfg.Fixtures.Token, "PREDICTA_FIXTURES_TOKEN")
	setStringSlice(&cfg.Fixtures.Competitions, "PREDICTA_FIXTURES_COMPETITIONS")
	setDuration(&cfg.Fixtures.MarketDuration, "PREDICTA_FIXTURES_MARKET_DURATION")
	setInt(&cfg.Fixtures.Workers, "PREDICTA_FIXTURES_WORKERS")

	// ── Faucet ──
	setBool(&cfg.Faucet.Enabled, "PREDICTA_FAUCET_ENABLED")
	setUint64(&cfg.Faucet.MaxLamports, "PREDICTA_FAUCET_MAX_LAMPORTS")

	// ── Legacy ──
	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		if cfg.Storage.Backend == BackendMemory {
			cfg.Storage.Backend = BackendPostgres
		}
	}
	setStr(&cfg.Redis.URL, "REDIS_URL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}

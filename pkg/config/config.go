// Package config loads service configuration from the environment and the
// optional resilience profile file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration. Values come from the environment;
// DATABASE_URL is mandatory and never logged.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string
	DatabaseDriver string
	RedisAddr      string
	ProfilePath    string
	TokenSecret    string
	TokenTTL       time.Duration
	ApplyMigrations bool
}

// Load reads configuration from environment variables. Migration apply is
// opt-in via PROCGUARD_APPLY_MIGRATIONS=true; the schema is never touched by
// default.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "postgres"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		ProfilePath:    os.Getenv("PROCGUARD_PROFILE"),
		TokenSecret:    os.Getenv("PROCGUARD_TOKEN_SECRET"),
		TokenTTL:       8 * time.Hour,
		ApplyMigrations: os.Getenv("PROCGUARD_APPLY_MIGRATIONS") == "true",
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("config: unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	if raw := os.Getenv("PROCGUARD_TOKEN_TTL_MINUTES"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("config: invalid PROCGUARD_TOKEN_TTL_MINUTES %q", raw)
		}
		cfg.TokenTTL = time.Duration(minutes) * time.Minute
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

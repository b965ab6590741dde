// Package config reads server settings from the environment, after loading a .env file when
// one is present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"museum-presence/hub"
)

type Config struct {
	Port           string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	Hub hub.Config

	UpgradeRate  float64
	UpgradeBurst int
	SendBuffer   int
}

func Default() Config {
	return Config{
		Port:           "8080",
		LogLevel:       "info",
		LogFormat:      "text",
		AllowedOrigins: []string{"*"},
		Hub:            hub.DefaultConfig(),
		UpgradeRate:    5,
		UpgradeBurst:   10,
		SendBuffer:     256,
	}
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, falling back to Default for unset keys.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	duration := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}

	str("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	if v := strings.TrimSpace(getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	duration("POSITION_RATE_WINDOW", &cfg.Hub.PositionWindow)
	integer("POSITION_RATE_MAX", &cfg.Hub.PositionMax)
	duration("COMMENT_RATE_WINDOW", &cfg.Hub.CommentWindow)
	integer("COMMENT_RATE_MAX", &cfg.Hub.CommentMax)
	duration("LIMITER_CLEANUP_INTERVAL", &cfg.Hub.CleanupInterval)
	integer("UPGRADE_BURST", &cfg.UpgradeBurst)
	integer("SEND_BUFFER", &cfg.SendBuffer)

	if v := strings.TrimSpace(getenv("UPGRADE_RATE")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			errs = append(errs, fmt.Errorf("UPGRADE_RATE: invalid rate %q", v))
		} else {
			cfg.UpgradeRate = r
		}
	}

	switch cfg.LogFormat {
	case "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", cfg.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

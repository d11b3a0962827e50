// Package config loads the immutable process configuration from the
// environment at startup. Services receive a Config value; nothing reads
// environment variables after boot, which keeps secrets injectable in tests.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings for the auth service.
type Config struct {
	Addr string

	// PGDSN enables the direct Postgres session store. StoreURL enables the
	// remote store client instead; exactly one of the two backs the gateway
	// in production, and tests run on the in-memory store.
	PGDSN    string
	StoreURL string

	// TokenSecret signs both user access tokens and backend service tokens.
	TokenSecret string

	AccessTTL  time.Duration
	ServiceTTL time.Duration
	RefreshTTL time.Duration
	SessionTTL time.Duration

	// StoreTimeout bounds every call to the persistent session store.
	StoreTimeout time.Duration

	RateBurst  int
	RatePerSec int
}

// Load builds Config from the environment. A .env file, when present, is
// loaded first for development convenience; real environments win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:         getEnv("MEDILINK_ADDR", ":8080"),
		PGDSN:        os.Getenv("MEDILINK_PG_DSN"),
		StoreURL:     os.Getenv("MEDILINK_STORE_URL"),
		TokenSecret:  os.Getenv("MEDILINK_TOKEN_SECRET"),
		AccessTTL:    15 * time.Minute,
		ServiceTTL:   5 * time.Minute,
		RefreshTTL:   14 * 24 * time.Hour,
		SessionTTL:   30 * 24 * time.Hour,
		StoreTimeout: 5 * time.Second,
		RateBurst:    getEnvInt("MEDILINK_RATE_BURST", 20),
		RatePerSec:   getEnvInt("MEDILINK_RATE_PER_SEC", 10),
	}

	var err error
	if cfg.AccessTTL, err = getEnvDuration("MEDILINK_ACCESS_TTL", cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.ServiceTTL, err = getEnvDuration("MEDILINK_SERVICE_TTL", cfg.ServiceTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = getEnvDuration("MEDILINK_REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = getEnvDuration("MEDILINK_SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = getEnvDuration("MEDILINK_STORE_TIMEOUT", cfg.StoreTimeout); err != nil {
		return Config{}, err
	}

	if cfg.TokenSecret == "" {
		return Config{}, errors.New("config: MEDILINK_TOKEN_SECRET is required")
	}
	if cfg.PGDSN != "" && cfg.StoreURL != "" {
		return Config{}, errors.New("config: MEDILINK_PG_DSN and MEDILINK_STORE_URL are mutually exclusive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Client side.
	ServerURL   string // websocket endpoint of the fleet server
	APIBaseURL  string // REST base for snapshot and permission fetches
	Username    string
	Password    string
	LogLevel    string
	BackoffBase time.Duration // first reconnect delay
	BackoffCap  time.Duration // ceiling for the exponential backoff
	MaxAttempts int           // consecutive failures before giving up

	// Simulator side (cmd/fleetsimd only).
	SimPort      int
	SimJWTSecret string
}

func Load() *Config {
	// A .env alongside the binary is convenient in development; absence is
	// not an error.
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:    "ws://localhost:41320/ws",
		APIBaseURL:   "http://localhost:41320",
		LogLevel:     "info",
		BackoffBase:  time.Second,
		BackoffCap:   30 * time.Second,
		MaxAttempts:  5,
		SimPort:      41320,
		SimJWTSecret: getEnv("FLEETSYNC_JWT_SECRET", ""),
	}

	if v := getEnv("FLEETSYNC_SERVER_URL", ""); v != "" {
		cfg.ServerURL = v
	}
	if v := getEnv("FLEETSYNC_API_URL", ""); v != "" {
		cfg.APIBaseURL = v
	}
	if v := getEnv("FLEETSYNC_USERNAME", ""); v != "" {
		cfg.Username = v
	}
	if v := getEnv("FLEETSYNC_PASSWORD", ""); v != "" {
		cfg.Password = v
	}
	if v := getEnv("FLEETSYNC_LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnv("FLEETSYNC_BACKOFF_BASE_MS", ""); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.BackoffBase = time.Duration(ms) * time.Millisecond
		}
	}
	if v := getEnv("FLEETSYNC_BACKOFF_CAP_MS", ""); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.BackoffCap = time.Duration(ms) * time.Millisecond
		}
	}
	if v := getEnv("FLEETSYNC_MAX_ATTEMPTS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := getEnv("FLEETSYNC_SIM_PORT", ""); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SimPort = port
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

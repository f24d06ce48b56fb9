package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Telegram
	BotToken string

	// HTTP
	HTTPPort int

	// Database
	DBPath string

	// Networks
	NetworksFile   string
	DefaultChainID int64

	// Watchers
	WatchTimeout      time.Duration
	PollInterval      time.Duration
	MaxLookbackBlocks uint64
	EventBuffer       int

	// RPC
	RPCRateLimit float64
	RPCTimeout   time.Duration

	// Background
	ReconcileInterval time.Duration

	LogLevel slog.Level
}

func Load() *Config {
	return &Config{
		// Telegram
		BotToken: getEnv("BOT_TOKEN", ""),

		// HTTP
		HTTPPort: getEnvInt("HTTP_PORT", 8080),

		// Database
		DBPath: getEnv("DB_PATH", "./deposits.db"),

		// Networks
		NetworksFile:   getEnv("NETWORKS_FILE", "./networks.yaml"),
		DefaultChainID: getEnvInt64("DEFAULT_CHAIN_ID", 0),

		// Watchers
		WatchTimeout:      getEnvDuration("WATCH_TIMEOUT", 3*time.Minute),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 5*time.Second),
		MaxLookbackBlocks: uint64(getEnvInt64("MAX_LOOKBACK_BLOCKS", 100)),
		EventBuffer:       getEnvInt("EVENT_BUFFER", 64),

		// RPC
		RPCRateLimit: getEnvFloat("RPC_RATE_LIMIT", 10),
		RPCTimeout:   getEnvDuration("RPC_TIMEOUT", 15*time.Second),

		// Background
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil && i >= 0 {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

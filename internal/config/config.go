package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	BindAddress string `env:"BIND_ADDRESS"`
	LogLevel    string `env:"LOG_LEVEL"`
	DatabaseURL string `env:"DATABASE_URL,secret"`
	RedisURL    string `env:"REDIS_URL,secret"`
	AdminAPIKey string `env:"ADMIN_API_KEY,secret"`

	MaxConnections          uint32 `env:"MAX_CONNECTIONS"`
	UserMessageIntervalSecs int64  `env:"USER_MESSAGE_INTERVAL_SECS"`
	SyncIntervalSeconds     uint64 `env:"SYNC_INTERVAL_SECONDS"`

	// Callback targets. Each one is independently optional; an empty URL
	// disables that event family.
	DataCallbackURL           string `env:"DATA_CALLBACK_URL"`
	RoomEventCallbackURL      string `env:"ROOM_EVENT_CALLBACK_URL"`
	ChatHistoryCallbackURL    string `env:"CHAT_HISTORY_CALLBACK_URL"`
	SessionHistoryCallbackURL string `env:"SESSION_HISTORY_CALLBACK_URL"`
	PeriodicSyncCallbackURL   string `env:"PERIODIC_SYNC_CALLBACK_URL"`

	ChatHistoryBatchSize               uint32 `env:"CHAT_HISTORY_BATCH_SIZE"`
	SessionHistoryBatchSize            uint32 `env:"SESSION_HISTORY_BATCH_SIZE"`
	ChatHistoryBatchIntervalSeconds    uint64 `env:"CHAT_HISTORY_BATCH_INTERVAL_SECONDS"`
	SessionHistoryBatchIntervalSeconds uint64 `env:"SESSION_HISTORY_BATCH_INTERVAL_SECONDS"`

	CallbackMaxRetries        uint32 `env:"CALLBACK_MAX_RETRIES"`
	CallbackRetryDelaySeconds uint64 `env:"CALLBACK_RETRY_DELAY_SECONDS"`
	CallbackTimeoutSeconds    uint64 `env:"CALLBACK_TIMEOUT_SECONDS"`
}

// Load reads configuration from environment variables. The admin API key has
// no sensible default; a missing key is a startup error.
func Load() (*Config, error) {
	adminKey := getEnv("ADMIN_API_KEY", "")
	if adminKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY must be set")
	}

	cfg := &Config{
		BindAddress: getEnv("BIND_ADDRESS", "0.0.0.0:3000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		AdminAPIKey: adminKey,

		MaxConnections:          uint32(getEnvUint("MAX_CONNECTIONS", 100000)),
		UserMessageIntervalSecs: int64(getEnvUint("USER_MESSAGE_INTERVAL_SECS", 0)),
		SyncIntervalSeconds:     getEnvUint("SYNC_INTERVAL_SECONDS", 300),

		DataCallbackURL:           getEnv("DATA_CALLBACK_URL", ""),
		RoomEventCallbackURL:      getEnv("ROOM_EVENT_CALLBACK_URL", ""),
		ChatHistoryCallbackURL:    getEnv("CHAT_HISTORY_CALLBACK_URL", ""),
		SessionHistoryCallbackURL: getEnv("SESSION_HISTORY_CALLBACK_URL", ""),
		PeriodicSyncCallbackURL:   getEnv("PERIODIC_SYNC_CALLBACK_URL", ""),

		ChatHistoryBatchSize:               uint32(getEnvUint("CHAT_HISTORY_BATCH_SIZE", 1000)),
		SessionHistoryBatchSize:            uint32(getEnvUint("SESSION_HISTORY_BATCH_SIZE", 500)),
		ChatHistoryBatchIntervalSeconds:    getEnvUint("CHAT_HISTORY_BATCH_INTERVAL_SECONDS", 300),
		SessionHistoryBatchIntervalSeconds: getEnvUint("SESSION_HISTORY_BATCH_INTERVAL_SECONDS", 600),

		CallbackMaxRetries:        uint32(getEnvUint("CALLBACK_MAX_RETRIES", 3)),
		CallbackRetryDelaySeconds: getEnvUint("CALLBACK_RETRY_DELAY_SECONDS", 5),
		CallbackTimeoutSeconds:    getEnvUint("CALLBACK_TIMEOUT_SECONDS", 30),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// Package config provides configuration loading and management for the application.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	LogLevel  string
	LogFormat string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Prefix for every persisted key
	StorageKey string
	// SQLite database for persisted state; empty keeps state in memory
	StoragePath string

	// Chain catalog file (yaml, json or toml); empty uses the built-in chains
	ChainsFile string

	// Connectors enabled in the demo server, e.g. "mock,node"
	Connectors []string
	// JSON-RPC endpoint for the node connector
	NodeURL string
	// Hex private key backing the mock connector; empty generates one
	MockKey string

	// Read engine tuning
	BatchWait    time.Duration
	BatchSize    int
	CacheTime    time.Duration
	CallTimeout  time.Duration
	PollInterval time.Duration

	// Upstream RPC transport
	RequestTimeout    time.Duration
	RPCRateLimit      float64
	RPCBurst          int
	MaxFailures       int
	CircuitResetDelay time.Duration

	// Inbound API limiter
	RequestsPerSecond float64
	RequestBurst      int

	// State change webhook; empty disables export
	WebhookURL     string
	WebhookAPIKey  string
	ExportInterval time.Duration
}

// Load reads an optional .env file and then creates a Config from environment
// variables. Variables already set in the environment win over .env entries.
func Load() Config {
	LoadDotEnv(GetEnvOrDefault("ENV_FILE", ".env"))

	return Config{
		Port:              GetEnvOrDefault("PORT", "8080"),
		LogLevel:          strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
		OtelEndpoint:      GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		StorageKey:        GetEnvOrDefault("STORAGE_KEY", "walletsync"),
		StoragePath:       GetEnvOrDefault("STORAGE_PATH", ""),
		ChainsFile:        GetEnvOrDefault("CHAINS_FILE", ""),
		Connectors:        GetEnvAsList("CONNECTORS", []string{"mock"}),
		NodeURL:           GetEnvOrDefault("NODE_URL", "http://127.0.0.1:8545"),
		MockKey:           GetEnvOrDefault("MOCK_PRIVATE_KEY", ""),
		BatchWait:         GetEnvAsDuration("BATCH_WAIT", 0),
		BatchSize:         GetEnvAsInt("BATCH_SIZE", 500),
		CacheTime:         GetEnvAsDuration("CACHE_TIME", 5*time.Minute),
		CallTimeout:       GetEnvAsDuration("CALL_TIMEOUT", 10*time.Second),
		PollInterval:      GetEnvAsDuration("BLOCK_POLL_INTERVAL", 12*time.Second),
		RequestTimeout:    GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RPCRateLimit:      GetEnvAsFloat("RPC_RATE_LIMIT", 20),
		RPCBurst:          GetEnvAsInt("RPC_BURST", 40),
		MaxFailures:       GetEnvAsInt("RPC_MAX_FAILURES", 5),
		CircuitResetDelay: GetEnvAsDuration("CIRCUIT_RESET_DELAY", 30*time.Second),
		RequestsPerSecond: GetEnvAsFloat("REQUESTS_PER_SECOND", 10),
		RequestBurst:      GetEnvAsInt("REQUEST_BURST", 20),
		WebhookURL:        GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:     GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		ExportInterval:    GetEnvAsDuration("EXPORT_INTERVAL", time.Minute),
	}
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Failed to load %s: %v", path, err)
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvAsList splits a comma separated variable, dropping blanks.
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := GetEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

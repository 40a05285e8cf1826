package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, read from environment variables.
type Config struct {
	// HTTP
	ListenAddr     string
	AllowedOrigins []string

	// Storage
	DBPath string

	// Scorer backends
	OllamaURL    string
	OpenAIURL    string
	OpenAIAPIKey string

	// Execution
	ScorerTimeout time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxConcurrent int64

	// WBD
	SLASweepInterval time.Duration
	DefaultSLA       time.Duration

	// Signing key: hex-encoded Ed25519 seed, or empty to load/generate
	// a persistent key file next to the database.
	SigningKeySeed string

	// Admin token gating privileged audit deletion. Empty disables deletes.
	AdminToken string

	// Scenario catalog override (JSON file). Empty uses the embedded set.
	ScenarioFile string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return Config{
		ListenAddr:     getEnv("CIRISNODE_ADDR", ":8010"),
		AllowedOrigins: splitEnv("CIRISNODE_CORS_ORIGINS", "http://localhost:3000"),

		DBPath: getEnv("CIRISNODE_DB_PATH", "cirisnode.db"),

		OllamaURL:    getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OpenAIURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),

		ScorerTimeout: getDuration("CIRISNODE_SCORER_TIMEOUT", 120*time.Second),
		MaxRetries:    getInt("CIRISNODE_SCORER_RETRIES", 3),
		RetryBackoff:  getDuration("CIRISNODE_SCORER_BACKOFF", 2*time.Second),
		MaxConcurrent: int64(getInt("CIRISNODE_MAX_CONCURRENT_JOBS", 4)),

		SLASweepInterval: getDuration("CIRISNODE_SLA_SWEEP_INTERVAL", 30*time.Second),
		DefaultSLA:       getDuration("CIRISNODE_DEFAULT_SLA", 72*time.Hour),

		SigningKeySeed: getEnv("CIRISNODE_SIGNING_KEY", ""),
		AdminToken:     getEnv("CIRISNODE_ADMIN_TOKEN", ""),
		ScenarioFile:   getEnv("CIRISNODE_SCENARIO_FILE", ""),

		LogFile:  getEnv("CIRISNODE_LOG_FILE", "cirisnode.log"),
		LogLevel: parseLogLevel(getEnv("CIRISNODE_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitEnv(key, defaultVal string) []string {
	raw := getEnv(key, defaultVal)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Supported completion providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderSSE       = "sse" // any OpenAI-compatible streaming endpoint
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Completion provider
	LLMProvider string
	LLMModel    string
	TitleModel  string

	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	SSEURL          string
	SSEAPIKey       string
	AWSRegion       string

	// Identity of the local user when no authenticating proxy supplies one.
	UserID string

	// Minimum spacing between updated_at refreshes while a reply streams.
	TouchInterval time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Server
	ServerPort string
}

// Load reads configuration from environment variables.
func Load() Config {
	model := getEnv("OPENCHAT_LLM_MODEL", "llama3.2")
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "openchat"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "chat"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider: strings.ToLower(getEnv("OPENCHAT_LLM_PROVIDER", ProviderOllama)),
		LLMModel:    model,
		TitleModel:  getEnv("OPENCHAT_TITLE_MODEL", model),

		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		SSEURL:          getEnv("OPENCHAT_SSE_URL", "https://api.openai.com/v1/chat/completions"),
		SSEAPIKey:       getEnv("OPENCHAT_SSE_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		UserID:        getEnv("OPENCHAT_USER", defaultUser()),
		TouchInterval: parseDuration(getEnv("OPENCHAT_TOUCH_INTERVAL", "1s"), time.Second),

		LogFile:  getEnv("OPENCHAT_LOG_FILE", "/tmp/openchat.log"),
		LogLevel: parseLogLevel(getEnv("OPENCHAT_LOG_LEVEL", "INFO")),

		ServerPort: getEnv("OPENCHAT_SERVER_PORT", "8484"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// defaultUser falls back to the OS account so a single-user install works unconfigured.
func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
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

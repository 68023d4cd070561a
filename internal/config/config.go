package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the StockScope control plane.
type Config struct {
	Port      int
	Version   string
	Research  ResearchConfig
	OpenAI    OpenAIConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

// ResearchConfig drives the coordinator and the research file store.
type ResearchConfig struct {
	DataDir      string
	MaxRetries   int
	AgentTimeout time.Duration
}

// OpenAIConfig configures the chat-completions client. ResearchModel is the
// cheaper model used for the data-gathering phase; Model runs the analysis
// phase.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	ResearchModel     string
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("STOCKSCOPE_PORT", 8080),
		Version: envStr("STOCKSCOPE_VERSION", "0.4.0"),
		Research: ResearchConfig{
			DataDir:      envStr("STOCKSCOPE_DATA_DIR", "./research_database"),
			MaxRetries:   envInt("STOCKSCOPE_MAX_RETRIES", 3),
			AgentTimeout: envDur("STOCKSCOPE_AGENT_TIMEOUT", 300*time.Second),
		},
		OpenAI: OpenAIConfig{
			APIKey:            envStr("STOCKSCOPE_OPENAI_API_KEY", ""),
			BaseURL:           envStr("STOCKSCOPE_OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:             envStr("STOCKSCOPE_OPENAI_MODEL", "gpt-4o"),
			ResearchModel:     envStr("STOCKSCOPE_OPENAI_RESEARCH_MODEL", "gpt-4o-mini"),
			MaxTokens:         envInt("STOCKSCOPE_OPENAI_MAX_TOKENS", 4000),
			Temperature:       envFloat("STOCKSCOPE_OPENAI_TEMPERATURE", 0.7),
			RequestsPerMinute: envInt("STOCKSCOPE_OPENAI_RPM", 5),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloat("STOCKSCOPE_RATE_LIMIT_RPS", 5),
			Burst:             envInt("STOCKSCOPE_RATE_LIMIT_BURST", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "stockscope"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDur reads a duration in seconds ("300") or Go form ("5m").
func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

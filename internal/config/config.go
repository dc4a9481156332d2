// Package config loads the gateway's environment configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"relaygate/internal/pacer"
)

type Config struct {
	Port        string
	Environment string
	CORSOrigins string
	TablePrefix string
	DatabaseURL string // empty disables persistence

	// Provider credentials and endpoints
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string

	// Routing fallback when the router yields no viable candidate.
	DefaultProvider string
	DefaultModel    string

	// Dispatch core switches
	CoalesceEnabled bool
	FanoutEnabled   bool
	MemoryEnabled   bool
	RewriterEnabled bool

	ThreadWindowTurns       int
	MetricsWindowSize       int
	HeartbeatInterval       time.Duration
	ClientFirstTokenTimeout time.Duration
	ProviderRequestTimeout  time.Duration

	// PacerLimits are per-provider admission limits, keyed by provider.
	PacerLimits map[string]pacer.Limits
}

// Load reads the environment. Every option has a working default so a
// bare process comes up serving the lorem provider.
func Load() *Config {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "dev"),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		DefaultProvider: getEnv("DEFAULT_PROVIDER", "lorem"),
		DefaultModel:    getEnv("DEFAULT_MODEL", "lorem-fast"),

		CoalesceEnabled: getBool("COALESCE_ENABLED", true),
		FanoutEnabled:   getBool("STREAM_FANOUT_ENABLED", true),
		MemoryEnabled:   getBool("MEMORY_ENABLED", false),
		RewriterEnabled: getBool("QUERY_REWRITER_ENABLED", false),

		ThreadWindowTurns:       getInt("THREAD_WINDOW_TURNS", 20),
		MetricsWindowSize:       getInt("METRICS_WINDOW_SIZE", 1000),
		HeartbeatInterval:       getDurationMs("HEARTBEAT_INTERVAL_MS", 15000),
		ClientFirstTokenTimeout: getDurationMs("CLIENT_FIRST_TOKEN_TIMEOUT_MS", 10000),
		ProviderRequestTimeout:  getDurationMs("PROVIDER_REQUEST_TIMEOUT_MS", 120000),

		PacerLimits: loadPacerLimits([]string{"anthropic", "openai", "lorem"}),
	}
	cfg.TablePrefix = tablePrefix(cfg.Environment)
	return cfg
}

// loadPacerLimits reads PACER_<PROVIDER>_RPS, _BURST, and _CONCURRENCY
// for each known provider; providers with no overrides fall back to the
// pacer's defaults.
func loadPacerLimits(providers []string) map[string]pacer.Limits {
	limits := make(map[string]pacer.Limits)
	for _, name := range providers {
		prefix := "PACER_" + strings.ToUpper(name) + "_"
		rps := getFloat(prefix+"RPS", pacer.DefaultLimits.RPS)
		burst := getInt(prefix+"BURST", pacer.DefaultLimits.Burst)
		conc := getInt(prefix+"CONCURRENCY", int(pacer.DefaultLimits.Concurrency))
		limits[name] = pacer.Limits{RPS: rps, Burst: burst, Concurrency: int64(conc)}
	}
	return limits
}

func tablePrefix(env string) string {
	if prefix := os.Getenv("TABLE_PREFIX"); prefix != "" {
		return prefix
	}
	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	default:
		return "dev_"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getInt(key, defaultMs)) * time.Millisecond
}

package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Port      string
	LogLevel  string
	CORSAllow []string

	GroqURL   string // chat-completions endpoint
	GroqKey   string
	GroqModel string
	AITimeout time.Duration

	PistonURL string // code execution endpoint
}

// Load builds the configuration from environment variables with
// defaults suitable for local development.
func Load() Config {
	cfg := Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		GroqURL:   getEnv("GROQ_URL", "https://api.groq.com/openai/v1/chat/completions"),
		GroqKey:   getEnv("GROQ_API_KEY", ""),
		GroqModel: getEnv("GROQ_MODEL", "llama-3.3-70b-versatile"),
		AITimeout: getEnvDuration("AI_TIMEOUT", 30*time.Second),
		PistonURL: getEnv("PISTON_URL", "https://emkc.org/api/v2/piston/execute"),
	}
	cfg.CORSAllow = splitCSV(getEnv("CORS_ALLOW", "*"))
	return cfg
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvDuration parses a duration env var with a fallback
func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

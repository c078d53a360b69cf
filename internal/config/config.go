// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Tool host connection modes.
const (
	ConnectionShared     = "shared"
	ConnectionPerRequest = "per_request"
)

// Provider call shapes.
const (
	ShapeIterative = "iterative"
	ShapeSummarize = "summarize"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       slog.Level
	Provider       ProviderConfig
	ToolHost       ToolHostConfig
	Orchestrator   OrchestratorConfig
	ExecutionLog   ExecutionLogConfig
	GRPCHealthAddr string
}

// ProviderConfig configures the completion provider client.
type ProviderConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
	Timeout         time.Duration
	RequestsPerSec  float64 // 0 disables client-side rate limiting
	Burst           int
}

// ToolHostConfig configures the MCP tool host connection.
type ToolHostConfig struct {
	URL            string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Mode           string
	HealthInterval time.Duration // 0 disables background pings
}

// OrchestratorConfig configures the turn loop.
type OrchestratorConfig struct {
	MaxTurns         int
	CallShape        string
	OutputLogLimit   int
	SystemPromptFile string

	// SerializeSessions queues concurrent requests for the same session.
	SerializeSessions bool
}

// ExecutionLogConfig controls the SQLite execution log. An empty DBPath disables it.
type ExecutionLogConfig struct {
	DBPath string
}

// Enabled reports whether the execution log should be opened.
func (c ExecutionLogConfig) Enabled() bool {
	return c.DBPath != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiKey := getEnv("GEMINI_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("LLM_API_KEY", "")
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Provider: ProviderConfig{
			APIKey:          apiKey,
			BaseURL:         getEnv("LLM_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
			Model:           getEnv("MODEL_NAME", "gemini-3-pro-preview"),
			MaxOutputTokens: getEnvInt("MAX_OUTPUT_TOKENS", 8192),
			Timeout:         getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
			RequestsPerSec:  getEnvFloat("PROVIDER_RPS", 0),
			Burst:           getEnvInt("PROVIDER_BURST", 1),
		},
		ToolHost: ToolHostConfig{
			URL:            getEnv("REMOTE_SERVER_URL", "http://localhost:8000/sse"),
			MaxAttempts:    getEnvInt("MCP_MAX_RETRIES", 5),
			RetryBaseDelay: secondsToDuration(getEnvFloat("MCP_RETRY_BASE_DELAY", 2.0)),
			Mode:           strings.ToLower(getEnv("MCP_CONNECTION_MODE", ConnectionPerRequest)),
			HealthInterval: getEnvDuration("MCP_HEALTH_INTERVAL", 30*time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxTurns:          getEnvInt("MAX_TURNS", 10),
			CallShape:         strings.ToLower(getEnv("CALL_SHAPE", ShapeIterative)),
			OutputLogLimit:    getEnvInt("TOOL_OUTPUT_LOG_LIMIT", 500),
			SystemPromptFile:  getEnv("SYSTEM_PROMPT_FILE", ""),
			SerializeSessions: getEnvBool("SERIALIZE_SESSIONS", false),
		},
		ExecutionLog: ExecutionLogConfig{
			DBPath: getEnv("EXECUTION_LOG_DB_PATH", ""),
		},
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY (or LLM_API_KEY) must be set")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL cannot be empty")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.Provider.RequestsPerSec < 0 {
		return fmt.Errorf("PROVIDER_RPS must be >= 0")
	}
	if c.ToolHost.URL == "" {
		return fmt.Errorf("REMOTE_SERVER_URL cannot be empty")
	}
	if c.ToolHost.MaxAttempts <= 0 {
		return fmt.Errorf("MCP_MAX_RETRIES must be > 0")
	}
	if c.ToolHost.RetryBaseDelay < 0 {
		return fmt.Errorf("MCP_RETRY_BASE_DELAY must be >= 0")
	}
	if c.ToolHost.HealthInterval < 0 {
		return fmt.Errorf("MCP_HEALTH_INTERVAL must be >= 0")
	}
	switch c.ToolHost.Mode {
	case ConnectionShared, ConnectionPerRequest:
	default:
		return fmt.Errorf("MCP_CONNECTION_MODE must be %q or %q, got %q", ConnectionShared, ConnectionPerRequest, c.ToolHost.Mode)
	}
	if c.Orchestrator.MaxTurns <= 0 {
		return fmt.Errorf("MAX_TURNS must be > 0")
	}
	switch c.Orchestrator.CallShape {
	case ShapeIterative, ShapeSummarize:
	default:
		return fmt.Errorf("CALL_SHAPE must be %q or %q, got %q", ShapeIterative, ShapeSummarize, c.Orchestrator.CallShape)
	}
	if c.Orchestrator.OutputLogLimit <= 0 {
		return fmt.Errorf("TOOL_OUTPUT_LOG_LIMIT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// Package config loads service configuration from environment variables and
// builds the shared structured logger.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "storyforge.db"
	defaultEngineURL    = "http://127.0.0.1:8188"
	defaultEngineWSURL  = "ws://127.0.0.1:8188/ws"
	defaultOutputDir    = "output"
	defaultWorkflowsDir = "workflows"
	defaultWorkers      = 2
	defaultPollInterval = 500 * time.Millisecond
	defaultLLMModel     = "gpt-4o-mini"

	envListenAddr   = "STORYFORGE_LISTEN_ADDR"
	envDBPath       = "STORYFORGE_DB_PATH"
	envEngineURL    = "STORYFORGE_ENGINE_URL"
	envEngineWSURL  = "STORYFORGE_ENGINE_WS_URL"
	envOutputDir    = "STORYFORGE_OUTPUT_DIR"
	envWorkflowsDir = "STORYFORGE_WORKFLOWS_DIR"
	envWorkers      = "STORYFORGE_WORKERS"
	envPollInterval = "STORYFORGE_POLL_INTERVAL_MS"
	envLLMAPIKey    = "STORYFORGE_LLM_API_KEY"
	envLLMBaseURL   = "STORYFORGE_LLM_BASE_URL"
	envLLMModel     = "STORYFORGE_LLM_MODEL"
	envLogLevel     = "STORYFORGE_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	EngineURL    string
	EngineWSURL  string
	OutputDir    string
	WorkflowsDir string
	Workers      int
	PollInterval time.Duration
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModel     string
	LogLevel     slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		EngineURL:    defaultEngineURL,
		EngineWSURL:  defaultEngineWSURL,
		OutputDir:    defaultOutputDir,
		WorkflowsDir: defaultWorkflowsDir,
		Workers:      defaultWorkers,
		PollInterval: defaultPollInterval,
		LLMModel:     defaultLLMModel,
		LogLevel:     slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envEngineURL); v != "" {
		cfg.EngineURL = v
	}
	if v := os.Getenv(envEngineWSURL); v != "" {
		cfg.EngineWSURL = v
	}
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv(envWorkflowsDir); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	cfg.LLMAPIKey = os.Getenv(envLLMAPIKey)
	cfg.LLMBaseURL = os.Getenv(envLLMBaseURL)
	if v := os.Getenv(envLLMModel); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

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

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	WorkspaceRoot    string
	ModelCatalogPath string // optional YAML model catalog
	AgentGrpcAddr    string // optional remote agent executor
	LogLevel         slog.Level
	Session          SessionConfig
	Editor           EditorConfig
	Upload           UploadConfig
}

// SessionConfig controls protocol engine timeouts and buffering.
type SessionConfig struct {
	CancelGrace       time.Duration
	StallTimeout      time.Duration
	InitTimeout       time.Duration
	CoalesceThreshold int
	MaxFrameBytes     int64
}

// EditorConfig controls the optional embedded code editor containers.
type EditorConfig struct {
	Enabled     bool
	Image       string
	Network     string
	URLTemplate string
	IdleTTL     time.Duration
	Runtime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// UploadConfig limits workspace uploads.
type UploadConfig struct {
	MaxBytes int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	threshold := getEnvInt("OUTBOUND_COALESCE_THRESHOLD", 64)
	if threshold <= 0 {
		threshold = 64
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8000"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/agentd.db"),
		WorkspaceRoot:    getEnv("WORKSPACE_ROOT", "./data/workspaces"),
		ModelCatalogPath: getEnv("MODEL_CATALOG_PATH", ""),
		AgentGrpcAddr:    getEnv("AGENT_GRPC_ADDR", ""),
		LogLevel:         parseLevel(getEnv("LOG_LEVEL", "info")),
		Session: SessionConfig{
			CancelGrace:       getEnvDuration("SESSION_CANCEL_GRACE", 5*time.Second),
			StallTimeout:      getEnvDuration("SESSION_STALL_TIMEOUT", 10*time.Minute),
			InitTimeout:       getEnvDuration("SESSION_INIT_TIMEOUT", 30*time.Second),
			CoalesceThreshold: threshold,
			MaxFrameBytes:     int64(getEnvInt("WS_MAX_FRAME_BYTES", 1<<20)),
		},
		Editor: EditorConfig{
			Enabled:     getEnvBool("EDITOR_ENABLED", false),
			Image:       getEnv("EDITOR_IMAGE", "codercom/code-server:latest"),
			Network:     getEnv("EDITOR_NETWORK", "agentd-editors"),
			URLTemplate: getEnv("EDITOR_URL_TEMPLATE", "http://%s:8080"),
			IdleTTL:     getEnvDuration("EDITOR_IDLE_TTL", 60*time.Minute),
			Runtime:     getEnv("CONTAINER_RUNTIME", ""),
		},
		Upload: UploadConfig{
			MaxBytes: int64(getEnvInt("UPLOAD_MAX_BYTES", 50<<20)),
		},
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT cannot be empty")
	}
	if c.Session.CancelGrace <= 0 {
		return fmt.Errorf("SESSION_CANCEL_GRACE must be > 0")
	}
	if c.Session.StallTimeout <= 0 {
		return fmt.Errorf("SESSION_STALL_TIMEOUT must be > 0")
	}
	if c.Session.InitTimeout <= 0 {
		return fmt.Errorf("SESSION_INIT_TIMEOUT must be > 0")
	}
	if c.Session.MaxFrameBytes <= 0 {
		return fmt.Errorf("WS_MAX_FRAME_BYTES must be > 0")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if c.Editor.Enabled {
		if c.Editor.Image == "" {
			return fmt.Errorf("EDITOR_IMAGE cannot be empty when the editor is enabled")
		}
		if !strings.Contains(c.Editor.URLTemplate, "%s") {
			return fmt.Errorf("EDITOR_URL_TEMPLATE must contain %%s")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// Package config holds the agent node's environment-derived settings and the
// hot-reload coordinator that applies configuration snapshots to a running
// node.
//
// Process-level settings (listen address, protocol path, sweep intervals)
// come from AGENT_* environment variables once at startup. Everything the
// node can change without a restart travels in a Snapshot applied through
// the Coordinator.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for settings not overridden through the environment.
const (
	DefaultPort           = 3000
	DefaultA2APath        = "/a2a"
	DefaultMaxSteps       = 20
	DefaultRequestTimeout = 5 * time.Minute
	DefaultContextIdleTTL = 30 * time.Minute
	DefaultCancelGrace    = 5 * time.Second
	DefaultTaskTTL        = time.Hour
	DefaultSweepInterval  = time.Minute
)

// Config is the agent node's process configuration.
type Config struct {
	// Host is the bind address. Empty means all interfaces.
	Host string
	// Port is the HTTP listen port.
	Port int
	// A2APath is the JSON-RPC endpoint path.
	A2APath string

	// AgentName, AgentDescription and AgentVersion identify the node on its
	// agent card.
	AgentName        string
	AgentDescription string
	AgentVersion     string

	// SystemPrompt seeds the AI service until the first snapshot applies.
	SystemPrompt string

	// Provider selects the registered model provider kind; Model and
	// ProviderBaseURL are passed through to its factory. Credentials are the
	// adapter's business and stay in its own environment variables.
	Provider        string
	Model           string
	ProviderBaseURL string

	// ToolsDir holds tool manifests loaded into the catalog at startup.
	// Empty means no static tools.
	ToolsDir string
	// MCPConfig names a YAML catalog of MCP servers. Empty means none.
	MCPConfig string

	// MaxSteps bounds tool-call rounds within one AI turn.
	MaxSteps int
	// RequestTimeout is the wall-clock ceiling for one message request.
	RequestTimeout time.Duration
	// ContextIdleTTL is how long an idle context survives between sweeps.
	ContextIdleTTL time.Duration
	// CancelGrace is how long a canceled workflow gets to wind down.
	CancelGrace time.Duration
	// TaskTTL is how long terminal tasks stay queryable.
	TaskTTL time.Duration
	// SweepInterval is the cadence of the background eviction loops.
	SweepInterval time.Duration

	// LogLevel names the slog level ("debug", "info", "warn", "error").
	LogLevel string
}

// FromEnv loads the configuration from AGENT_* environment variables,
// falling back to defaults for anything unset or unparseable.
func FromEnv() *Config {
	return &Config{
		Host:    os.Getenv("AGENT_SERVER_HOST"),
		Port:    getEnvInt("AGENT_SERVER_PORT", DefaultPort),
		A2APath: getEnv("AGENT_A2A_PATH", DefaultA2APath),

		AgentName:        getEnv("AGENT_NAME", "agent-node"),
		AgentDescription: getEnv("AGENT_DESCRIPTION", "Long-lived conversational agent speaking A2A"),
		AgentVersion:     getEnv("AGENT_VERSION", "0.1.0"),

		SystemPrompt: os.Getenv("AGENT_SYSTEM_PROMPT"),

		Provider:        getEnv("AGENT_PROVIDER", "mock"),
		Model:           os.Getenv("AGENT_MODEL"),
		ProviderBaseURL: os.Getenv("AGENT_PROVIDER_BASE_URL"),

		ToolsDir:  os.Getenv("AGENT_TOOLS_DIR"),
		MCPConfig: os.Getenv("AGENT_MCP_CONFIG"),

		MaxSteps:       getEnvInt("AGENT_MAX_STEPS", DefaultMaxSteps),
		RequestTimeout: getEnvMillis("AGENT_REQUEST_TIMEOUT_MS", DefaultRequestTimeout),
		ContextIdleTTL: getEnvMillis("AGENT_CONTEXT_IDLE_TTL_MS", DefaultContextIdleTTL),
		CancelGrace:    getEnvMillis("AGENT_WORKFLOW_CANCEL_GRACE_MS", DefaultCancelGrace),
		TaskTTL:        getEnvMillis("AGENT_TASK_TTL_MS", DefaultTaskTTL),
		SweepInterval:  getEnvMillis("AGENT_SWEEP_INTERVAL_MS", DefaultSweepInterval),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports the first setting that cannot configure a working node.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.A2APath, "/") {
		return fmt.Errorf("config: a2a path %q must start with /", c.A2APath)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("config: max steps must be positive, got %d", c.MaxSteps)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("config: cancel grace must be positive, got %s", c.CancelGrace)
	}
	return nil
}

// Addr is the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvMillis reads an integer count of milliseconds.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

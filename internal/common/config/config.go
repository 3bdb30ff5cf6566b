// Package config provides configuration management for the agentmux daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds the local SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // path to the sqlite file, ":memory:" for ephemeral
}

// NATSConfig holds NATS messaging configuration.
// When URL is empty the daemon falls back to the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// CodexBinary overrides the codex app-server executable path.
	// When empty, "codex" is resolved from PATH.
	CodexBinary string `mapstructure:"codexBinary"`

	// ClaudeBinary overrides the claude CLI executable path.
	// When empty, "claude" is resolved from PATH.
	ClaudeBinary string `mapstructure:"claudeBinary"`

	// RequestTimeout is the per-RPC-request timeout in seconds (default: 30).
	RequestTimeout int `mapstructure:"requestTimeout"`

	// ApprovalTimeout is the deadline for pending approvals in seconds (default: 300).
	// Approvals not answered within the deadline resolve to decline.
	ApprovalTimeout int `mapstructure:"approvalTimeout"`

	// ShutdownWait is how long to wait for a subprocess to exit gracefully
	// before forcing termination, in seconds (default: 5).
	ShutdownWait int `mapstructure:"shutdownWait"`

	// MaxConcurrentPerConversation is the admission ceiling for simultaneous
	// executions within one conversation (default: 10).
	MaxConcurrentPerConversation int `mapstructure:"maxConcurrentPerConversation"`

	// StderrCaptureBytes caps captured subprocess stderr (default: 64KB).
	StderrCaptureBytes int `mapstructure:"stderrCaptureBytes"`
}

// RequestTimeoutDuration returns the RPC request timeout as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// ApprovalTimeoutDuration returns the approval deadline as a time.Duration.
func (a *AgentConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(a.ApprovalTimeout) * time.Second
}

// ShutdownWaitDuration returns the graceful shutdown wait as a time.Duration.
func (a *AgentConfig) ShutdownWaitDuration() time.Duration {
	return time.Duration(a.ShutdownWait) * time.Second
}

// Load reads configuration from files, environment variables, and defaults.
// Config files named "agentmux.yaml" are searched in the working directory,
// ~/.agentmux, and /etc/agentmux. Environment variables use the AGENTMUX_
// prefix with underscores, e.g. AGENTMUX_AGENT_REQUESTTIMEOUT=60.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("agentmux")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.agentmux")
	}
	v.AddConfigPath("/etc/agentmux")

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabasePath())

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmuxd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agent.codexBinary", "")
	v.SetDefault("agent.claudeBinary", "")
	v.SetDefault("agent.requestTimeout", 30)
	v.SetDefault("agent.approvalTimeout", 300)
	v.SetDefault("agent.shutdownWait", 5)
	v.SetDefault("agent.maxConcurrentPerConversation", 10)
	v.SetDefault("agent.stderrCaptureBytes", 64*1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentmux.db"
	}
	return home + "/.agentmux/agentmux.db"
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Agent.RequestTimeout <= 0 {
		return fmt.Errorf("agent.requestTimeout must be positive, got %d", c.Agent.RequestTimeout)
	}
	if c.Agent.ApprovalTimeout <= 0 {
		return fmt.Errorf("agent.approvalTimeout must be positive, got %d", c.Agent.ApprovalTimeout)
	}
	if c.Agent.MaxConcurrentPerConversation <= 0 {
		return fmt.Errorf("agent.maxConcurrentPerConversation must be positive, got %d", c.Agent.MaxConcurrentPerConversation)
	}
	if c.Agent.StderrCaptureBytes <= 0 {
		return fmt.Errorf("agent.stderrCaptureBytes must be positive, got %d", c.Agent.StderrCaptureBytes)
	}
	return nil
}

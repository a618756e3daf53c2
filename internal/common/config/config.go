// Package config provides configuration management for the agent coordination layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent coordination layer.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig describes how the adapter subprocess is launched and greeted.
type AgentConfig struct {
	Command             string        `mapstructure:"command"`
	Args                []string      `mapstructure:"args"`
	WorkDir             string        `mapstructure:"workDir"`
	ClientName          string        `mapstructure:"clientName"`
	ClientVersion       string        `mapstructure:"clientVersion"`
	InitializeTimeout   time.Duration `mapstructure:"initializeTimeout"`
	StopTimeout         time.Duration `mapstructure:"stopTimeout"`
	DefaultSystemPrompt string        `mapstructure:"defaultSystemPrompt"`
	AutoApprove         bool          `mapstructure:"autoApprove"`
}

// TerminalConfig holds limits for agent-requested terminals.
type TerminalConfig struct {
	OutputByteLimit int           `mapstructure:"outputByteLimit"`
	DrainTimeout    time.Duration `mapstructure:"drainTimeout"` // output drain grace after exit
}

// MCPConfig controls per-workspace MCP server discovery.
type MCPConfig struct {
	FileName   string `mapstructure:"fileName"`
	GlobalFile string `mapstructure:"globalFile"`
	Watch      bool   `mapstructure:"watch"`
}

// NATSConfig holds NATS connection configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds observer event delivery configuration.
type EventsConfig struct {
	Subject    string `mapstructure:"subject"`
	BufferSize int    `mapstructure:"bufferSize"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig configures the OTLP span exporter. An empty endpoint leaves
// tracing disabled.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("THINKING_SPACE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // event stream is long-lived

	v.SetDefault("agent.command", "npx")
	v.SetDefault("agent.args", []string{"@zed-industries/claude-code-acp"})
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.clientName", "thinking-space")
	v.SetDefault("agent.clientVersion", "0.1.0")
	v.SetDefault("agent.initializeTimeout", 60*time.Second)
	v.SetDefault("agent.stopTimeout", 5*time.Second)
	v.SetDefault("agent.defaultSystemPrompt", "")
	v.SetDefault("agent.autoApprove", false)

	v.SetDefault("terminal.outputByteLimit", 1_000_000)
	v.SetDefault("terminal.drainTimeout", 2*time.Second)

	v.SetDefault("mcp.fileName", ".mcp.json")
	v.SetDefault("mcp.globalFile", "")
	v.SetDefault("mcp.watch", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "thinking-space")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.subject", "agent.events")
	v.SetDefault("events.bufferSize", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "thinking-space-agent")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from the default locations and environment.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, looking for config.yaml in configPath
// before the working directory and ~/.thinking-space.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("THINKING_SPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare names used by the desktop shell.
	_ = v.BindEnv("agent.command", "THINKING_SPACE_AGENT_COMMAND", "ACP_AGENT_COMMAND")
	_ = v.BindEnv("server.port", "THINKING_SPACE_SERVER_PORT", "AGENTCTL_PORT")
	_ = v.BindEnv("tracing.endpoint", "THINKING_SPACE_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".thinking-space"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.InitializeTimeout <= 0 {
		errs = append(errs, "agent.initializeTimeout must be positive")
	}
	if cfg.Agent.StopTimeout <= 0 {
		errs = append(errs, "agent.stopTimeout must be positive")
	}
	if cfg.Terminal.OutputByteLimit <= 0 {
		errs = append(errs, "terminal.outputByteLimit must be positive")
	}
	if cfg.Terminal.DrainTimeout <= 0 {
		errs = append(errs, "terminal.drainTimeout must be positive")
	}
	if strings.TrimSpace(cfg.MCP.FileName) == "" {
		errs = append(errs, "mcp.fileName is required")
	}
	if strings.TrimSpace(cfg.Events.Subject) == "" {
		errs = append(errs, "events.subject is required")
	}
	if cfg.Events.BufferSize < 0 {
		errs = append(errs, "events.bufferSize must not be negative")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

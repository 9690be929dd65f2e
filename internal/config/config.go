// Package config provides configuration loading for the orchestrator:
// environment variables, a YAML config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Lark       LarkConfig       `mapstructure:"lark"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Permission PermissionConfig `mapstructure:"permission"`
	Shell      ShellConfig      `mapstructure:"shell"`
}

// LarkConfig holds Lark/Feishu app credentials and behavior.
type LarkConfig struct {
	AppID      string `mapstructure:"appId"`
	AppSecret  string `mapstructure:"appSecret"`
	BaseDomain string `mapstructure:"baseDomain"`
	// BotOpenID gates group-chat messages to ones that @-mention the bot (§6).
	BotOpenID string `mapstructure:"botOpenId"`
	// EventDedupCacheSize bounds the in-memory LRU fronting the durable
	// processed_events table (§6, P3).
	EventDedupCacheSize int `mapstructure:"eventDedupCacheSize"`
}

// AgentConfig holds the ACP agent subprocess launch configuration.
type AgentConfig struct {
	// Command is argv[0:] for the agent subprocess, e.g. ["claude-code", "acp"].
	Command []string `mapstructure:"command"`
	// BaseWorkingDir is the root under which session/project directories live.
	BaseWorkingDir string `mapstructure:"baseWorkingDir"`
	// SSEURLTemplate, when non-empty, selects the SSE transport variant (§4.2)
	// instead of stdio. It must contain exactly one "%s" for the session id.
	SSEURLTemplate string `mapstructure:"sseUrlTemplate"`
	// UseMockAgent forces the built-in mock agent regardless of Command.
	UseMockAgent bool `mapstructure:"useMockAgent"`
	// KillGraceSeconds bounds how long Stop waits after SIGTERM before
	// escalating to SIGKILL (§4.1 killAll, §5).
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`
}

// DatabaseConfig holds the embedded relational store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StreamConfig holds Streaming Card Manager tunables (§4.9).
type StreamConfig struct {
	FlushIntervalMS   int `mapstructure:"flushIntervalMs"`
	AutoCloseMS       int `mapstructure:"autoCloseMs"`
	MaxContentLength  int `mapstructure:"maxContentLength"`
}

// PermissionConfig holds Permission Manager tunables (§4.8).
type PermissionConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// ShellConfig holds Shell Command Handler tunables (§4.7).
type ShellConfig struct {
	TimeoutSeconds      int `mapstructure:"timeoutSeconds"`
	KillGraceSeconds    int `mapstructure:"killGraceSeconds"`
	MaxOutputBytes      int `mapstructure:"maxOutputBytes"`
}

func (s StreamConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMS) * time.Millisecond
}

func (s StreamConfig) AutoClose() time.Duration {
	return time.Duration(s.AutoCloseMS) * time.Millisecond
}

func (p PermissionConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (s ShellConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s ShellConfig) KillGrace() time.Duration {
	return time.Duration(s.KillGraceSeconds) * time.Second
}

func (a AgentConfig) KillGrace() time.Duration {
	return time.Duration(a.KillGraceSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lark.appId", "")
	v.SetDefault("lark.appSecret", "")
	v.SetDefault("lark.baseDomain", "")
	v.SetDefault("lark.botOpenId", "")
	v.SetDefault("lark.eventDedupCacheSize", 2048)

	v.SetDefault("agent.command", []string{})
	v.SetDefault("agent.baseWorkingDir", "./workspaces")
	v.SetDefault("agent.sseUrlTemplate", "")
	v.SetDefault("agent.useMockAgent", false)
	v.SetDefault("agent.killGraceSeconds", 5)

	v.SetDefault("database.path", "./orchestrator.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("stream.flushIntervalMs", 150)
	v.SetDefault("stream.autoCloseMs", 10*60*1000)
	v.SetDefault("stream.maxContentLength", 100*1024)

	v.SetDefault("permission.timeoutSeconds", 5*60)

	v.SetDefault("shell.timeoutSeconds", 5*60)
	v.SetDefault("shell.killGraceSeconds", 5)
	v.SetDefault("shell.maxOutputBytes", 100*1024)
}

// Load reads configuration from environment variables, config file, and
// defaults at the default search locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (if non-empty)
// in addition to the default search locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LARKACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the env vars named directly in §6 CLI/Environment,
	// whose casing doesn't follow the LARKACP_<PATH> convention.
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("agent.useMockAgent", "USE_MOCK_AGENT")
	// CONFIG_PATH supplies the config directory when none is passed in.
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/larkacp/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if !cfg.Agent.UseMockAgent && len(cfg.Agent.Command) == 0 {
		errs = append(errs, "agent.command is required unless agent.useMockAgent is set")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path must not be empty")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: trace, debug, info, warn, error, fatal")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Stream.FlushIntervalMS <= 0 {
		errs = append(errs, "stream.flushIntervalMs must be positive")
	}
	if cfg.Stream.MaxContentLength <= 0 {
		errs = append(errs, "stream.maxContentLength must be positive")
	}
	if cfg.Permission.TimeoutSeconds <= 0 {
		errs = append(errs, "permission.timeoutSeconds must be positive")
	}
	if cfg.Shell.TimeoutSeconds <= 0 {
		errs = append(errs, "shell.timeoutSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

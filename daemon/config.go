package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	DBPath          string        `yaml:"db_path"`
	HTTPAddr        string        `yaml:"http_addr"`
	LogLevel        string        `yaml:"log_level"`
	FollowMode      bool          `yaml:"follow_mode"`
	HistoryLimit    int           `yaml:"history_limit"`
	TabCapacity     int           `yaml:"tab_capacity"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MCP             MCPConfig     `yaml:"mcp"`
}

// MCPConfig controls the stdio automation surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "runid.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:8787"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.TabCapacity <= 0 {
		c.TabCapacity = 20
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Second
	}
	if c.MCP.Model == "" {
		c.MCP.Model = "unknown"
	}
}

// SlogLevel maps the configured level name to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("daemon: unknown log level %q", c.LogLevel)
}

// LoadConfigFile reads a YAML config file and applies defaults. A missing
// path yields a pure-defaults config.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("daemon: parse config: %w", err)
		}
	}
	cfg.defaults()
	return cfg, nil
}

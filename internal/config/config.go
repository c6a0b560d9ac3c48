// Package config provides YAML-based configuration loading for Parley.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Parley configuration, loaded from parley.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
	DB     DBConfig     `yaml:"db"`
	Worker WorkerConfig `yaml:"worker"`
	Redis  RedisConfig  `yaml:"redis"`
	Notify NotifyConfig `yaml:"notify"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port      int          `yaml:"port"`
	JWTSecret string       `yaml:"jwt_secret"`
	GitHub    GitHubConfig `yaml:"github"`
}

// GitHubConfig holds OAuth app credentials for GitHub login. Login via
// GitHub is disabled when ClientID is empty.
type GitHubConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// DBConfig selects and configures the relational store.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// WorkerConfig tunes the prompt worker's polling behaviour.
type WorkerConfig struct {
	PollIntervalMS  int `yaml:"poll_interval_ms"`
	ErrorBackoffSec int `yaml:"error_backoff_sec"`
	StaleRunningMin int `yaml:"stale_running_min"`
}

// RedisConfig configures the optional Redis pub/sub broker. With an empty
// Addr, streaming events go through the in-process hub instead, which only
// works when the API server and worker share a process.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NotifyConfig configures operator alerting for failed prompts.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot credentials. Disabled when Token is empty.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord bot credentials. Disabled when Token is empty.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// PollInterval returns the worker poll interval as a duration.
func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ErrorBackoff returns the worker error backoff as a duration.
func (c *WorkerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSec) * time.Second
}

// StaleRunningAge returns the age after which a running prompt is treated
// as orphaned by a dead worker.
func (c *WorkerConfig) StaleRunningAge() time.Duration {
	return time.Duration(c.StaleRunningMin) * time.Minute
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "parley.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.Database == "" {
			c.DB.Database = "parley"
		}
		if c.DB.User == "" {
			c.DB.User = "root"
		}
	}
	if c.Worker.PollIntervalMS == 0 {
		c.Worker.PollIntervalMS = 200
	}
	if c.Worker.ErrorBackoffSec == 0 {
		c.Worker.ErrorBackoffSec = 3
	}
	if c.Worker.StaleRunningMin == 0 {
		c.Worker.StaleRunningMin = 30
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.JWTSecret == "" {
		errs = append(errs, "server.jwt_secret is required")
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.Notify.Slack.Token != "" && c.Notify.Slack.Channel == "" {
		errs = append(errs, "notify.slack.channel is required when a slack token is set")
	}
	if c.Notify.Discord.Token != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required when a discord token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

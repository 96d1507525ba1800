package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Security  SecurityConfig            `yaml:"security"`
	Agent     AgentConfig               `yaml:"agent"`
	Sessions  SessionsConfig            `yaml:"sessions"`
	Listeners map[string]ListenerConfig `yaml:"listeners"`
	Cron      CronConfig                `yaml:"cron"`
	Heartbeat HeartbeatConfig           `yaml:"heartbeat"`
	Usage     UsageConfig               `yaml:"usage"`
	Logging   LoggingConfig             `yaml:"logging"`
}

type ServerConfig struct {
	Listen string     `yaml:"listen"`
	Auth   AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	// Token is the shared secret for the attach WebSocket and /api routes.
	// SIMPLE_BOT_TOKEN overrides it when set.
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTMaxTTL string `yaml:"jwt_max_ttl"`
}

type SecurityConfig struct {
	AllowedUsers []string `yaml:"allowed_users"`
}

// AgentConfig describes the agent child command used for sessions that do not
// override it.
type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	WorkingDir string   `yaml:"working_dir"`
}

type SessionsConfig struct {
	Default  string                   `yaml:"default"`
	Routes   []RouteConfig            `yaml:"routes"`
	Sessions map[string]SessionConfig `yaml:"sessions"`
}

// RouteConfig maps inbound traffic to a named session. Empty fields match
// anything; the first fully-matching rule wins.
type RouteConfig struct {
	Platform string `yaml:"platform"`
	Channel  string `yaml:"channel"`
	Session  string `yaml:"session"`
}

type SessionConfig struct {
	Command            string   `yaml:"command"`
	Args               []string `yaml:"args"`
	WorkingDir         string   `yaml:"working_dir"`
	IdleTimeoutMinutes int      `yaml:"idle_timeout_minutes"`
}

type ListenerConfig struct {
	Token   string            `yaml:"token"`
	Options map[string]string `yaml:"options"`
}

type CronConfig struct {
	Dir           string `yaml:"dir"`
	GracePeriodMs int    `yaml:"grace_period_ms"`
}

type HeartbeatConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Interval      string `yaml:"interval"`
	ActiveHours   string `yaml:"active_hours"`
	ChecklistPath string `yaml:"checklist_path"`
	Platform      string `yaml:"platform"`
	NotifyRoom    string `yaml:"notify_room"`
	Session       string `yaml:"session"`
}

type UsageConfig struct {
	JSONLPath     string `yaml:"jsonl_path"`
	RetentionDays int    `yaml:"retention_days"`
	Capacity      int    `yaml:"capacity"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var (
	sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	activeHoursRe = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)
)

// Load reads and parses a YAML configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseDuration is a helper that parses a duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8199"
	}
	if cfg.Server.Auth.JWTMaxTTL == "" {
		cfg.Server.Auth.JWTMaxTTL = "24h"
	}
	if tok := os.Getenv("SIMPLE_BOT_TOKEN"); tok != "" {
		cfg.Server.Auth.Token = tok
	}
	if cfg.Sessions.Default == "" {
		cfg.Sessions.Default = "main"
	}
	if cfg.Sessions.Sessions == nil {
		cfg.Sessions.Sessions = map[string]SessionConfig{}
	}
	if _, ok := cfg.Sessions.Sessions[cfg.Sessions.Default]; !ok {
		cfg.Sessions.Sessions[cfg.Sessions.Default] = SessionConfig{}
	}
	if cfg.Cron.GracePeriodMs == 0 {
		cfg.Cron.GracePeriodMs = 5000
	}
	if cfg.Heartbeat.Interval == "" {
		cfg.Heartbeat.Interval = "4h"
	}
	if cfg.Usage.Capacity == 0 {
		cfg.Usage.Capacity = 1000
	}
	if cfg.Usage.RetentionDays == 0 {
		cfg.Usage.RetentionDays = 7
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		for name, sc := range c.Sessions.Sessions {
			if sc.Command == "" {
				return fmt.Errorf("agent.command is required: session %q does not set its own command", name)
			}
		}
	}
	for name := range c.Sessions.Sessions {
		if !sessionNameRe.MatchString(name) {
			return fmt.Errorf("sessions: invalid session name %q", name)
		}
	}
	for i, r := range c.Sessions.Routes {
		if r.Session == "" {
			return fmt.Errorf("sessions.routes[%d]: session is required", i)
		}
		if _, ok := c.Sessions.Sessions[r.Session]; !ok {
			return fmt.Errorf("sessions.routes[%d]: unknown session %q", i, r.Session)
		}
	}
	if len(c.Listeners) > 0 && len(c.Security.AllowedUsers) == 0 {
		return fmt.Errorf("security.allowed_users must not be empty when listeners are configured")
	}
	if _, err := time.ParseDuration(c.Server.Auth.JWTMaxTTL); err != nil {
		return fmt.Errorf("server.auth.jwt_max_ttl: %w", err)
	}
	if c.Heartbeat.Enabled {
		if _, err := time.ParseDuration(c.Heartbeat.Interval); err != nil {
			return fmt.Errorf("heartbeat.interval: %w", err)
		}
		if c.Heartbeat.ActiveHours != "" && !activeHoursRe.MatchString(c.Heartbeat.ActiveHours) {
			return fmt.Errorf("heartbeat.active_hours: expected HH:MM-HH:MM, got %q", c.Heartbeat.ActiveHours)
		}
	}
	if c.Cron.GracePeriodMs < 0 {
		return fmt.Errorf("cron.grace_period_ms must be non-negative")
	}
	return nil
}

// SessionNames returns the configured session names.
func (c *Config) SessionNames() []string {
	names := make([]string, 0, len(c.Sessions.Sessions))
	for name := range c.Sessions.Sessions {
		names = append(names, name)
	}
	return names
}

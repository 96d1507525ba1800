package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  command: "agent"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Server.Listen)
	assert.Equal(t, "main", cfg.Sessions.Default)
	assert.Contains(t, cfg.Sessions.Sessions, "main")
	assert.Equal(t, 5000, cfg.Cron.GracePeriodMs)
	assert.Equal(t, 1000, cfg.Usage.Capacity)
	assert.Equal(t, 7, cfg.Usage.RetentionDays)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsListenersWithoutAllowedUsers(t *testing.T) {
	path := writeConfig(t, `
agent:
  command: "agent"
listeners:
  matrix:
    token: "t"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_users")
}

func TestLoadRejectsUnknownRouteSession(t *testing.T) {
	path := writeConfig(t, `
agent:
  command: "agent"
sessions:
  routes:
    - platform: matrix
      session: nope
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}

func TestLoadRejectsMissingCommand(t *testing.T) {
	path := writeConfig(t, `
sessions:
  default: main
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.command")
}

func TestSessionCommandOverridesSatisfyValidation(t *testing.T) {
	path := writeConfig(t, `
sessions:
  default: main
  sessions:
    main:
      command: "custom-agent"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-agent", cfg.Sessions.Sessions["main"].Command)
}

func TestLoadRejectsBadActiveHours(t *testing.T) {
	path := writeConfig(t, `
agent:
  command: "agent"
heartbeat:
  enabled: true
  interval: "4h"
  active_hours: "8-23"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active_hours")
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv("SIMPLE_BOT_TOKEN", "from-env")
	path := writeConfig(t, `
agent:
  command: "agent"
server:
  auth:
    token: "from-file"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Auth.Token)
}

func TestRedactMasksOnlySensitiveKeys(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8199",
			Auth:   AuthConfig{Token: "secret", JWTSecret: "hmac"},
		},
		Security: SecurityConfig{AllowedUsers: []string{"@w:a"}},
		Listeners: map[string]ListenerConfig{
			"matrix": {Token: "mx-secret", Options: map[string]string{"homeserver": "https://m.org"}},
		},
	}
	red := cfg.Redact()

	assert.Equal(t, "***", red.Server.Auth.Token)
	assert.Equal(t, "***", red.Server.Auth.JWTSecret)
	assert.Equal(t, "***", red.Listeners["matrix"].Token)
	assert.Equal(t, "https://m.org", red.Listeners["matrix"].Options["homeserver"])
	assert.Equal(t, cfg.Server.Listen, red.Server.Listen)

	// The original is untouched.
	assert.Equal(t, "secret", cfg.Server.Auth.Token)
	assert.Equal(t, "mx-secret", cfg.Listeners["matrix"].Token)
}

// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "stream.yaml", `
server:
  base_url: "https://analysis.example.com"
  stream_path: "/api/v2/chat/stream"
  request_timeout: "10s"

auth:
  token_file: "/tmp/coven-token"
  watch: true

stream:
  chunk_size: 1024

conversation:
  grace_period: "5s"
  duplicate_window: "1500ms"

database:
  path: "/tmp/stream.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://analysis.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "/api/v2/chat/stream", cfg.Server.StreamPath)
	assert.Equal(t, "/api/chat", cfg.Server.ChatPath, "unset paths keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "COVEN_TOKEN", cfg.Auth.TokenEnv)
	assert.Equal(t, "/tmp/coven-token", cfg.Auth.TokenFile)
	assert.True(t, cfg.Auth.Watch)
	assert.Equal(t, 1024, cfg.Stream.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Conversation.GracePeriod)
	assert.Equal(t, 1500*time.Millisecond, cfg.Conversation.DuplicateWindow)
	assert.Equal(t, "/tmp/stream.db", cfg.Database.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "stream.toml", `
[server]
base_url = "http://127.0.0.1:8000"

[conversation]
grace_period = "250ms"

[database]
disabled = true

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.Server.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Conversation.GracePeriod)
	assert.Equal(t, 2*time.Second, cfg.Conversation.DuplicateWindow)
	assert.True(t, cfg.Database.Disabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("COVEN_API_URL", "https://from-env.example.com")
	t.Setenv("COVEN_DB_DIR", "/var/lib/coven")

	path := writeConfig(t, "stream.yaml", `
server:
  base_url: "${COVEN_API_URL}"
database:
  path: "${COVEN_DB_DIR}/stream.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "/var/lib/coven/stream.db", cfg.Database.Path)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := Load(writeConfig(t, "stream.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, "/api/conversations/{id}/messages", cfg.Server.MessagesPath)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 4096, cfg.Stream.ChunkSize)
	assert.Equal(t, 3*time.Second, cfg.Conversation.GracePeriod)
	assert.Equal(t, 2*time.Second, cfg.Conversation.DuplicateWindow)
	assert.Equal(t, "/data/coven/stream.db", cfg.Database.Path)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Conversation.GracePeriod)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/stream.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "stream.yaml", "server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "stream.yaml", `
conversation:
  grace_period: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grace_period")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad scheme", func(c *Config) { c.Server.BaseURL = "ftp://example.com" }, "http or https"},
		{"messages path without id", func(c *Config) { c.Server.MessagesPath = "/api/messages" }, "{id}"},
		{"negative chunk", func(c *Config) { c.Stream.ChunkSize = -1 }, "chunk_size"},
		{"negative grace", func(c *Config) { c.Conversation.GracePeriod = -time.Second }, "grace_period"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/coven/stream.toml")
	assert.Equal(t, "/etc/coven/stream.toml", DefaultPath())

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/coven/stream.yaml", DefaultPath())
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		input    string
		expected string
	}{
		{"${FOO}", "bar"},
		{"prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"${FOO}/${BAZ}", "bar/qux"},
		{"no-vars-here", "no-vars-here"},
		{"${UNSET_VAR_FOR_TEST}", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, expandEnvVars(tt.input), "input %q", tt.input)
	}
}

// ABOUTME: Configuration loading and parsing for coven-stream
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "COVEN_STREAM_CONFIG"

// Config represents the complete coven-stream configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Stream       StreamConfig       `yaml:"stream" toml:"stream"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// ServerConfig locates the collaborator endpoints
type ServerConfig struct {
	BaseURL           string `yaml:"base_url" toml:"base_url"`
	ChatPath          string `yaml:"chat_path" toml:"chat_path"`
	ConversationsPath string `yaml:"conversations_path" toml:"conversations_path"`
	MessagesPath      string `yaml:"messages_path" toml:"messages_path"` // must contain {id}
	StreamPath        string `yaml:"stream_path" toml:"stream_path"`

	// RequestTimeout bounds non-streaming API calls. Streams are unbounded.
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// AuthConfig says where the bearer token comes from
type AuthConfig struct {
	TokenEnv  string `yaml:"token_env" toml:"token_env"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
	Watch     bool   `yaml:"watch" toml:"watch"`
}

// StreamConfig tunes the event channel reader
type StreamConfig struct {
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size"`
}

// ConversationConfig holds reconciliation timing
type ConversationConfig struct {
	GracePeriod     time.Duration `yaml:"-" toml:"-"`
	DuplicateWindow time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	GracePeriodRaw     string `yaml:"grace_period" toml:"grace_period"`
	DuplicateWindowRaw string `yaml:"duplicate_window" toml:"duplicate_window"`
}

// DatabaseConfig holds the local cache location
type DatabaseConfig struct {
	Path     string `yaml:"path" toml:"path"`
	Disabled bool   `yaml:"disabled" toml:"disabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg) // built-in defaults always parse
	return cfg
}

// DefaultPath returns the config file location.
// Priority: COVEN_STREAM_CONFIG > $XDG_CONFIG_HOME/coven/stream.yaml > ~/.config/coven/stream.yaml
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(configDir(), "coven", "stream.yaml")
}

// DefaultDatabasePath returns $XDG_DATA_HOME/coven/stream.db, falling back
// to ~/.local/share/coven/stream.db.
func DefaultDatabasePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "stream.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven", "stream.db")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".config")
}

// Load reads a configuration file and returns a parsed Config. Files ending
// in .toml are decoded as TOML, everything else as YAML. ${VAR_NAME}
// references are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path if it exists and returns Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Server.BaseURL, "http://localhost:8080")
	setDefault(&cfg.Server.ChatPath, "/api/chat")
	setDefault(&cfg.Server.ConversationsPath, "/api/conversations")
	setDefault(&cfg.Server.MessagesPath, "/api/conversations/{id}/messages")
	setDefault(&cfg.Server.StreamPath, "/api/chat/stream")
	setDefault(&cfg.Server.RequestTimeoutRaw, "30s")

	setDefault(&cfg.Auth.TokenEnv, "COVEN_TOKEN")

	if cfg.Stream.ChunkSize == 0 {
		cfg.Stream.ChunkSize = 4096
	}

	setDefault(&cfg.Conversation.GracePeriodRaw, "3s")
	setDefault(&cfg.Conversation.DuplicateWindowRaw, "2s")

	setDefault(&cfg.Database.Path, DefaultDatabasePath())

	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")

	setDefault(&cfg.Metrics.Addr, "127.0.0.1:9464")
	setDefault(&cfg.Metrics.Path, "/metrics")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https scheme")
	}
	if !strings.Contains(c.Server.MessagesPath, "{id}") {
		return fmt.Errorf("server.messages_path must contain {id}")
	}

	if c.Stream.ChunkSize < 0 {
		return fmt.Errorf("stream.chunk_size must not be negative")
	}
	if c.Conversation.GracePeriod < 0 {
		return fmt.Errorf("conversation.grace_period must not be negative")
	}
	if c.Conversation.DuplicateWindow < 0 {
		return fmt.Errorf("conversation.duplicate_window must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"grace_period", cfg.Conversation.GracePeriodRaw, &cfg.Conversation.GracePeriod},
		{"duplicate_window", cfg.Conversation.DuplicateWindowRaw, &cfg.Conversation.DuplicateWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

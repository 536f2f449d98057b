// Package config handles configuration loading for coven-stream.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_STREAM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/stream.yaml
//  3. ~/.config/coven/stream.yaml
//
// A missing file is not an error; LoadOrDefault falls back to Default.
// Files ending in .toml are parsed as TOML, anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  base_url: "${COVEN_API_URL}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	conversation:
//	  grace_period: "3s"
//	  duplicate_window: "2s"
//
// # Configuration Sections
//
//	server:
//	  base_url: "http://localhost:8080"
//	  chat_path: "/api/chat"
//	  conversations_path: "/api/conversations"
//	  messages_path: "/api/conversations/{id}/messages"
//	  stream_path: "/api/chat/stream"
//	  request_timeout: "30s"
//
//	auth:
//	  token_env: "COVEN_TOKEN"
//	  token_file: "~/.config/coven/token"
//	  watch: true
//
//	stream:
//	  chunk_size: 4096
//
//	database:
//	  path: "~/.local/share/coven/stream.db"
//	  disabled: false
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
package config

// ABOUTME: Credential sources for the bearer token attached to API and stream requests
// ABOUTME: Reads COVEN_TOKEN or ~/.config/coven/token, with optional fsnotify reload

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultTokenEnv is the environment variable consulted before the token file.
const DefaultTokenEnv = "COVEN_TOKEN"

// CredentialSource yields the bearer token for outbound requests.
type CredentialSource interface {
	Token() (string, error)
}

// StaticSource is a fixed token, mostly useful in tests and for --token flags.
type StaticSource string

// Token returns the static token after expiry checks.
func (s StaticSource) Token() (string, error) {
	return checkToken(string(s), time.Now())
}

// DefaultTokenPath returns $XDG_CONFIG_HOME/coven/token, falling back to
// ~/.config/coven/token.
func DefaultTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "token")
}

// FileSource reads the token from an environment variable first and then
// from a file. The file content is cached after the first read; Watch keeps
// the cache current.
type FileSource struct {
	envVar string
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	cached string
	loaded bool
}

// NewFileSource creates a FileSource. An empty envVar disables the
// environment lookup. Pass nil logger for default.
func NewFileSource(envVar, path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		envVar: envVar,
		path:   path,
		logger: logger.With("component", "credentials"),
	}
}

// Token returns the current bearer token.
func (s *FileSource) Token() (string, error) {
	if s.envVar != "" {
		if token := os.Getenv(s.envVar); token != "" {
			return checkToken(token, time.Now())
		}
	}

	s.mu.RLock()
	cached, loaded := s.cached, s.loaded
	s.mu.RUnlock()

	if !loaded {
		cached = s.reload()
	}
	return checkToken(cached, time.Now())
}

// reload re-reads the token file into the cache. A missing file caches an
// empty token, which Token reports as ErrMissingCredential.
func (s *FileSource) reload() string {
	var token string
	data, err := os.ReadFile(s.path)
	if err == nil {
		token = string(data)
	} else if !os.IsNotExist(err) {
		s.logger.Warn("failed to read token file", "path", s.path, "error", err)
	}

	s.mu.Lock()
	s.cached = token
	s.loaded = true
	s.mu.Unlock()
	return token
}

// Watch reloads the cached token whenever the token file is written,
// created, renamed or removed. It blocks until ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
				ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.reload()
				s.logger.Debug("token file reloaded", "path", s.path, "op", ev.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("token watcher error", "error", err)
		}
	}
}

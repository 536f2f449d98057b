// ABOUTME: Wires configuration, credentials, clients, cache and coordinator for one command
// ABOUTME: Runs the command alongside the metrics endpoint and token watcher in an errgroup

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-stream/internal/api"
	"github.com/2389/coven-stream/internal/auth"
	"github.com/2389/coven-stream/internal/config"
	"github.com/2389/coven-stream/internal/conversation"
	"github.com/2389/coven-stream/internal/coordinator"
	"github.com/2389/coven-stream/internal/metrics"
	"github.com/2389/coven-stream/internal/store"
	"github.com/2389/coven-stream/internal/streaming"
)

const metricsShutdownTimeout = 5 * time.Second

type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	creds      *auth.FileSource
	cache      store.Store // nil when the local cache is disabled or unavailable
	coord      *coordinator.Coordinator
}

func newApp(configPath, logLevel string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	m := metrics.New()

	tokenPath := cfg.Auth.TokenFile
	if tokenPath == "" {
		tokenPath = auth.DefaultTokenPath()
	}
	creds := auth.NewFileSource(cfg.Auth.TokenEnv, tokenPath, logger)

	apiClient := api.NewClient(cfg.Server.BaseURL, creds,
		api.WithHTTPClient(&http.Client{Timeout: cfg.Server.RequestTimeout}),
		api.WithPaths(api.Paths{
			Chat:          cfg.Server.ChatPath,
			Conversations: cfg.Server.ConversationsPath,
			Messages:      cfg.Server.MessagesPath,
			Stream:        cfg.Server.StreamPath,
		}),
		api.WithLogger(logger),
	)

	streamClient := streaming.NewClient(apiClient.StreamURL(), creds,
		streaming.WithMetrics(m),
		streaming.WithLogger(logger),
		streaming.WithChunkSize(cfg.Stream.ChunkSize),
	)

	a := &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		metrics:    m,
		creds:      creds,
	}

	if !cfg.Database.Disabled {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			// The cache only speeds up startup; run without it
			logger.Warn("local cache unavailable", "path", cfg.Database.Path, "error", err)
		} else {
			a.cache = s
		}
	}

	convOpts := []conversation.Option{
		conversation.WithGracePeriod(cfg.Conversation.GracePeriod),
		conversation.WithLogger(logger),
	}
	coordOpts := []coordinator.Option{
		coordinator.WithMetrics(m),
		coordinator.WithLogger(logger),
		coordinator.WithDuplicateWindow(cfg.Conversation.DuplicateWindow),
	}
	if a.cache != nil {
		convOpts = append(convOpts, conversation.WithCache(a.cache))
		coordOpts = append(coordOpts, coordinator.WithCache(a.cache))
	}

	a.coord = coordinator.New(apiClient, streamClient, conversation.NewStore(convOpts...), coordOpts...)
	return a, nil
}

// run executes fn with the metrics endpoint and token watcher alongside.
// Everything stops once fn returns.
func (a *app) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	if a.cfg.Auth.Watch {
		g.Go(func() error {
			// Without a watcher the token is still read once
			if err := a.creds.Watch(gctx); err != nil {
				a.logger.Warn("token watcher stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})

	return g.Wait()
}

func (a *app) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.metrics.Handler())

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics endpoint listening", "addr", a.cfg.Metrics.Addr, "path", a.cfg.Metrics.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func (a *app) close() {
	a.coord.Close()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("closing local cache", "error", err)
		}
	}
}

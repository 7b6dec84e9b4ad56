// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tabsync/internal/api"
	"github.com/starford/tabsync/internal/app"
	"github.com/starford/tabsync/internal/mcpserver"
	"github.com/starford/tabsync/internal/repository"
	"github.com/starford/tabsync/internal/storage"
)

func newApplication(opts []Option) (*application, error) {
	a := &application{logOutput: os.Stdout, version: "dev"}
	for _, opt := range opts {
		opt(a)
	}
	if a.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	a.logger = slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(a.logger)
	return a, nil
}

// OpenTab attaches a new tab to the configured origin. The caller closes it.
func OpenTab(opts ...Option) (*app.Tab, error) {
	a, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	return a.openTab()
}

func (a *application) openTab() (*app.Tab, error) {
	cfg := a.config
	if cfg.Store.Backend == storage.BackendFS {
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	policy, err := repository.ParsePolicy(cfg.Sync.Policy)
	if err != nil {
		return nil, err
	}
	tab, err := app.NewTab(app.Options{
		Backend:      cfg.Store.Backend,
		Path:         cfg.Store.Path,
		Collection:   cfg.Store.Collection,
		PollInterval: cfg.Sync.PollInterval,
		Policy:       policy,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init tab: %w", err)
	}
	return tab, nil
}

// NewHTTPHandler builds the full HTTP surface for tab: health checks and the
// authenticated API under /api.
func NewHTTPHandler(tab *app.Tab, auth AuthConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if tab.View.LastUpdated().IsZero() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"loading"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", api.NewRouter(tab, auth.AuthEnabled(), auth.Token))
	return r
}

// Run starts one tab as a service with the given options.
func Run(ctx context.Context, opts ...Option) error {
	a, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := a.config
	logger := a.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("store_path", cfg.Store.Path),
		slog.String("collection", cfg.Store.Collection),
		slog.Duration("poll_interval", cfg.Sync.PollInterval),
		slog.String("policy", cfg.Sync.Policy),
		slog.String("log_level", cfg.App.LogLevel.String()))

	tab, err := a.openTab()
	if err != nil {
		return err
	}
	defer tab.Close()

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           NewHTTPHandler(tab, cfg.Auth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("tab", tab.ID))

	g, gCtx := errgroup.WithContext(ctx)

	if err := tab.Start(gCtx); err != nil {
		return fmt.Errorf("start reconcile loop: %w", err)
	}
	g.Go(func() error {
		<-tab.Loop.Done()
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		logger.Info("Shutting down server...")
		tab.Loop.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the tab over MCP on stdin/stdout. Logs must not go to stdout
// here; callers pass WithLogOutput(os.Stderr).
func RunMCP(ctx context.Context, opts ...Option) error {
	a, err := newApplication(opts)
	if err != nil {
		return err
	}
	tab, err := a.openTab()
	if err != nil {
		return err
	}
	defer tab.Close()

	if err := tab.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("mcp: serving on stdio", slog.String("tab", tab.ID))
	return mcpserver.New(tab, a.version).ServeStdio()
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}

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

	"github.com/starford/pinnote/internal/api"
	"github.com/starford/pinnote/internal/mcpserver"
	"github.com/starford/pinnote/internal/noteservice"
	"github.com/starford/pinnote/internal/reconcile"
	"github.com/starford/pinnote/internal/registry"
	"github.com/starford/pinnote/internal/search"
	"github.com/starford/pinnote/internal/sse"
	"github.com/starford/pinnote/internal/storage"
)

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config
	logger := app.newLogger()

	store, watchDir, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	svc := newService(cfg, store, logger, broker.PublishChange, broker.PublishRebuilt)
	defer svc.Close()

	if err := svc.Reconcile(ctx); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if svc.Stats().Reconcile.LastError != "" {
			writeStatus(w, http.StatusServiceUnavailable, "degraded")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	if watchDir != "" {
		g.Go(func() error {
			return reconcile.Watch(gCtx, watchDir, logger, svc.Reconcile)
		})
	}

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

// RunMCP serves the MCP tools over stdio. Logs go to the configured output,
// which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config
	logger := app.newLogger()

	store, watchDir, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := newService(cfg, store, logger, nil, nil)
	defer svc.Close()

	if err := svc.Reconcile(ctx); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	if watchDir != "" {
		g.Go(func() error {
			return reconcile.Watch(gCtx, watchDir, logger, svc.Reconcile)
		})
	}
	g.Go(func() error {
		// The watcher stops once stdin is closed.
		defer cancel()
		logger.Info("Starting MCP server on stdio", slog.String("user_id", cfg.Session.UserID))
		return mcpserver.New(svc).ServeStdio()
	})
	return g.Wait()
}

func (a *application) newLogger() *slog.Logger {
	cfg := a.config
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("user_id", cfg.Session.UserID),
		slog.String("store_driver", cfg.Store.Driver),
		slog.Bool("store_watch", cfg.Store.Watch),
		slog.String("log_level", cfg.App.LogLevel.String()))
	return logger
}

// openStore opens the configured durable store. watchDir is the directory
// to observe for external changes, or empty when watching is off.
func openStore(cfg *Config, logger *slog.Logger) (store storage.Durable, watchDir string, err error) {
	switch cfg.Store.Driver {
	case StoreDriverFS:
		if err := os.MkdirAll(cfg.Store.FS.Root, 0o755); err != nil {
			return nil, "", fmt.Errorf("create store root: %w", err)
		}
		fs, err := storage.NewFS(cfg.Store.FS.Root, cfg.Session.UserID, logger)
		if err != nil {
			return nil, "", fmt.Errorf("init storage: %w", err)
		}
		if cfg.Store.Watch {
			watchDir = fs.Dir()
		}
		return fs, watchDir, nil
	default:
		db, err := storage.OpenSQLite(cfg.Store.SQLite.Path, cfg.Session.UserID)
		if err != nil {
			return nil, "", fmt.Errorf("init storage: %w", err)
		}
		return db, "", nil
	}
}

func newService(cfg *Config, store storage.Durable, logger *slog.Logger, onChange func(registry.Event), onRebuilt func(search.Stats)) *noteservice.Service {
	return noteservice.New(store, noteservice.Options{
		DefaultTags:  cfg.Session.DefaultTags,
		Debounce:     cfg.Sync.Debounce,
		RetryDelay:   cfg.Sync.RetryDelay,
		WriteRetries: cfg.Sync.WriteRetries,
		CacheSize:    cfg.Search.CacheSize,
		DefaultLimit: cfg.Search.DefaultLimit,
		Logger:       logger,
		OnChange:     onChange,
		OnRebuilt:    onRebuilt,
	})
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

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":%q}`, status)
}

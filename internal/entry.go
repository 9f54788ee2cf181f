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

	"github.com/starford/margin/internal/api"
	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/sse"
	"github.com/starford/margin/internal/syncer"
)

// Run starts the HTTP API, the vault watcher and, when configured, the
// startup and watch-triggered sync sessions.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.newLogger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("hypothesis_url", cfg.Hypothesis.BaseURL),
		slog.Bool("sync_on_start", cfg.Sync.OnStart),
		slog.Bool("sync_watch", cfg.Sync.Watch),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	svc, err := newServices(cfg, logger, syncer.BrokerReporter{Broker: broker})
	if err != nil {
		return err
	}
	defer svc.Close()

	// Bring the search index up to date with the vault.
	if err := index.Sync(svc.db, svc.store, logger); err != nil {
		logger.Warn("initial index sync failed", slog.String("error", err.Error()))
	}

	apiRouter := api.NewRouter(svc.docs, svc.orch, svc.db, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
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
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	kick := make(chan struct{}, 1)
	if cfg.Sync.Watch {
		g.Go(func() error {
			debounce(gCtx, kick, cfg.Sync.WatchDebounce, func(ctx context.Context) {
				if _, err := svc.orch.SyncModified(ctx); err != nil && !errors.Is(err, apperr.ErrSessionRunning) {
					logger.Error("watch sync failed", slog.String("error", err.Error()))
				}
			})
			return nil
		})
	}

	// Start file watcher with SSE callback.
	g.Go(func() error {
		err := index.Watch(gCtx, svc.db, svc.store, cfg.Vault.Path, logger, func(kind, path string) {
			svc.vault.Invalidate()
			broker.PublishDocumentEvent(kind, path)
			if cfg.Sync.Watch && kind != "deleted" {
				select {
				case kick <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	if cfg.Sync.OnStart {
		g.Go(func() error {
			if _, err := svc.orch.StartSync(gCtx, ""); err != nil && !errors.Is(err, apperr.ErrSessionRunning) {
				logger.Error("startup sync failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		// Closing the broker ends open SSE streams so Shutdown can drain.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group context so background loops stop with the server.
var errShutdown = errors.New("shutdown")

// debounce calls fn once kicks have been quiet for delay. It returns when
// ctx is done.
func debounce(ctx context.Context, kick <-chan struct{}, delay time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(delay)
	timer.Stop()
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-kick:
			timer.Reset(delay)
			fire = timer.C
		case <-fire:
			fire = nil
			fn(ctx)
		}
	}
}

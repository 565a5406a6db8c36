// cartsync hosts the cart synchronization engine for one local session and
// exposes it over REST, server-sent events and MCP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cartsync/internal/auth"
	"cartsync/internal/catalog"
	"cartsync/internal/config"
	"cartsync/internal/engine"
	"cartsync/internal/handler"
	"cartsync/internal/localstore"
	"cartsync/internal/middleware"
	"cartsync/internal/notify"
	"cartsync/internal/optimistic"
	"cartsync/internal/remote"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := initLogger(cfg)
	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("state_dir", cfg.StateDir),
		slog.String("cart_api", cfg.CartAPIURL),
		slog.String("catalog_api", cfg.CatalogAPIURL),
	)

	eng, session, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	// The daemon's own view tracks optimistic quantity changes made over HTTP.
	view := optimistic.NewView(eng, notify.NewLogger(logger), logger)
	view.Apply(eng.CurrentSnapshot())
	sub := eng.Observe(ctx)
	defer sub.Close()
	go view.Follow(ctx, sub.C())

	h := handler.New(eng, view, session, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Recovery must be outermost to catch panics from logging middleware.
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
	)(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// newEngine wires the engine to its collaborators.
func newEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, *auth.Session, error) {
	storage, err := localstore.NewFileStorage(cfg.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state dir: %w", err)
	}

	resolver, err := catalog.New(catalog.Config{
		BaseURL: cfg.CatalogAPIURL,
		APIKey:  cfg.CatalogAPIKey,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating catalog client: %w", err)
	}

	gateway, err := remote.New(remote.Config{
		BaseURL: cfg.CartAPIURL,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating cart API client: %w", err)
	}

	session := auth.NewSession()
	eng := engine.New(engine.Config{
		EnrichConcurrency:        cfg.EnrichConcurrency,
		AnonymousDiscountPercent: cfg.AnonymousDiscountPercent,
	}, engine.Deps{
		Catalog: resolver,
		Local:   localstore.New(storage, cfg.StorageKey, logger),
		Remote:  gateway,
		Auth:    session,
		Logger:  logger,
	})
	return eng, session, nil
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if cfg.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/repopulse/internal/adapter/driven/postgres"
	"github.com/ericfisherdev/repopulse/internal/adapter/driven/supabase"
	httphandler "github.com/ericfisherdev/repopulse/internal/adapter/driving/http"
	"github.com/ericfisherdev/repopulse/internal/application"
	"github.com/ericfisherdev/repopulse/internal/config"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
	"github.com/ericfisherdev/repopulse/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// backend bundles the driven adapters for one data backend.
type backend struct {
	reader driven.RepositoryReader
	feed   driven.ChangeFeed
	close  func() error
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"backend", cfg.Backend,
		"listen_addr", cfg.ListenAddr,
		"request_timeout", cfg.RequestTimeout,
		"rate_limit", cfg.RateLimit,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Wire the driven adapters for the selected backend.
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := be.close(); closeErr != nil {
			slog.Error("error closing backend", "error", closeErr)
		}
	}()

	// 4. Create services.
	m := metrics.New()
	repoSvc := application.NewRepositoryService(be.reader, m, slog.Default())
	subMgr := application.NewSubscriptionManager(be.feed, m, slog.Default())

	// 5. Create HTTP handler and router.
	apiHandler := httphandler.NewHandler(repoSvc, subMgr, slog.Default(),
		httphandler.WithJWTSecret(cfg.JWTSecret),
	)
	router := httphandler.NewRouter(apiHandler, httphandler.RouterOptions{
		Metrics:        m,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 6. Log startup complete.
	slog.Info("repopulse started",
		"listen_addr", cfg.ListenAddr,
		"backend", cfg.Backend,
	)

	// 7. Wait for shutdown signal or a fatal server error.
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	// 8. Graceful shutdown. Open change streams end with the base context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("database opened")

		if err := postgres.RunMigrations(db.DB.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.Info("migrations complete")

		reader := postgres.NewReader(db)
		return &backend{
			reader: reader,
			feed:   postgres.NewFeed(db.DSN(), reader, slog.Default()),
			close:  db.Close,
		}, nil

	default:
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		realtime, err := supabase.NewRealtime(cfg.SupabaseURL, cfg.SupabaseAnonKey, slog.Default())
		if err != nil {
			return nil, err
		}
		slog.Info("supabase client created", "url", cfg.SupabaseURL)

		return &backend{
			reader: supabase.NewReader(client),
			feed:   realtime,
			close:  func() error { return nil },
		}, nil
	}
}

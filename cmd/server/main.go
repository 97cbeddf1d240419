// Package main is the entry point for the flagport server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Configure logging and opt-in tracing.
//  3. Open the selected storage backend (PostgreSQL or in-memory) and run
//     migrations when applicable.
//  4. Build the service, the API key validator, and the middleware chain.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM, then shut down
//     gracefully.
package main

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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/flagport/flagport/internal/config"
	"github.com/flagport/flagport/internal/logging"
	"github.com/flagport/flagport/internal/metrics"
	"github.com/flagport/flagport/internal/middleware"
	"github.com/flagport/flagport/internal/repository"
	"github.com/flagport/flagport/internal/server"
	"github.com/flagport/flagport/internal/service"
	"github.com/flagport/flagport/internal/tracing"
)

const httpReadHeaderTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var store service.Store
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)
		store = repository.NewPostgresStore(pool)
	case config.BackendMemory:
		log.Warn("using the in-memory backend, data is not persisted")
		store = repository.NewMemoryStore()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	svc, err := service.New(store,
		service.WithLogger(log),
		service.WithMaxStatsPeriodDays(cfg.StatsMaxPeriodDays),
		service.WithEvaluationRecorder(m.RecordEvaluation),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiKeys, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parse api keys: %w", err)
	}
	validator := middleware.NewStaticKeyValidator(apiKeys)

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitPerMinute)
	defer limiter.Stop()

	apiHandler := server.NewHTTPHandler(svc,
		server.WithMaxJSONBodyBytes(cfg.MaxJSONBodyBytes),
		server.WithRouterMiddleware(m.Middleware),
	)
	handler := newRootHandler(rootHandlerConfig{
		api:       apiHandler,
		health:    server.HealthHandler(),
		metrics:   m.Handler(),
		log:       log,
		validator: validator,
		limiter:   limiter,
		m:         m,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "flagport-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server started", "addr", cfg.HTTPAddr, "backend", cfg.StorageBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP: %w", err)
		}
		return nil
	})

	return g.Wait()
}

type rootHandlerConfig struct {
	api       http.Handler
	health    http.Handler
	metrics   http.Handler
	log       *slog.Logger
	validator middleware.KeyValidator
	limiter   *middleware.RateLimiter
	m         *metrics.Metrics
}

// newRootHandler mounts the authenticated /v1 API next to the unauthenticated
// /healthz and /metrics endpoints.
func newRootHandler(cfg rootHandlerConfig) http.Handler {
	protected := middleware.RequestLogging(cfg.log)(
		middleware.APIKeyAuth(cfg.validator, middleware.WithOnAuthFailure(cfg.m.IncAuthFailures))(
			cfg.limiter.Middleware(middleware.WithOnRateLimited(cfg.m.IncRateLimited))(
				cfg.api,
			),
		),
	)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.Handle("GET /healthz", cfg.health)
	mux.Handle("GET /metrics", cfg.metrics)

	return mux
}

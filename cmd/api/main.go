package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/workcomp-booking/cmd/mainconfig"
	"github.com/wolfman30/workcomp-booking/internal/api/router"
	"github.com/wolfman30/workcomp-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/workcomp-booking/internal/config"
	"github.com/wolfman30/workcomp-booking/internal/directory"
	"github.com/wolfman30/workcomp-booking/internal/observability/metrics"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting workcomp-booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	var awsCfg *aws.Config
	if needsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &loaded
	}

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	dir, err := directory.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metricsHandler, bookingMetrics := setupMetrics()

	rt, err := bootstrap.BuildBooking(bootstrap.BookingDeps{
		Config:    cfg,
		DB:        pool,
		Directory: dir,
		Redis:     redisClient,
		AWS:       awsCfg,
		Metrics:   bookingMetrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler := router.New(&router.Config{
		Logger:               logger,
		Booking:              rt.Handler,
		MetricsHandler:       metricsHandler,
		HealthChecks:         healthChecks(pool, dir, redisClient),
		AdminAuthSecret:      cfg.AdminJWTSecret,
		AllowUnauthenticated: cfg.Env == "development",
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		AdminRateLimitRPS:    cfg.AdminRateLimitRPS,
		AdminRateLimitBurst:  cfg.AdminRateLimitBurst,
	})

	if rt.Deliverer != nil {
		go rt.Deliverer.Start(ctx)
	} else {
		logger.Info("booking events queue not configured, outbox delivery disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func needsAWS(cfg *appconfig.Config) bool {
	return cfg.BookingEventsQueueURL != "" ||
		cfg.ArchiveBucket != "" ||
		cfg.ProcessedEventsTable != "" ||
		cfg.EmailProvider == "ses"
}

func setupMetrics() (http.Handler, *metrics.BookingMetrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), metrics.NewBookingMetrics(registry)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthChecks(db pinger, dir pinger, redisClient *redis.Client) map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{}
	if db != nil {
		checks["postgres"] = db.Ping
	}
	if dir != nil {
		checks["directory"] = dir.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}

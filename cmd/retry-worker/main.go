package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/workcomp-booking/cmd/mainconfig"
	"github.com/wolfman30/workcomp-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/workcomp-booking/internal/config"
	"github.com/wolfman30/workcomp-booking/internal/directory"
	"github.com/wolfman30/workcomp-booking/internal/observability/metrics"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

const purgeInterval = time.Hour

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting retry worker", "env", cfg.Env, "interval", cfg.RetrySweepInterval)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("retry worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("retry worker stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	var awsCfg *aws.Config
	if cfg.ArchiveBucket != "" || cfg.ProcessedEventsTable != "" || cfg.EmailProvider == "ses" {
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

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Sweeper.Run(ctx, cfg.RetrySweepInterval)
	}()

	if cfg.WorkerMetricsPort != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveMetrics(ctx, ":"+cfg.WorkerMetricsPort, metricsHandler, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if rt.Processed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPurge(ctx, rt.Processed, cfg.ProcessedEventRetention, purgeInterval, logger)
		}()
	}

	wg.Wait()
	return nil
}

func setupMetrics() (http.Handler, *metrics.BookingMetrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), metrics.NewBookingMetrics(registry)
}

func metricsMux(handler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// serveMetrics exposes the sweeper's registry for scraping until ctx is done.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsMux(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// runPurge drops webhook dedup rows older than retention until ctx is done.
func runPurge(ctx context.Context, store purger, retention, interval time.Duration, logger *logging.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		purged, err := store.Purge(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("processed events purge failed", "error", err)
		} else if purged > 0 {
			logger.Info("processed events purged", "rows", purged)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

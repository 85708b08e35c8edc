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

	"github.com/rs/zerolog"

	"github.com/example/training-gateway/internal/cache"
	"github.com/example/training-gateway/internal/config"
	"github.com/example/training-gateway/internal/health"
	"github.com/example/training-gateway/internal/logger"
	"github.com/example/training-gateway/internal/proxy"
	"github.com/example/training-gateway/internal/queue"
	"github.com/example/training-gateway/internal/router"
	"github.com/example/training-gateway/internal/server"
	"github.com/example/training-gateway/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "api-gateway").Logger()

	routes, err := router.New(cfg.Services.Selectors, cfg.Services.BaseURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build routing table")
	}

	store, err := queue.Dial(ctx, cfg.Redis.FallbackAddrs(), cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise queue store")
	}

	registry := health.NewRegistry(cfg.Services.BaseURLs,
		log.With().Str("component", "health").Logger(),
		health.WithTTL(cfg.Health.CacheTTL),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
	)

	sideCache := cache.New()

	forwarder, err := proxy.NewForwarder(registry, store, sideCache,
		log.With().Str("component", "proxy").Logger(),
		proxy.WithTimeout(cfg.Proxy.ForwardTimeout),
		proxy.WithMaxRetries(cfg.Worker.MaxRetries),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise forwarder")
	}

	metrics := worker.NewMetrics()

	drainer, err := worker.New(worker.Config{
		BatchSize:           cfg.Worker.BatchSize,
		DeadLetterBatchSize: cfg.Worker.DeadLetterBatchSize,
		Interval:            cfg.Worker.Interval,
	}, worker.Dependencies{
		Store:     store,
		Executor:  forwarder,
		Health:    registry,
		Metrics:   metrics,
		Forensics: sideCache,
		Logger:    log.With().Str("component", "worker").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise drain worker")
	}

	srv := server.New(routes, registry, forwarder, store, drainer, metrics,
		log.With().Str("component", "server").Logger())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go drainer.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Int("port", cfg.App.Port).Msg("api gateway started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("api gateway init failed")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tryon-pipeline/internal/config"
	"tryon-pipeline/internal/domain/ports/adapter"
	"tryon-pipeline/internal/infra/adapters/inference"
	pg "tryon-pipeline/internal/infra/db/postgres"
	"tryon-pipeline/internal/infra/logging"
	"tryon-pipeline/internal/infra/metrics"
	red "tryon-pipeline/internal/infra/redis"
	"tryon-pipeline/internal/infra/sched"
	"tryon-pipeline/internal/infra/web"
	"tryon-pipeline/internal/infra/worker"
	"tryon-pipeline/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (noop inference adapter)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	storeRepo := pg.NewStoreRepoCacheDecorator(pg.NewStoreRepo(pool), redisClient, cfg.Redis.TTL)
	accountRepo := pg.NewAccountRepo(pool)
	ledgerRepo := pg.NewLedgerRepo(pool)
	queueRepo := pg.NewQueueRepo(pool, tm)

	// ---- Use cases ----
	ledgerUC := usecase.NewLedgerUC(storeRepo, accountRepo, ledgerRepo, tm, logger)
	queueUC := usecase.NewQueueUC(queueRepo, ledgerUC, logger)

	// ---- Inference adapter ----
	var tryon adapter.TryOnAdapter
	if cfg.Runtime.Dev && cfg.Inference.BaseURL == "" {
		tryon = &inference.NoopAdapter{}
		logger.Warn().Msg("inference adapter: noop")
	} else {
		httpAdapter := inference.NewHTTPAdapter(cfg.Inference.BaseURL, cfg.Inference.APIKey)
		probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
		caps, err := httpAdapter.ResolveCapabilities(probeCtx)
		probeCancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("inference capability probe")
		}
		logger.Info().Bool("supports_mode", caps.SupportsMode).Str("base_url", cfg.Inference.BaseURL).Msg("inference adapter ready")
		tryon = httpAdapter
	}

	// ---- Worker pool + processor ----
	workerPool := worker.NewPool(cfg.Worker.Workers, logger)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	processor := worker.NewTryOnProcessor(queueRepo, ledgerUC, tryon, cfg.Inference.Timeout, cfg.Worker.MaxRetries, logger)
	go processor.Start(ctx, workerPool, cfg.Worker.PollInterval)

	// ---- Expiry sweeper ----
	sweeper := sched.NewExpiryWorker(cfg.Billing.SweepInterval, ledgerUC, queueUC, logger)
	go func() { _ = sweeper.Run(ctx) }()

	// ---- HTTP server ----
	auth := web.NewAuthManager(cfg.Auth.Secret, !cfg.Runtime.Dev, cfg.Auth.TTL)
	srv := web.NewServer(ledgerUC, queueUC, auth, rateLimiter, web.ServerOptions{
		WebhookSecret: cfg.Server.WebhookSecret,
		SubmitLimit:   cfg.Billing.SubmitLimit,
		SubmitWindow:  cfg.Billing.SubmitWindow,
		Timeout:       cfg.Server.Timeout,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout + 5*time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}

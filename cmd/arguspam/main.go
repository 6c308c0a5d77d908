package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lunzai/arguspam-sub003/cmd/arguspam/cli"
	"github.com/lunzai/arguspam-sub003/internal/app"
	"github.com/lunzai/arguspam-sub003/internal/crypto"
	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/jit"
	jithttp "github.com/lunzai/arguspam-sub003/internal/jit/http"
	"github.com/lunzai/arguspam-sub003/internal/observability"
	"github.com/lunzai/arguspam-sub003/internal/platform/cache"
	"github.com/lunzai/arguspam-sub003/internal/platform/db"
	"github.com/lunzai/arguspam-sub003/internal/shared"
	"github.com/lunzai/arguspam-sub003/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, logger, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ApplicationName: "arguspam"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		logger.Error("init encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	publisher := jobs.NewEventPublisher(jobClient)

	metrics := observability.NewMetrics()
	driverCfg := cfg.DriverConfig()
	driverCfg.Logger = logger

	service := jit.NewService(jit.NewRepository(dbpool), dbdriver.NewFactory(driverCfg), encryptor, jit.Options{
		Notifier:         publisher,
		Review:           publisher,
		Locker:           jit.NewRedisLocker(redisClient),
		LockTTL:          cfg.SessionLockTTL,
		SweepConcurrency: cfg.SweepConcurrency,
		SweepRate:        cfg.SweepLimit(),
		Metrics:          observability.NewEngineMetrics(metrics.Registerer()),
		Logger:           logger,
	})
	jitHandler := jithttp.NewHandler(logger, service, shared.NewActionLogger(dbpool))

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		JITHandler: jitHandler,
		JobHandler: jobHandler,
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runJobsCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	return jobsCLI.Run(ctx, args, os.Stdout, logger)
}

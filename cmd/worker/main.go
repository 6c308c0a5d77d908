package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/lunzai/arguspam-sub003/internal/app"
	"github.com/lunzai/arguspam-sub003/internal/crypto"
	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/jit"
	"github.com/lunzai/arguspam-sub003/internal/platform/cache"
	"github.com/lunzai/arguspam-sub003/internal/platform/db"
	"github.com/lunzai/arguspam-sub003/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ApplicationName: "arguspam-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	driverCfg := cfg.DriverConfig()
	driverCfg.Logger = logger
	locker := jit.NewRedisLocker(redisClient)

	service := jit.NewService(jit.NewRepository(pool), dbdriver.NewFactory(driverCfg), encryptor, jit.Options{
		Notifier:         publisher,
		Review:           publisher,
		Locker:           locker,
		LockTTL:          cfg.SessionLockTTL,
		SweepConcurrency: cfg.SweepConcurrency,
		SweepRate:        cfg.SweepLimit(),
		Logger:           logger,
	})
	sweepJob := jobs.NewSweepJob(service, locker, logger, nil)

	sweepTask, err := jobs.NewSweepTask(jobs.SweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskJITSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			// A missed tick is covered by the next one.
			{Spec: cfg.SweepSpec, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(cfg.SessionLockTTL)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

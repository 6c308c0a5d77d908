package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lunzai/arguspam-sub003/internal/jit"
	jobmetrics "github.com/lunzai/arguspam-sub003/internal/jobs"
	"github.com/lunzai/arguspam-sub003/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Sweeper is the part of jit.Service the sweep job drives.
type Sweeper interface {
	CleanupExpiredAccounts(ctx context.Context) (int, error)
	ExpireStaleSessions(ctx context.Context) (int, error)
}

// SweepJob terminates expired JIT accounts and expires unused sessions.
type SweepJob struct {
	Service Sweeper
	Locker  jit.Locker
	LockTTL time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSweepJob constructs the job handler.
func NewSweepJob(service Sweeper, locker jit.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	return &SweepJob{
		Service: service,
		Locker:  locker,
		LockTTL: 5 * time.Minute,
		Logger:  logger,
		Metrics: metrics,
	}
}

// Handle executes one sweep. Overlapping runs on other workers are skipped.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("jit sweep: dependencies not configured")
	}
	var payload SweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	if j.Locker != nil {
		release, err := j.Locker.Acquire(ctx, shared.SweepLockKey(), j.LockTTL)
		if errors.Is(err, jit.ErrSessionBusy) {
			j.log().Info("sweep already running elsewhere")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.log().Warn("release sweep lock", slog.Any("error", err))
			}
		}()
	}

	tracker := j.metrics().Track(TaskJITSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	accounts, err := j.Service.CleanupExpiredAccounts(ctx)
	j.metrics().AddSwept(jobmetrics.SweptAccounts, accounts)
	if err != nil {
		j.log().Error("cleanup expired accounts", slog.Any("error", err))
		resultErr = err
	}
	sessions := 0
	if !payload.SkipSessions {
		sessions, err = j.Service.ExpireStaleSessions(ctx)
		j.metrics().AddSwept(jobmetrics.SweptSessions, sessions)
		if err != nil {
			j.log().Error("expire stale sessions", slog.Any("error", err))
			resultErr = errors.Join(resultErr, err)
		}
	}

	j.log().Info("sweep finished", slog.Int("accounts", accounts), slog.Int("sessions", sessions), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *SweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskJITSweep))
	}
	return slog.Default().With(slog.String("job", TaskJITSweep))
}

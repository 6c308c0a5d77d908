package perf

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lunzai/arguspam-sub003/internal/jit"
	jobmetrics "github.com/lunzai/arguspam-sub003/internal/jobs"
	"github.com/lunzai/arguspam-sub003/jobs"
)

type countingSweeper struct {
	runs      atomic.Int64
	failEvery int64
}

func (s *countingSweeper) CleanupExpiredAccounts(context.Context) (int, error) {
	n := s.runs.Add(1)
	if s.failEvery > 0 && n%s.failEvery == 0 {
		return 1, errors.New("asset unreachable")
	}
	return 3, nil
}

func (s *countingSweeper) ExpireStaleSessions(context.Context) (int, error) {
	return 1, nil
}

func TestSweepJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	sweeper := &countingSweeper{failEvery: 25}
	job := jobs.NewSweepJob(sweeper, jit.NewMemoryLocker(), nil, metrics)

	task, err := jobs.NewSweepTask(jobs.SweepPayload{})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	failures := 0
	for i := 0; i < 100; i++ {
		if err := job.Handle(context.Background(), task); err != nil {
			failures++
		}
	}
	if failures != 4 {
		t.Fatalf("expected 4 failing runs, got %d", failures)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var success, failure, accounts float64
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			switch mf.GetName() {
			case "arguspam_jobs_total":
				if labels["job"] != jobs.TaskJITSweep {
					continue
				}
				if labels["status"] == "success" {
					success = m.GetCounter().GetValue()
				} else {
					failure = m.GetCounter().GetValue()
				}
			case "arguspam_jit_swept_total":
				if labels["kind"] == jobmetrics.SweptAccounts {
					accounts = m.GetCounter().GetValue()
				}
			}
		}
	}
	if success != 96 || failure != 4 {
		t.Fatalf("unexpected run counts success=%v failure=%v", success, failure)
	}
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("sweep success ratio too low: %f", ratio)
	}
	if accounts != 96*3+4 {
		t.Fatalf("unexpected swept accounts: %v", accounts)
	}
}

func BenchmarkSweepJobHandle(b *testing.B) {
	job := jobs.NewSweepJob(&countingSweeper{}, jit.NewMemoryLocker(), nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task := asynq.NewTask(jobs.TaskJITSweep, nil)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := job.Handle(context.Background(), task); err != nil {
			b.Fatal(err)
		}
	}
}

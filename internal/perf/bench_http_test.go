package perf

import (
	"sort"
	"testing"
	"time"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/session"
)

func TestCredentialGenerationLatency(t *testing.T) {
	policy := dbdriver.DefaultPasswordPolicy()
	samples := make([]time.Duration, 0, 200)
	for i := 0; i < 200; i++ {
		start := time.Now()
		if _, err := dbdriver.GeneratePassword(policy); err != nil {
			t.Fatalf("generate password: %v", err)
		}
		if _, err := dbdriver.GenerateUsername("jit", start); err != nil {
			t.Fatalf("generate username: %v", err)
		}
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 20*time.Millisecond {
		t.Fatalf("credential generation regression: p95=%s", p95)
	}
}

func BenchmarkGeneratePassword(b *testing.B) {
	policy := dbdriver.DefaultPasswordPolicy()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := dbdriver.GeneratePassword(policy); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSessionActions(b *testing.B) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	w := session.Window{Status: session.StatusScheduled, ScheduledStart: now.Add(-time.Minute), ScheduledEnd: now.Add(time.Hour)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = session.ActionsAt(w, now)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/lunzai/arguspam-sub003/internal/jit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications is drained by the notification subsystem.
	QueueNotifications = "notifications"
	// QueueReview is drained by the session audit reviewer.
	QueueReview = "review"

	// TaskJITSweep terminates expired JIT accounts and expires stale sessions.
	TaskJITSweep = "jit:sweep"
	// TaskJITEvent carries one lifecycle event to the notification subsystem.
	TaskJITEvent = "jit:event"
	// TaskSessionAuditReview hands a finished session to the reviewer.
	TaskSessionAuditReview = "session:audit-review"
)

// SweepPayload configures a sweep run.
type SweepPayload struct {
	// SkipSessions limits the run to account cleanup.
	SkipSessions bool `json:"skip_sessions,omitempty"`
}

// NewSweepTask constructs the sweep task.
func NewSweepTask(payload SweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskJITSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewEventTask wraps a lifecycle event.
func NewEventTask(ev jit.Event) (*asynq.Task, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("jobs: event type required")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskJITEvent, body, asynq.Queue(QueueNotifications), asynq.MaxRetry(10)), nil
}

// ParseEventTask decodes a TaskJITEvent payload.
func ParseEventTask(task *asynq.Task) (jit.Event, error) {
	var ev jit.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return jit.Event{}, fmt.Errorf("jobs: decode event: %w", err)
	}
	return ev, nil
}

// NewReviewTask wraps a review hand-off.
func NewReviewTask(req jit.ReviewRequest) (*asynq.Task, error) {
	if req.SessionID <= 0 {
		return nil, fmt.Errorf("jobs: review requires a session id")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionAuditReview, body, asynq.Queue(QueueReview), asynq.MaxRetry(5)), nil
}

// ParseReviewTask decodes a TaskSessionAuditReview payload.
func ParseReviewTask(task *asynq.Task) (jit.ReviewRequest, error) {
	var req jit.ReviewRequest
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		return jit.ReviewRequest{}, fmt.Errorf("jobs: decode review request: %w", err)
	}
	return req, nil
}

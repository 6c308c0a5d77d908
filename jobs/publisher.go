package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/lunzai/arguspam-sub003/internal/jit"
)

// Enqueuer submits tasks; *Client and *asynq.Client satisfy it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EventPublisher forwards lifecycle events and review hand-offs to their
// queues. It implements jit.Notifier and jit.ReviewHandoff.
type EventPublisher struct {
	queue Enqueuer
	newID func() string
}

// NewEventPublisher constructs an EventPublisher.
func NewEventPublisher(queue Enqueuer) *EventPublisher {
	return &EventPublisher{queue: queue, newID: uuid.NewString}
}

// Notify enqueues one event. Every event gets its own task id so consumers
// can deduplicate retried deliveries.
func (p *EventPublisher) Notify(ctx context.Context, ev jit.Event) error {
	if p == nil || p.queue == nil {
		return fmt.Errorf("jobs: event publisher not configured")
	}
	task, err := NewEventTask(ev)
	if err != nil {
		return err
	}
	if _, err := p.queue.EnqueueContext(ctx, task, asynq.TaskID(p.newID())); err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", ev.Type, err)
	}
	return nil
}

// HandOff enqueues a finished session for audit review. A session is queued
// at most once.
func (p *EventPublisher) HandOff(ctx context.Context, req jit.ReviewRequest) error {
	if p == nil || p.queue == nil {
		return fmt.Errorf("jobs: event publisher not configured")
	}
	task, err := NewReviewTask(req)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueContext(ctx, task, asynq.TaskID(fmt.Sprintf("review:%d", req.SessionID)))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("jobs: enqueue review of session %d: %w", req.SessionID, err)
	}
	return nil
}

var (
	_ jit.Notifier      = (*EventPublisher)(nil)
	_ jit.ReviewHandoff = (*EventPublisher)(nil)
)

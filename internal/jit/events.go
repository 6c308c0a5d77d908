package jit

import (
	"context"
	"time"
)

// EventType names a lifecycle event published to the notification subsystem.
type EventType string

const (
	EventJitAccountCreated    EventType = "JitAccountCreated"
	EventJitAccountTerminated EventType = "JitAccountTerminated"
	EventSessionStarted       EventType = "SessionStarted"
	EventSessionEnded         EventType = "SessionEnded"
	EventSessionTerminated    EventType = "SessionTerminated"
	EventSessionCancelled     EventType = "SessionCancelled"
	EventSessionExpired       EventType = "SessionExpired"
)

// Event carries identifiers only; rendering is the consumer's job.
type Event struct {
	Type       EventType `json:"type"`
	OrgID      int64     `json:"org_id"`
	SessionID  int64     `json:"session_id"`
	AssetID    int64     `json:"asset_id"`
	AccountID  int64     `json:"account_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	ActorID    int64     `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier delivers events. Delivery errors never fail the operation.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// ReviewRequest hands a finished session to the external audit reviewer.
type ReviewRequest struct {
	OrgID      int64  `json:"org_id"`
	SessionID  int64  `json:"session_id"`
	RequestID  int64  `json:"request_id"`
	Purpose    string `json:"purpose"`
	AuditCount int    `json:"audit_count"`
}

// ReviewHandoff queues a session for risk review.
type ReviewHandoff interface {
	HandOff(ctx context.Context, req ReviewRequest) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

type nopReview struct{}

func (nopReview) HandOff(context.Context, ReviewRequest) error { return nil }

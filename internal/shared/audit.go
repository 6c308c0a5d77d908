package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ActionLog is an operator action on the credential engine, stored in
// audit_logs. Captured database queries live in session_audits instead.
type ActionLog struct {
	ActorID  int64
	OrgID    int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// ActionLogger writes records into audit_logs.
type ActionLogger struct {
	pool *pgxpool.Pool
}

// NewActionLogger returns a new ActionLogger.
func NewActionLogger(pool *pgxpool.Pool) *ActionLogger {
	return &ActionLogger{pool: pool}
}

// Record persists the log entry.
func (l *ActionLogger) Record(ctx context.Context, log ActionLog) error {
	if l == nil || l.pool == nil {
		return errors.New("action logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("action log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, org_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		log.ActorID, log.OrgID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

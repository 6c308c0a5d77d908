package jit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
)

type auditWriter interface {
	InsertAudits(ctx context.Context, audits []Audit) (int64, error)
}

// AuditCollector persists captured queries. It only ever appends.
type AuditCollector struct {
	repo auditWriter
	now  func() time.Time
}

// NewAuditCollector constructs a collector.
func NewAuditCollector(repo auditWriter) *AuditCollector {
	return &AuditCollector{repo: repo, now: time.Now}
}

// Store writes one audit row per entry and returns the number written.
func (c *AuditCollector) Store(ctx context.Context, sess Session, entries []dbdriver.QueryLogEntry) (int, error) {
	if c == nil || c.repo == nil {
		return 0, errors.New("jit: audit collector not initialised")
	}
	if len(entries) == 0 {
		return 0, nil
	}
	createdAt := c.now().UTC()
	rows := make([]Audit, 0, len(entries))
	for _, e := range entries {
		query := strings.TrimSpace(e.Query)
		if query == "" {
			continue
		}
		rows = append(rows, Audit{
			OrgID:          sess.OrgID,
			SessionID:      sess.ID,
			RequestID:      sess.RequestID,
			AssetID:        sess.AssetID,
			UserID:         sess.RequesterID,
			Query:          query,
			QueryTimestamp: e.Timestamp.UTC(),
			CreatedAt:      createdAt,
		})
	}
	n, err := c.repo.InsertAudits(ctx, rows)
	return int(n), err
}

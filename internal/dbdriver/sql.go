package dbdriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type openFunc func(ctx context.Context, database string) (*sql.DB, error)

// sqlBase carries what every database/sql backed driver needs. The opener is
// swapped in tests.
type sqlBase struct {
	target Target
	creds  AdminCredentials
	cfg    Config
	open   openFunc
	now    func() time.Time
}

func newSQLBase(target Target, creds AdminCredentials, cfg Config) *sqlBase {
	return &sqlBase{target: target, creds: creds, cfg: cfg, now: time.Now}
}

func (b *sqlBase) Engine() Engine { return b.target.Engine }

func (b *sqlBase) GenerateSecureCredentials() (Credentials, error) {
	return generateCredentials(b.cfg, b.now())
}

func generateCredentials(cfg Config, now time.Time) (Credentials, error) {
	username, err := GenerateUsername(cfg.UsernamePrefix, now)
	if err != nil {
		return Credentials{}, err
	}
	password, err := GeneratePassword(cfg.Password)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: username, Password: password}, nil
}

// withConn opens a connection to database, pings it and runs fn with a
// statement deadline applied.
func (b *sqlBase) withConn(ctx context.Context, database string, fn func(ctx context.Context, db *sql.DB) error) error {
	if b.open == nil {
		return fmt.Errorf("%w: no opener configured", ErrConnection)
	}
	connectCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	db, err := b.open(connectCtx, database)
	if err != nil {
		return fmt.Errorf("%w: %s:%d: %w", ErrConnection, b.target.Host, b.target.Port, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := db.PingContext(connectCtx); err != nil {
		return fmt.Errorf("%w: %s:%d: %w", ErrConnection, b.target.Host, b.target.Port, err)
	}
	stmtCtx, stmtCancel := context.WithTimeout(ctx, b.cfg.StatementTimeout)
	defer stmtCancel()
	return fn(stmtCtx, db)
}

// execAll runs statements in order and stops at the first failure. Statement
// text is left out of the error since it may carry a password.
func execAll(ctx context.Context, db *sql.DB, statements []string) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d of %d: %w", i+1, len(statements), err)
		}
	}
	return nil
}

// execBestEffort runs every statement and returns the joined failures.
func execBestEffort(ctx context.Context, db *sql.DB, statements []string) error {
	var errs []error
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			errs = append(errs, fmt.Errorf("statement %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func provisioningError(username string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProvisioning, username, err)
}

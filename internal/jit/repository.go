package jit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lunzai/arguspam-sub003/internal/platform/db"
	"github.com/lunzai/arguspam-sub003/internal/session"
)

// Repository defines persistence for the credential lifecycle.
type Repository interface {
	GetSession(ctx context.Context, id int64) (Session, error)
	GetRequest(ctx context.Context, id int64) (Request, error)
	GetAsset(ctx context.Context, id int64) (Asset, error)
	GetAdminAccount(ctx context.Context, assetID int64) (Account, error)
	GetActiveJITAccount(ctx context.Context, sessionID int64) (Account, error)
	ListExpiredJITAccounts(ctx context.Context, now time.Time) ([]Account, error)
	ListOverdueSessions(ctx context.Context, now time.Time) ([]Session, error)
	ListAudits(ctx context.Context, sessionID int64) ([]Audit, error)
	InsertAudits(ctx context.Context, audits []Audit) (int64, error)

	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional write operations.
type TxRepository interface {
	LockSession(ctx context.Context, id int64) (Session, error)
	InsertAccount(ctx context.Context, acct Account) (Account, error)
	LinkSessionAccount(ctx context.Context, sessionID, accountID int64, username string, updatedBy *int64) error
	DeactivateAccount(ctx context.Context, accountID int64, at time.Time) error
	UpdateSessionStatus(ctx context.Context, upd SessionUpdate) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a pgx backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("jit: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const sessionColumns = `
	id, org_id, request_id, asset_id, requester_id, status,
	scheduled_start_datetime, scheduled_end_datetime, start_datetime, end_datetime,
	requested_duration, actual_duration, asset_account_id, COALESCE(account_name, ''),
	updated_by, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID, &s.OrgID, &s.RequestID, &s.AssetID, &s.RequesterID, &status,
		&s.ScheduledStart, &s.ScheduledEnd, &s.ActualStart, &s.ActualEnd,
		&s.RequestedDuration, &s.ActualDuration, &s.AssetAccountID, &s.AccountName,
		&s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if s.Status, err = session.ParseStatus(status); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *repository) GetSession(ctx context.Context, id int64) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (r *repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	var req Request
	var scope string
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, scope, databases, COALESCE(reason, '')
		FROM requests
		WHERE id = $1`, id).Scan(&req.ID, &req.OrgID, &scope, &req.Databases, &req.Purpose)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	req.Scope = dbScope(scope)
	return req, nil
}

func (r *repository) GetAsset(ctx context.Context, id int64) (Asset, error) {
	var a Asset
	var engine string
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, dbms, host, port, databases
		FROM assets
		WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&a.ID, &a.OrgID, &a.Name, &engine, &a.Host, &a.Port, &a.Databases)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, err
	}
	a.Engine = dbEngine(engine)
	return a, nil
}

const accountColumns = `
	id, asset_id, session_id, type, username, password, databases,
	COALESCE(scope, ''), expires_at, is_active, created_by, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var typ, scope string
	err := row.Scan(
		&a.ID, &a.AssetID, &a.SessionID, &typ, &a.Username, &a.EncryptedPassword, &a.Databases,
		&scope, &a.ExpiresAt, &a.IsActive, &a.CreatedBy, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	a.Type = AccountType(typ)
	a.Scope = dbScope(scope)
	return a, nil
}

func (r *repository) GetAdminAccount(ctx context.Context, assetID int64) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM asset_accounts
		WHERE asset_id = $1 AND type = 'admin' AND is_active
		ORDER BY id DESC
		LIMIT 1`, assetID))
}

func (r *repository) GetActiveJITAccount(ctx context.Context, sessionID int64) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM asset_accounts
		WHERE session_id = $1 AND type = 'jit' AND is_active`, sessionID))
}

func (r *repository) ListExpiredJITAccounts(ctx context.Context, now time.Time) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM asset_accounts
		WHERE type = 'jit' AND is_active AND expires_at <= $1
		ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) ListOverdueSessions(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'scheduled' AND scheduled_end_datetime <= $1
		ORDER BY scheduled_end_datetime, id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repository) ListAudits(ctx context.Context, sessionID int64) ([]Audit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, session_id, request_id, asset_id, user_id, query, query_timestamp, created_at
		FROM session_audits
		WHERE session_id = $1
		ORDER BY query_timestamp, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Audit
	for rows.Next() {
		var a Audit
		if err := rows.Scan(&a.ID, &a.OrgID, &a.SessionID, &a.RequestID, &a.AssetID, &a.UserID,
			&a.Query, &a.QueryTimestamp, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var auditCopyColumns = []string{
	"org_id", "session_id", "request_id", "asset_id", "user_id", "query", "query_timestamp", "created_at",
}

// InsertAudits bulk-loads rows with COPY.
func (r *repository) InsertAudits(ctx context.Context, audits []Audit) (int64, error) {
	if len(audits) == 0 {
		return 0, nil
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"session_audits"}, auditCopyColumns,
		pgx.CopyFromSlice(len(audits), func(i int) ([]any, error) {
			a := audits[i]
			return []any{a.OrgID, a.SessionID, a.RequestID, a.AssetID, a.UserID, a.Query, a.QueryTimestamp, a.CreatedAt}, nil
		}))
}

func (t *txRepository) LockSession(ctx context.Context, id int64) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepository) InsertAccount(ctx context.Context, acct Account) (Account, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO asset_accounts
			(asset_id, session_id, type, username, password, databases, scope, expires_at, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING id`,
		acct.AssetID, acct.SessionID, string(acct.Type), acct.Username, acct.EncryptedPassword, acct.Databases,
		string(acct.Scope), acct.ExpiresAt, acct.IsActive, acct.CreatedBy, acct.CreatedAt,
	).Scan(&acct.ID)
	if err != nil {
		return Account{}, mapWriteError(err)
	}
	return acct, nil
}

func (t *txRepository) LinkSessionAccount(ctx context.Context, sessionID, accountID int64, username string, updatedBy *int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sessions
		SET asset_account_id = $2, account_name = $3, updated_by = COALESCE($4, updated_by), updated_at = NOW()
		WHERE id = $1`, sessionID, accountID, username, updatedBy)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) DeactivateAccount(ctx context.Context, accountID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE asset_accounts
		SET is_active = FALSE, updated_at = $2
		WHERE id = $1`, accountID, at)
	return err
}

func (t *txRepository) UpdateSessionStatus(ctx context.Context, upd SessionUpdate) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sessions
		SET status = $2,
		    start_datetime = COALESCE($3, start_datetime),
		    end_datetime = COALESCE($4, end_datetime),
		    actual_duration = COALESCE($5, actual_duration),
		    updated_by = COALESCE($6, updated_by),
		    updated_at = NOW()
		WHERE id = $1`,
		upd.ID, string(upd.Status), upd.ActualStart, upd.ActualEnd, upd.ActualDuration, upd.UpdatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// mapWriteError turns the active-account unique index violation into contention.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrSessionBusy, pgErr.ConstraintName)
	}
	return err
}

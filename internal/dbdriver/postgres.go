package dbdriver

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	pgAdminDatabase = "postgres"
	pgCSVTimeLayout = "2006-01-02 15:04:05.000 MST"
	pgValidUntil    = "2006-01-02 15:04:05-07"
)

type postgresDriver struct {
	*sqlBase
}

func newPostgresDriver(base *sqlBase) *postgresDriver {
	if base.open == nil {
		base.open = base.openPostgres
	}
	return &postgresDriver{sqlBase: base}
}

func (b *sqlBase) openPostgres(_ context.Context, database string) (*sql.DB, error) {
	if database == "" {
		database = b.target.Database
	}
	if database == "" {
		database = pgAdminDatabase
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(b.creds.Username, b.creds.Password),
		Host:   net.JoinHostPort(b.target.Host, strconv.Itoa(b.target.Port)),
		Path:   "/" + database,
	}
	q := u.Query()
	q.Set("connect_timeout", strconv.Itoa(int(b.cfg.ConnectTimeout.Seconds())))
	q.Set("application_name", "arguspam-jit")
	u.RawQuery = q.Encode()
	connCfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, err
	}
	return stdlib.OpenDB(*connCfg), nil
}

func (d *postgresDriver) TestAdminConnection(ctx context.Context) error {
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var allowed bool
		err := db.QueryRowContext(ctx,
			"SELECT rolcreaterole OR rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&allowed)
		if err != nil {
			return fmt.Errorf("%w: privilege probe: %w", ErrConnection, err)
		}
		if !allowed {
			return fmt.Errorf("%w: %s lacks CREATEROLE", ErrConnection, d.creds.Username)
		}
		return nil
	})
}

func (d *postgresDriver) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	databases := req.Databases
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", req.Username).Scan(&exists)
		if err != nil {
			return provisioningError(req.Username, err)
		}
		if databases == nil {
			if databases, err = pgDatabases(ctx, db); err != nil {
				return provisioningError(req.Username, err)
			}
		}
		stmts := []string{pgRoleStatement(req, exists)}
		for _, name := range databases {
			stmts = append(stmts, "GRANT CONNECT ON DATABASE "+pgIdent(name)+" TO "+pgIdent(req.Username))
		}
		if err := execAll(ctx, db, stmts); err != nil {
			return provisioningError(req.Username, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range databases {
		err := d.withConn(ctx, name, func(ctx context.Context, db *sql.DB) error {
			return execAll(ctx, db, pgGrantStatements(req.Username, req.Scope))
		})
		if err != nil {
			return provisioningError(req.Username, fmt.Errorf("database %s: %w", name, err))
		}
	}
	return nil
}

func pgRoleStatement(req CreateUserRequest, exists bool) string {
	verb := "CREATE ROLE "
	if exists {
		verb = "ALTER ROLE "
	}
	stmt := verb + pgIdent(req.Username) + " WITH LOGIN PASSWORD " + quoteLiteral(req.Password)
	if !req.ExpiresAt.IsZero() {
		stmt += " VALID UNTIL " + quoteLiteral(req.ExpiresAt.UTC().Format(pgValidUntil))
	}
	return stmt
}

// pgGrantStatements grants within the public schema of the current database.
// ALTER and DROP follow table ownership in PostgreSQL, so DDL maps to CREATE
// on the schema.
func pgGrantStatements(username string, scope Scope) []string {
	role := pgIdent(username)
	stmts := []string{"GRANT USAGE ON SCHEMA public TO " + role}
	var tablePrivs []Privilege
	for _, p := range scope.Privileges() {
		switch p {
		case PrivSelect, PrivInsert, PrivUpdate, PrivDelete:
			tablePrivs = append(tablePrivs, p)
		}
	}
	if len(tablePrivs) > 0 {
		privs := joinPrivileges(tablePrivs)
		stmts = append(stmts,
			"GRANT "+privs+" ON ALL TABLES IN SCHEMA public TO "+role,
			"ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT "+privs+" ON TABLES TO "+role,
		)
	}
	if scope.Has(PrivInsert) {
		stmts = append(stmts, "GRANT USAGE ON ALL SEQUENCES IN SCHEMA public TO "+role)
	}
	if scope.Has(PrivCreate) {
		stmts = append(stmts, "GRANT CREATE ON SCHEMA public TO "+role)
	}
	return stmts
}

func (d *postgresDriver) TerminateUser(ctx context.Context, username string, databases []string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	role := pgIdent(username)
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		// Lock the role first so killed sessions cannot reconnect before the drop.
		_, _ = db.ExecContext(ctx, "ALTER ROLE "+role+" NOLOGIN")
		_, _ = db.ExecContext(ctx, "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE usename = $1", username)
		if databases == nil {
			databases, _ = pgDatabases(ctx, db)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range databases {
		// Objects owned by the role block DROP ROLE; failures here surface there.
		_ = d.withConn(ctx, name, func(ctx context.Context, db *sql.DB) error {
			return execBestEffort(ctx, db, []string{
				"REASSIGN OWNED BY " + role + " TO CURRENT_USER",
				"DROP OWNED BY " + role,
			})
		})
	}
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "DROP ROLE IF EXISTS "+role); err != nil {
			return fmt.Errorf("dbdriver: drop %s: %w", username, err)
		}
		return nil
	})
}

func (d *postgresDriver) RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	var entries []QueryLogEntry
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var logfile sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT pg_current_logfile('csvlog')").Scan(&logfile); err != nil {
			return pgLogError(err)
		}
		if !logfile.Valid || logfile.String == "" {
			return fmt.Errorf("%w: csvlog is not enabled", ErrAuditLogUnavailable)
		}
		var content string
		if err := db.QueryRowContext(ctx, "SELECT pg_read_file($1)", logfile.String).Scan(&content); err != nil {
			return pgLogError(err)
		}
		parsed, err := parsePostgresCSVLog(strings.NewReader(content), username)
		if err != nil {
			return err
		}
		entries = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normalizeLogs(entries, from, to), nil
}

func pgLogError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "42501" || pgErr.Code == "58P01") {
		return fmt.Errorf("%w: %w", ErrAuditLogUnavailable, err)
	}
	return err
}

// parsePostgresCSVLog extracts statements of username from a csvlog file.
func parsePostgresCSVLog(r io.Reader, username string) ([]QueryLogEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	var out []QueryLogEntry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dbdriver: parse csvlog: %w", err)
		}
		if len(record) < 14 || record[1] != username {
			continue
		}
		query, ok := pgStatement(record[13])
		if !ok {
			continue
		}
		ts, err := time.Parse(pgCSVTimeLayout, record[0])
		if err != nil {
			continue
		}
		out = append(out, QueryLogEntry{Timestamp: ts, Query: query})
	}
}

func pgStatement(message string) (string, bool) {
	if rest, ok := strings.CutPrefix(message, "statement: "); ok {
		return rest, true
	}
	if strings.HasPrefix(message, "execute ") {
		if _, rest, ok := strings.Cut(message, ": "); ok {
			return rest, true
		}
	}
	return "", false
}

func (d *postgresDriver) GetAllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		names, err := pgDatabases(ctx, db)
		out = names
		return err
	})
	return out, err
}

func pgDatabases(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db,
		"SELECT datname FROM pg_database WHERE datallowconn AND NOT datistemplate ORDER BY datname")
}

func pgIdent(v string) string {
	return pgx.Identifier{v}.Sanitize()
}

package dbdriver

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

type sqlServerDriver struct {
	*sqlBase
}

func newSQLServerDriver(base *sqlBase) *sqlServerDriver {
	if base.open == nil {
		base.open = base.openSQLServer
	}
	return &sqlServerDriver{sqlBase: base}
}

func (b *sqlBase) openSQLServer(_ context.Context, database string) (*sql.DB, error) {
	if database == "" {
		database = b.target.Database
	}
	q := url.Values{}
	if database != "" {
		q.Set("database", database)
	}
	secs := strconv.Itoa(int(b.cfg.ConnectTimeout.Seconds()))
	q.Set("dial timeout", secs)
	q.Set("connection timeout", secs)
	q.Set("app name", "arguspam-jit")
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(b.creds.Username, b.creds.Password),
		Host:     net.JoinHostPort(b.target.Host, strconv.Itoa(b.target.Port)),
		RawQuery: q.Encode(),
	}
	return sql.Open("sqlserver", u.String())
}

func (d *sqlServerDriver) TestAdminConnection(ctx context.Context) error {
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var allowed int
		if err := db.QueryRowContext(ctx, "SELECT HAS_PERMS_BY_NAME(NULL, NULL, 'ALTER ANY LOGIN')").Scan(&allowed); err != nil {
			return fmt.Errorf("%w: privilege probe: %w", ErrConnection, err)
		}
		if allowed != 1 {
			return fmt.Errorf("%w: %s lacks ALTER ANY LOGIN", ErrConnection, d.creds.Username)
		}
		return nil
	})
}

func (d *sqlServerDriver) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		databases := req.Databases
		if databases == nil {
			var err error
			if databases, err = mssqlDatabases(ctx, db); err != nil {
				return provisioningError(req.Username, err)
			}
		}
		if err := execAll(ctx, db, mssqlCreateStatements(req, databases)); err != nil {
			return provisioningError(req.Username, err)
		}
		return nil
	})
}

func mssqlCreateStatements(req CreateUserRequest, databases []string) []string {
	login := mssqlIdent(req.Username)
	name := mssqlLiteral(req.Username)
	password := mssqlLiteral(req.Password)
	stmts := []string{
		"IF NOT EXISTS (SELECT 1 FROM sys.server_principals WHERE name = " + name + ") " +
			"CREATE LOGIN " + login + " WITH PASSWORD = " + password + ", CHECK_POLICY = OFF " +
			"ELSE ALTER LOGIN " + login + " WITH PASSWORD = " + password,
	}
	for _, db := range databases {
		use := "USE " + mssqlIdent(db) + "; "
		stmts = append(stmts, use+
			"IF NOT EXISTS (SELECT 1 FROM sys.database_principals WHERE name = "+name+") "+
			"CREATE USER "+login+" FOR LOGIN "+login)
		var dataPrivs []Privilege
		for _, p := range req.Scope.Privileges() {
			switch p {
			case PrivSelect, PrivInsert, PrivUpdate, PrivDelete:
				dataPrivs = append(dataPrivs, p)
			}
		}
		if len(dataPrivs) > 0 {
			stmts = append(stmts, use+"GRANT "+joinPrivileges(dataPrivs)+" TO "+login)
		}
		if req.Scope.Has(PrivCreate) {
			stmts = append(stmts,
				use+"GRANT CREATE TABLE, CREATE VIEW, CREATE PROCEDURE TO "+login,
				use+"GRANT ALTER ON SCHEMA::[dbo] TO "+login,
			)
		}
	}
	return stmts
}

func (d *sqlServerDriver) TerminateUser(ctx context.Context, username string, databases []string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	login := mssqlIdent(username)
	name := mssqlLiteral(username)
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		ids, err := queryStrings(ctx, db,
			"SELECT CAST(session_id AS varchar(12)) FROM sys.dm_exec_sessions WHERE login_name = @p1", username)
		if err == nil {
			for _, id := range ids {
				_, _ = db.ExecContext(ctx, "KILL "+id)
			}
		}
		if databases == nil {
			databases, _ = mssqlDatabases(ctx, db)
		}
		var stmts []string
		for _, dbName := range databases {
			stmts = append(stmts, "USE "+mssqlIdent(dbName)+"; DROP USER IF EXISTS "+login)
		}
		_ = execBestEffort(ctx, db, stmts)
		if _, err := db.ExecContext(ctx,
			"USE [master]; IF EXISTS (SELECT 1 FROM sys.server_principals WHERE name = "+name+") DROP LOGIN "+login); err != nil {
			return fmt.Errorf("dbdriver: drop %s: %w", username, err)
		}
		return nil
	})
}

func (d *sqlServerDriver) RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if d.cfg.SQLServerAuditPath == "" {
		return nil, fmt.Errorf("%w: no server audit path configured", ErrAuditLogUnavailable)
	}
	var entries []QueryLogEntry
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT event_time, statement
			 FROM sys.fn_get_audit_file(@p1, DEFAULT, DEFAULT)
			 WHERE server_principal_name = @p2 AND event_time BETWEEN @p3 AND @p4`,
			d.cfg.SQLServerAuditPath, username, from.UTC(), to.UTC())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuditLogUnavailable, err)
		}
		defer rows.Close()
		for rows.Next() {
			var e QueryLogEntry
			if err := rows.Scan(&e.Timestamp, &e.Query); err != nil {
				return err
			}
			if strings.TrimSpace(e.Query) != "" {
				entries = append(entries, e)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return normalizeLogs(entries, from, to), nil
}

func (d *sqlServerDriver) GetAllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		names, err := mssqlDatabases(ctx, db)
		out = names
		return err
	})
	return out, err
}

func mssqlDatabases(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, "SELECT name FROM sys.databases WHERE database_id > 4 AND state = 0 ORDER BY name")
}

func mssqlIdent(v string) string {
	return "[" + strings.ReplaceAll(v, "]", "]]") + "]"
}

func mssqlLiteral(v string) string {
	return "N" + quoteLiteral(v)
}

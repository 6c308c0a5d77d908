package dbdriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlSystemSchemas = map[string]struct{}{
	"information_schema": {},
	"mysql":              {},
	"performance_schema": {},
	"sys":                {},
}

// mysqlDriver serves MySQL and MariaDB, which share account and grant syntax.
type mysqlDriver struct {
	*sqlBase
}

func newMySQLDriver(base *sqlBase) *mysqlDriver {
	if base.open == nil {
		base.open = base.openMySQL
	}
	return &mysqlDriver{sqlBase: base}
}

func (b *sqlBase) openMySQL(_ context.Context, database string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = b.creds.Username
	cfg.Passwd = b.creds.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(b.target.Host, strconv.Itoa(b.target.Port))
	cfg.DBName = database
	cfg.Timeout = b.cfg.ConnectTimeout
	cfg.ReadTimeout = b.cfg.StatementTimeout
	cfg.WriteTimeout = b.cfg.StatementTimeout
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

func (d *mysqlDriver) TestAdminConnection(ctx context.Context) error {
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mysql.user").Scan(&n); err != nil {
			return fmt.Errorf("%w: privilege probe: %w", ErrConnection, err)
		}
		return nil
	})
}

func (d *mysqlDriver) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	statements := mysqlCreateStatements(req)
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		if err := execAll(ctx, db, statements); err != nil {
			return provisioningError(req.Username, err)
		}
		return nil
	})
}

func mysqlAccount(username string) string {
	return mysqlLiteral(username) + "@'%'"
}

func mysqlCreateStatements(req CreateUserRequest) []string {
	account := mysqlAccount(req.Username)
	stmts := []string{
		"CREATE USER IF NOT EXISTS " + account + " IDENTIFIED BY " + mysqlLiteral(req.Password),
		"ALTER USER " + account + " IDENTIFIED BY " + mysqlLiteral(req.Password),
	}
	privs := joinPrivileges(req.Scope.Privileges())
	if req.Databases == nil {
		return append(stmts, "GRANT "+privs+" ON *.* TO "+account)
	}
	for _, db := range req.Databases {
		stmts = append(stmts, "GRANT "+privs+" ON "+mysqlIdent(mysqlGrantPattern(db))+".* TO "+account)
	}
	return stmts
}

// mysqlGrantPattern escapes the wildcards MySQL honours in database-level
// grant targets so a grant names exactly one database.
func mysqlGrantPattern(db string) string {
	return strings.NewReplacer(`_`, `\_`, `%`, `\%`).Replace(db)
}

func (d *mysqlDriver) TerminateUser(ctx context.Context, username string, _ []string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	account := mysqlAccount(username)
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		// The grant set may be partial or already gone.
		_ = execBestEffort(ctx, db, []string{
			"ALTER USER " + account + " ACCOUNT LOCK",
			"REVOKE ALL PRIVILEGES, GRANT OPTION FROM " + account,
		})
		ids, err := queryStrings(ctx, db, "SELECT id FROM information_schema.processlist WHERE user = ?", username)
		if err == nil {
			for _, id := range ids {
				_, _ = db.ExecContext(ctx, "KILL "+id)
			}
		}
		if _, err := db.ExecContext(ctx, "DROP USER IF EXISTS "+account); err != nil {
			return fmt.Errorf("dbdriver: drop %s: %w", username, err)
		}
		return nil
	})
}

func (d *mysqlDriver) RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	var entries []QueryLogEntry
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT event_time, CONVERT(argument USING utf8mb4)
			 FROM mysql.general_log
			 WHERE user_host LIKE ? AND command_type IN ('Query', 'Execute')
			   AND event_time BETWEEN ? AND ?
			 ORDER BY event_time`,
			escapeLike(username)+"[%", from.UTC(), to.UTC())
		if err != nil {
			return mysqlLogError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var e QueryLogEntry
			if err := rows.Scan(&e.Timestamp, &e.Query); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return normalizeLogs(entries, from, to), nil
}

func mysqlLogError(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == 1146 || myErr.Number == 1142) {
		return fmt.Errorf("%w: general_log: %w", ErrAuditLogUnavailable, err)
	}
	return err
}

func (d *mysqlDriver) GetAllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		names, err := queryStrings(ctx, db, "SHOW DATABASES")
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, system := mysqlSystemSchemas[strings.ToLower(name)]; !system {
				out = append(out, name)
			}
		}
		return nil
	})
	return out, err
}

func mysqlLiteral(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func mysqlIdent(v string) string {
	return "`" + strings.ReplaceAll(v, "`", "``") + "`"
}

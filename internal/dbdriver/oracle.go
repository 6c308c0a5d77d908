package dbdriver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	go_ora "github.com/sijms/go-ora/v2"
)

// Oracle passwords are capped at 30 bytes.
const oracleMaxPassword = 30

var oracleAnyPrivileges = map[Privilege]string{
	PrivSelect: "SELECT ANY TABLE",
	PrivInsert: "INSERT ANY TABLE",
	PrivUpdate: "UPDATE ANY TABLE",
	PrivDelete: "DELETE ANY TABLE",
	PrivCreate: "CREATE ANY TABLE",
	PrivAlter:  "ALTER ANY TABLE",
	PrivDrop:   "DROP ANY TABLE",
}

// oracleDriver treats schemas as databases.
type oracleDriver struct {
	*sqlBase
}

func newOracleDriver(base *sqlBase) *oracleDriver {
	if base.cfg.Password.Length > oracleMaxPassword {
		base.cfg.Password.Length = oracleMaxPassword
	}
	if base.open == nil {
		base.open = base.openOracle
	}
	return &oracleDriver{sqlBase: base}
}

func (b *sqlBase) openOracle(_ context.Context, _ string) (*sql.DB, error) {
	service := b.target.Database
	if service == "" {
		service = b.cfg.OracleService
	}
	dsn := go_ora.BuildUrl(b.target.Host, b.target.Port, service, b.creds.Username, b.creds.Password, map[string]string{
		"CONNECTION TIMEOUT": strconv.Itoa(int(b.cfg.ConnectTimeout.Seconds())),
	})
	return sql.Open("oracle", dsn)
}

func (d *oracleDriver) TestAdminConnection(ctx context.Context) error {
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_privs WHERE privilege = 'CREATE USER'").Scan(&n); err != nil {
			return fmt.Errorf("%w: privilege probe: %w", ErrConnection, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s lacks CREATE USER", ErrConnection, d.creds.Username)
		}
		return nil
	})
}

func (d *oracleDriver) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM all_users WHERE username = :1", oracleName(req.Username)).Scan(&exists); err != nil {
			return provisioningError(req.Username, err)
		}
		stmts := oracleUserStatements(req, exists > 0)
		if req.Databases == nil {
			stmts = append(stmts, oracleAnyGrants(req.Username, req.Scope.Privileges())...)
		} else {
			grants, err := d.schemaGrants(ctx, db, req)
			if err != nil {
				return provisioningError(req.Username, err)
			}
			stmts = append(stmts, grants...)
		}
		if err := execAll(ctx, db, stmts); err != nil {
			return provisioningError(req.Username, err)
		}
		return nil
	})
}

func oracleUserStatements(req CreateUserRequest, exists bool) []string {
	user := oracleUser(req.Username)
	verb := "CREATE USER "
	if exists {
		verb = "ALTER USER "
	}
	return []string{
		verb + user + " IDENTIFIED BY " + oracleIdent(req.Password) + " ACCOUNT UNLOCK",
		"GRANT CREATE SESSION TO " + user,
	}
}

func oracleAnyGrants(username string, privs []Privilege) []string {
	names := make([]string, 0, len(privs))
	for _, p := range privs {
		names = append(names, oracleAnyPrivileges[p])
	}
	if len(names) == 0 {
		return nil
	}
	return []string{"GRANT " + strings.Join(names, ", ") + " TO " + oracleUser(username)}
}

// schemaGrants issues object grants per table of each schema. Table creation
// and removal have no object-level form so DDL falls back to ANY privileges.
func (d *oracleDriver) schemaGrants(ctx context.Context, db *sql.DB, req CreateUserRequest) ([]string, error) {
	var objectPrivs []Privilege
	for _, p := range req.Scope.Privileges() {
		if p != PrivCreate && p != PrivDrop {
			objectPrivs = append(objectPrivs, p)
		}
	}
	var stmts []string
	if len(objectPrivs) > 0 {
		for _, schema := range req.Databases {
			tables, err := queryStrings(ctx, db, "SELECT table_name FROM all_tables WHERE owner = :1", oracleName(schema))
			if err != nil {
				return nil, err
			}
			for _, table := range tables {
				stmts = append(stmts, "GRANT "+joinPrivileges(objectPrivs)+" ON "+
					oracleIdent(oracleName(schema))+"."+oracleIdent(table)+" TO "+oracleUser(req.Username))
			}
		}
	}
	var ddl []Privilege
	for _, p := range []Privilege{PrivCreate, PrivDrop} {
		if req.Scope.Has(p) {
			ddl = append(ddl, p)
		}
	}
	return append(stmts, oracleAnyGrants(req.Username, ddl)...), nil
}

func (d *oracleDriver) TerminateUser(ctx context.Context, username string, _ []string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	user := oracleUser(username)
	return d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, "SELECT sid, serial# FROM v$session WHERE username = :1", oracleName(username))
		if err == nil {
			var kills []string
			for rows.Next() {
				var sid, serial int64
				if rows.Scan(&sid, &serial) == nil {
					kills = append(kills, fmt.Sprintf("ALTER SYSTEM KILL SESSION '%d,%d' IMMEDIATE", sid, serial))
				}
			}
			rows.Close()
			_ = execBestEffort(ctx, db, kills)
		}
		_, err = db.ExecContext(ctx, "DROP USER "+user+" CASCADE")
		if err == nil || strings.Contains(err.Error(), "ORA-01918") {
			return nil
		}
		if _, lockErr := db.ExecContext(ctx, "ALTER USER "+user+" ACCOUNT LOCK"); lockErr != nil {
			return fmt.Errorf("dbdriver: drop %s: %w", username, err)
		}
		d.cfg.Logger.WarnContext(ctx, "oracle jit user locked instead of dropped",
			slog.String("username", username), slog.Any("error", err))
		return nil
	})
}

func (d *oracleDriver) RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	var entries []QueryLogEntry
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT event_timestamp_utc, sql_text
			 FROM unified_audit_trail
			 WHERE dbusername = :1 AND event_timestamp_utc BETWEEN :2 AND :3 AND sql_text IS NOT NULL`,
			oracleName(username), from.UTC(), to.UTC())
		if err != nil {
			if strings.Contains(err.Error(), "ORA-00942") {
				return fmt.Errorf("%w: %w", ErrAuditLogUnavailable, err)
			}
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e QueryLogEntry
			if err := rows.Scan(&e.Timestamp, &e.Query); err != nil {
				return err
			}
			e.Timestamp = e.Timestamp.UTC()
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return normalizeLogs(entries, from, to), nil
}

func (d *oracleDriver) GetAllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := d.withConn(ctx, "", func(ctx context.Context, db *sql.DB) error {
		names, err := queryStrings(ctx, db, "SELECT username FROM all_users WHERE oracle_maintained = 'N' ORDER BY username")
		out = names
		return err
	})
	return out, err
}

func oracleName(v string) string {
	return strings.ToUpper(v)
}

func oracleUser(v string) string {
	return oracleIdent(oracleName(v))
}

func oracleIdent(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

package dbdriver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisACLLogDepth = 128

var redisNumericDB = regexp.MustCompile(`^[0-9]+$`)

var redisScopeCategories = map[Privilege]string{
	PrivSelect: "+@read",
	PrivInsert: "+@write",
	PrivUpdate: "+@write",
	PrivDelete: "+@write",
	PrivCreate: "+@keyspace",
	PrivAlter:  "+@keyspace",
	PrivDrop:   "+@keyspace",
}

// redisDriver maps scopes onto ACL command categories. Databases become key
// prefixes since ACLs cannot restrict logical database indices.
type redisDriver struct {
	target Target
	creds  AdminCredentials
	cfg    Config
	now    func() time.Time
}

func newRedisDriver(target Target, creds AdminCredentials, cfg Config) *redisDriver {
	return &redisDriver{target: target, creds: creds, cfg: cfg, now: time.Now}
}

func (d *redisDriver) Engine() Engine { return EngineRedis }

func (d *redisDriver) GenerateSecureCredentials() (Credentials, error) {
	return generateCredentials(d.cfg, d.now())
}

func (d *redisDriver) withClient(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(d.target.Host, strconv.Itoa(d.target.Port)),
		Username:     d.creds.Username,
		Password:     d.creds.Password,
		DialTimeout:  d.cfg.ConnectTimeout,
		ReadTimeout:  d.cfg.StatementTimeout,
		WriteTimeout: d.cfg.StatementTimeout,
		PoolSize:     1,
	})
	defer client.Close()
	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(connectCtx).Err(); err != nil {
		return fmt.Errorf("%w: %s:%d: %w", ErrConnection, d.target.Host, d.target.Port, err)
	}
	stmtCtx, stmtCancel := context.WithTimeout(ctx, d.cfg.StatementTimeout)
	defer stmtCancel()
	return fn(stmtCtx, client)
}

func (d *redisDriver) TestAdminConnection(ctx context.Context) error {
	return d.withClient(ctx, func(ctx context.Context, client *redis.Client) error {
		if err := client.Do(ctx, "ACL", "LIST").Err(); err != nil {
			return fmt.Errorf("%w: privilege probe: %w", ErrConnection, err)
		}
		return nil
	})
}

func (d *redisDriver) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	args := redisSetUserArgs(req)
	return d.withClient(ctx, func(ctx context.Context, client *redis.Client) error {
		if err := client.Do(ctx, args...).Err(); err != nil {
			return provisioningError(req.Username, err)
		}
		return nil
	})
}

// redisCategories returns the ACL categories of scope without duplicates.
func redisCategories(scope Scope) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range scope.Privileges() {
		cat := redisScopeCategories[p]
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}

func redisKeyPatterns(databases []string) []string {
	var out []string
	for _, db := range databases {
		if redisNumericDB.MatchString(db) {
			continue
		}
		out = append(out, "~"+db+":*")
	}
	if len(out) == 0 {
		return []string{"~*"}
	}
	return out
}

func redisSetUserArgs(req CreateUserRequest) []any {
	args := []any{"ACL", "SETUSER", req.Username, "reset", "on", ">" + req.Password}
	for _, p := range redisKeyPatterns(req.Databases) {
		args = append(args, p)
	}
	args = append(args, "+@connection")
	for _, c := range redisCategories(req.Scope) {
		args = append(args, c)
	}
	return append(args, "-@dangerous")
}

func (d *redisDriver) TerminateUser(ctx context.Context, username string, _ []string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	return d.withClient(ctx, func(ctx context.Context, client *redis.Client) error {
		_ = client.Do(ctx, "CLIENT", "KILL", "USER", username).Err()
		if err := client.Do(ctx, "ACL", "DELUSER", username).Err(); err != nil {
			return fmt.Errorf("dbdriver: drop %s: %w", username, err)
		}
		return nil
	})
}

// RetrieveUserQueryLogs reads ACL LOG, the only per-user command record Redis
// keeps. It lists denied commands, not every command run.
func (d *redisDriver) RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	var entries []QueryLogEntry
	err := d.withClient(ctx, func(ctx context.Context, client *redis.Client) error {
		logs, err := client.ACLLog(ctx, redisACLLogDepth).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrAuditLogUnavailable, err)
		}
		entries = redisLogEntries(logs, username, d.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normalizeLogs(entries, from, to), nil
}

func redisLogEntries(logs []*redis.ACLLogEntry, username string, now time.Time) []QueryLogEntry {
	var out []QueryLogEntry
	for _, l := range logs {
		if l == nil || l.Username != username {
			continue
		}
		ts := now.Add(-time.Duration(l.AgeSeconds * float64(time.Second)))
		if l.TimestampCreated > 0 {
			ts = time.UnixMilli(l.TimestampCreated)
		}
		query := strings.TrimSpace(l.Object)
		if l.Reason != "" {
			query = fmt.Sprintf("%s (%s denied in %s)", query, l.Reason, l.Context)
		}
		out = append(out, QueryLogEntry{Timestamp: ts.UTC(), Query: query})
	}
	return out
}

func (d *redisDriver) GetAllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := d.withClient(ctx, func(ctx context.Context, client *redis.Client) error {
		cfg, err := client.ConfigGet(ctx, "databases").Result()
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(cfg["databases"])
		if err != nil {
			return fmt.Errorf("dbdriver: databases setting %q: %w", cfg["databases"], err)
		}
		for i := 0; i < n; i++ {
			out = append(out, strconv.Itoa(i))
		}
		return nil
	})
	return out, err
}

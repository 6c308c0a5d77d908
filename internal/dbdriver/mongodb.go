package dbdriver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoAuthDB            = "admin"
	mongoRoleNotFound      = 31
	mongoUserNotFound      = 11
	mongoRoleAlreadyExists = 51002
	mongoUserAlreadyExists = 51003
	mongoUnauthorized      = 13
	mongoNamespaceNotFound = 26
)

var mongoSystemDatabases = map[string]struct{}{
	"admin":  {},
	"local":  {},
	"config": {},
}

var mongoScopeActions = map[Privilege][]string{
	PrivSelect: {"find"},
	PrivInsert: {"insert"},
	PrivUpdate: {"update"},
	PrivDelete: {"remove"},
	PrivCreate: {"createCollection", "createIndex"},
	PrivAlter:  {"collMod"},
	PrivDrop:   {"dropCollection", "dropIndex"},
}

// mongoDriver maps scopes onto a per-user custom role since MongoDB has no
// SQL grants.
type mongoDriver struct {
	target Target
	creds  AdminCredentials
	cfg    Config
	now    func() time.Time
}

func newMongoDriver(target Target, creds AdminCredentials, cfg Config) *mongoDriver {
	return &mongoDriver{target: target, creds: creds, cfg: cfg, now: time.Now}
}

func (d *mongoDriver) Engine() Engine { return EngineMongoDB }

func (d *mongoDriver) GenerateSecureCredentials() (Credentials, error) {
	return generateCredentials(d.cfg, d.now())
}

func (d *mongoDriver) clientOptions() *options.ClientOptions {
	return options.Client().
		SetHosts([]string{net.JoinHostPort(d.target.Host, strconv.Itoa(d.target.Port))}).
		SetAuth(options.Credential{
			Username:   d.creds.Username,
			Password:   d.creds.Password,
			AuthSource: mongoAuthDB,
		}).
		SetAppName("arguspam-jit").
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetServerSelectionTimeout(d.cfg.ConnectTimeout).
		SetTimeout(d.cfg.StatementTimeout)
}

func (d *mongoDriver) withClient(ctx context.Context, fn func(ctx context.Context, client *mongo.Client) error) error {
	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, d.clientOptions())
	if err != nil {
		return fmt.Errorf("%w: %s:%d: %w", ErrConnection, d.target.Host, d.target.Port, err)
	}
	defer func() {
		_ = client.Disconnect(context.WithoutCancel(ctx))
	}()
	if err := client.Ping(connectCtx, nil); err != nil {
		return fmt.Errorf("%w: %s:%d: %w", ErrConnection, d.target.Host, d.target.Port, err)
	}
	stmtCtx, stmtCancel := context.WithTimeout(ctx, d.cfg.StatementTimeout)
	defer stmtCancel()
	return fn(stmtCtx, client)
}

func (d *mongoDriver) TestAdminConnection(ctx context.Context) error {
	return d.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		err := client.Database(mongoAuthDB).RunCommand(ctx, bson.D{{Key: "usersInfo", Value: 1}}).Err()
		if err != nil {
			return fmt.Errorf("%w: privilege probe: %w", ErrConnection, err)
		}
		return nil
	})
}

func (d *mongoDriver) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	role := mongoRoleName(req.Username)
	privileges := mongoPrivileges(req.Scope, req.Databases)
	return d.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		admin := client.Database(mongoAuthDB)
		err := admin.RunCommand(ctx, bson.D{
			{Key: "createRole", Value: role},
			{Key: "privileges", Value: privileges},
			{Key: "roles", Value: bson.A{}},
		}).Err()
		if mongoCode(err) == mongoRoleAlreadyExists {
			err = admin.RunCommand(ctx, bson.D{
				{Key: "updateRole", Value: role},
				{Key: "privileges", Value: privileges},
			}).Err()
		}
		if err != nil {
			return provisioningError(req.Username, err)
		}
		roles := bson.A{bson.D{{Key: "role", Value: role}, {Key: "db", Value: mongoAuthDB}}}
		err = admin.RunCommand(ctx, bson.D{
			{Key: "createUser", Value: req.Username},
			{Key: "pwd", Value: req.Password},
			{Key: "roles", Value: roles},
		}).Err()
		if mongoCode(err) == mongoUserAlreadyExists {
			err = admin.RunCommand(ctx, bson.D{
				{Key: "updateUser", Value: req.Username},
				{Key: "pwd", Value: req.Password},
				{Key: "roles", Value: roles},
			}).Err()
		}
		if err != nil {
			return provisioningError(req.Username, err)
		}
		return nil
	})
}

func mongoRoleName(username string) string {
	return username + "_scope"
}

// mongoActions returns the action set for a scope in a stable order.
func mongoActions(scope Scope) []string {
	var out []string
	for _, p := range scope.Privileges() {
		out = append(out, mongoScopeActions[p]...)
	}
	return out
}

func mongoPrivileges(scope Scope, databases []string) bson.A {
	actions := bson.A{}
	for _, a := range mongoActions(scope) {
		actions = append(actions, a)
	}
	if databases == nil {
		databases = []string{""}
	}
	privileges := bson.A{}
	for _, db := range databases {
		privileges = append(privileges, bson.D{
			{Key: "resource", Value: bson.D{{Key: "db", Value: db}, {Key: "collection", Value: ""}}},
			{Key: "actions", Value: actions},
		})
	}
	return privileges
}

func (d *mongoDriver) TerminateUser(ctx context.Context, username string, _ []string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	return d.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		admin := client.Database(mongoAuthDB)
		_ = admin.RunCommand(ctx, bson.D{
			{Key: "killAllSessionsByPattern", Value: bson.A{
				bson.D{{Key: "users", Value: bson.A{bson.D{{Key: "user", Value: username}, {Key: "db", Value: mongoAuthDB}}}}},
			}},
		}).Err()
		var errs []error
		if err := admin.RunCommand(ctx, bson.D{{Key: "dropUser", Value: username}}).Err(); err != nil && mongoCode(err) != mongoUserNotFound {
			errs = append(errs, fmt.Errorf("dbdriver: drop %s: %w", username, err))
		}
		if err := admin.RunCommand(ctx, bson.D{{Key: "dropRole", Value: mongoRoleName(username)}}).Err(); err != nil && mongoCode(err) != mongoRoleNotFound {
			errs = append(errs, fmt.Errorf("dbdriver: drop role of %s: %w", username, err))
		}
		return errors.Join(errs...)
	})
}

type mongoProfileEntry struct {
	TS      time.Time `bson:"ts"`
	Command bson.Raw  `bson:"command"`
}

func (d *mongoDriver) RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	var entries []QueryLogEntry
	err := d.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		names, err := client.ListDatabaseNames(ctx, bson.D{})
		if err != nil {
			return err
		}
		filter := bson.D{
			{Key: "user", Value: username + "@" + mongoAuthDB},
			{Key: "ts", Value: bson.D{{Key: "$gte", Value: from.UTC()}, {Key: "$lte", Value: to.UTC()}}},
		}
		opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}})
		for _, name := range names {
			if _, system := mongoSystemDatabases[name]; system {
				continue
			}
			cursor, err := client.Database(name).Collection("system.profile").Find(ctx, filter, opts)
			if err != nil {
				switch mongoCode(err) {
				case mongoUnauthorized:
					return fmt.Errorf("%w: %w", ErrAuditLogUnavailable, err)
				case mongoNamespaceNotFound:
					continue
				}
				return err
			}
			var docs []mongoProfileEntry
			if err := cursor.All(ctx, &docs); err != nil {
				return err
			}
			for _, doc := range docs {
				entries = append(entries, QueryLogEntry{Timestamp: doc.TS.UTC(), Query: doc.Command.String()})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normalizeLogs(entries, from, to), nil
}

func (d *mongoDriver) GetAllDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := d.withClient(ctx, func(ctx context.Context, client *mongo.Client) error {
		names, err := client.ListDatabaseNames(ctx, bson.D{})
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, system := mongoSystemDatabases[name]; !system {
				out = append(out, name)
			}
		}
		return nil
	})
	return out, err
}

func mongoCode(err error) int32 {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		for _, code := range []int32{mongoUnauthorized, mongoNamespaceNotFound} {
			if serverErr.HasErrorCode(int(code)) {
				return code
			}
		}
	}
	return 0
}

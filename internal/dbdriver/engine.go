package dbdriver

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Engine identifies a database engine family.
type Engine string

const (
	EngineMySQL      Engine = "mysql"
	EngineMariaDB    Engine = "mariadb"
	EnginePostgreSQL Engine = "postgresql"
	EngineSQLServer  Engine = "sqlserver"
	EngineOracle     Engine = "oracle"
	EngineMongoDB    Engine = "mongodb"
	EngineRedis      Engine = "redis"
)

var engineAliases = map[string]Engine{
	"mysql":      EngineMySQL,
	"mariadb":    EngineMariaDB,
	"postgresql": EnginePostgreSQL,
	"postgres":   EnginePostgreSQL,
	"pgsql":      EnginePostgreSQL,
	"sqlserver":  EngineSQLServer,
	"mssql":      EngineSQLServer,
	"oracle":     EngineOracle,
	"mongodb":    EngineMongoDB,
	"mongo":      EngineMongoDB,
	"redis":      EngineRedis,
}

var engineFolder = cases.Fold()

// ParseEngine normalises an engine identifier. Unknown identifiers return
// ErrUnsupportedEngine.
func ParseEngine(v string) (Engine, error) {
	key := engineFolder.String(strings.TrimSpace(v))
	if engine, ok := engineAliases[key]; ok {
		return engine, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEngine, v)
}

// DefaultPort returns the conventional listener port of the engine.
func (e Engine) DefaultPort() int {
	switch e {
	case EngineMySQL, EngineMariaDB:
		return 3306
	case EnginePostgreSQL:
		return 5432
	case EngineSQLServer:
		return 1433
	case EngineOracle:
		return 1521
	case EngineMongoDB:
		return 27017
	case EngineRedis:
		return 6379
	default:
		return 0
	}
}

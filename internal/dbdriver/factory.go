package dbdriver

// Factory builds engine drivers. Construction performs no I/O.
type Factory struct {
	cfg Config
}

// NewFactory constructs a Factory.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg.withDefaults()}
}

// New selects the driver for the target's engine.
func (f *Factory) New(target Target, creds AdminCredentials) (Driver, error) {
	engine, err := ParseEngine(string(target.Engine))
	if err != nil {
		return nil, err
	}
	target.Engine = engine
	if target.Port == 0 {
		target.Port = engine.DefaultPort()
	}
	cfg := DefaultConfig().withDefaults()
	if f != nil {
		cfg = f.cfg
	}
	base := newSQLBase(target, creds, cfg)
	switch engine {
	case EngineMySQL, EngineMariaDB:
		return newMySQLDriver(base), nil
	case EnginePostgreSQL:
		return newPostgresDriver(base), nil
	case EngineSQLServer:
		return newSQLServerDriver(base), nil
	case EngineOracle:
		return newOracleDriver(base), nil
	case EngineMongoDB:
		return newMongoDriver(target, creds, cfg), nil
	case EngineRedis:
		return newRedisDriver(target, creds, cfg), nil
	}
	return nil, ErrUnsupportedEngine
}

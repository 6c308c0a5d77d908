package dbdriver

import (
	"log/slog"
	"time"
)

// Config tunes driver behaviour shared by every engine.
type Config struct {
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	UsernamePrefix   string
	Password         PasswordPolicy
	// SQLServerAuditPath is the file pattern handed to sys.fn_get_audit_file.
	SQLServerAuditPath string
	// OracleService is used when an Oracle asset does not name a service.
	OracleService string
	Logger        *slog.Logger
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		StatementTimeout: 30 * time.Second,
		UsernamePrefix:   "jit",
		Password:         DefaultPasswordPolicy(),
		OracleService:    "ORCL",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = def.StatementTimeout
	}
	if c.UsernamePrefix == "" {
		c.UsernamePrefix = def.UsernamePrefix
	}
	if c.Password.Length == 0 {
		c.Password = def.Password
	}
	if c.OracleService == "" {
		c.OracleService = def.OracleService
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

package dbdriver

import (
	"context"
	"time"
)

// Driver is the uniform provisioning and audit contract every engine satisfies.
// Implementations open a short-lived admin connection per call and never share
// state between calls, so one value may be used concurrently.
type Driver interface {
	// Engine reports the engine the driver talks to.
	Engine() Engine
	// TestAdminConnection verifies the admin identity can authenticate and run
	// privileged statements. It never mutates state.
	TestAdminConnection(ctx context.Context) error
	// GenerateSecureCredentials returns a fresh username/password pair.
	GenerateSecureCredentials() (Credentials, error)
	// CreateUser creates the account and applies the grants mapped from the scope.
	CreateUser(ctx context.Context, req CreateUserRequest) error
	// TerminateUser revokes, disconnects and drops the account. Missing accounts
	// and unknown privilege sets are not errors.
	TerminateUser(ctx context.Context, username string, databases []string) error
	// RetrieveUserQueryLogs returns the statements run by username within
	// [from, to], oldest first.
	RetrieveUserQueryLogs(ctx context.Context, username string, from, to time.Time) ([]QueryLogEntry, error)
	// GetAllDatabases lists databases visible to the admin identity.
	GetAllDatabases(ctx context.Context) ([]string, error)
}

// Target identifies the database server a driver connects to.
type Target struct {
	Engine   Engine
	Host     string
	Port     int
	Database string
}

// AdminCredentials is the decrypted admin identity of an asset.
type AdminCredentials struct {
	Username  string
	Password  string
	Databases []string
}

// Credentials is a generated JIT username/password pair.
type Credentials struct {
	Username string
	Password string
}

// CreateUserRequest describes a JIT account to provision. A nil Databases
// slice grants on every database visible to the admin identity.
type CreateUserRequest struct {
	Username  string
	Password  string
	Databases []string
	Scope     Scope
	ExpiresAt time.Time
}

// QueryLogEntry is a single statement captured by the engine.
type QueryLogEntry struct {
	Timestamp time.Time
	Query     string
}

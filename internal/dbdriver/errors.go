package dbdriver

import "errors"

var (
	// ErrUnsupportedEngine is returned by the factory for unknown engine identifiers.
	ErrUnsupportedEngine = errors.New("dbdriver: unsupported engine")
	// ErrConnection indicates the admin identity could not authenticate or reach the server.
	ErrConnection = errors.New("dbdriver: admin connection failed")
	// ErrProvisioning indicates user creation or grant application failed.
	ErrProvisioning = errors.New("dbdriver: jit provisioning failed")
	// ErrAuditLogUnavailable indicates the engine's query log facility cannot be read.
	ErrAuditLogUnavailable = errors.New("dbdriver: query log unavailable")
	// ErrInvalidIdentifier rejects usernames or database names that cannot be quoted safely.
	ErrInvalidIdentifier = errors.New("dbdriver: invalid identifier")
)

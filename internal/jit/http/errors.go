package jithttp

import (
	"errors"
	"fmt"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/jit"
	"github.com/lunzai/arguspam-sub003/internal/platform/httpx"
	"github.com/lunzai/arguspam-sub003/internal/session"
	"github.com/lunzai/arguspam-sub003/internal/shared"
)

var errInternal = errors.New("internal error")

// mapError converts engine errors to the httpx sentinels. Messages of
// upstream failures are kept generic; they may carry server details.
func mapError(err error) error {
	switch {
	case errors.Is(err, jit.ErrNotFound), errors.Is(err, shared.ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, shared.ErrForbidden):
		return httpx.ErrForbidden
	case errors.Is(err, shared.ErrActorMissing):
		return httpx.ErrUnauthorized
	case errors.Is(err, jit.ErrSessionBusy):
		return fmt.Errorf("%w: another operation is in progress for this session", httpx.ErrConflict)
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, jit.ErrAccountNotAllowed),
		errors.Is(err, jit.ErrOutsideWindow):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, jit.ErrCredentialNotFound):
		return fmt.Errorf("%w: asset has no active admin account", httpx.ErrUnprocessable)
	case errors.Is(err, dbdriver.ErrUnsupportedEngine):
		return fmt.Errorf("%w: unsupported database engine", httpx.ErrUnprocessable)
	case errors.Is(err, dbdriver.ErrConnection):
		return fmt.Errorf("%w: could not connect to the asset", httpx.ErrUpstream)
	case errors.Is(err, dbdriver.ErrProvisioning):
		return fmt.Errorf("%w: account provisioning failed", httpx.ErrUpstream)
	default:
		return errInternal
	}
}

// probeMessage is the user-facing reason of a failed connection probe.
func probeMessage(err error) string {
	switch {
	case errors.Is(err, dbdriver.ErrConnection):
		return "connection failed"
	case errors.Is(err, jit.ErrCredentialNotFound):
		return "no active admin account"
	case errors.Is(err, dbdriver.ErrUnsupportedEngine):
		return "unsupported database engine"
	default:
		return "probe failed"
	}
}

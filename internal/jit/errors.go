package jit

import "errors"

var (
	// ErrNotFound indicates a missing session, asset, request or account.
	ErrNotFound = errors.New("jit: record not found")
	// ErrCredentialNotFound indicates the asset has no active admin account.
	ErrCredentialNotFound = errors.New("jit: admin credential not found")
	// ErrSessionBusy indicates another operation holds the session.
	ErrSessionBusy = errors.New("jit: session busy")
	// ErrRemoteTermination reports a failed remote drop after the local
	// account was deactivated.
	ErrRemoteTermination = errors.New("jit: remote account termination failed")
	// ErrAccountNotAllowed indicates the session state forbids holding an account.
	ErrAccountNotAllowed = errors.New("jit: session state does not allow an account")
	// ErrOutsideWindow indicates a start attempt outside the scheduled window.
	ErrOutsideWindow = errors.New("jit: outside scheduled window")
)

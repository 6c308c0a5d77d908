package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor may not touch the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrActorMissing occurs when a request carries no actor identity.
	ErrActorMissing = errors.New("actor identity missing")
)

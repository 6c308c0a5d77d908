package session

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of an access session.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusStarted    Status = "started"
	StatusEnded      Status = "ended"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusTerminated Status = "terminated"
)

// ErrInvalidTransition indicates the requested status change is not allowed.
var ErrInvalidTransition = errors.New("session: invalid transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: cannot move from %s to %s", e.From, e.To)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[Status][]Status{
	StatusScheduled: {StatusStarted, StatusExpired, StatusCancelled},
	StatusStarted:   {StatusEnded, StatusTerminated},
}

var known = map[Status]struct{}{
	StatusScheduled:  {},
	StatusStarted:    {},
	StatusEnded:      {},
	StatusExpired:    {},
	StatusCancelled:  {},
	StatusTerminated: {},
}

// ParseStatus normalises a stored status value.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := known[s]; !ok {
		return "", fmt.Errorf("session: unknown status %q", v)
	}
	return s, nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	_, ok := known[s]
	return ok && len(transitions[s]) == 0
}

// HoldsCredential reports whether a JIT account may exist in this state.
func (s Status) HoldsCredential() bool {
	return s == StatusStarted
}

// Next lists the states reachable from s.
func (s Status) Next() []Status {
	return append([]Status(nil), transitions[s]...)
}

// Transition validates from -> to and returns the new status.
func Transition(from, to Status) (Status, error) {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return to, nil
		}
	}
	return from, &TransitionError{From: from, To: to}
}

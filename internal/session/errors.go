package session

import "errors"

// Sentinel errors surfaced by the service and machine.
var (
	ErrUnknownAgent    = errors.New("session: unknown agent type")
	ErrNotRunning      = errors.New("session: no live transport for session")
	ErrAlreadyRunning  = errors.New("session: transport already attached")
	ErrTooManySessions = errors.New("session: concurrent session limit reached")
	ErrTerminal        = errors.New("session: session is in a terminal state")
	ErrUnknownRequest  = errors.New("session: unknown or already resolved request")
	ErrBadTransition   = errors.New("session: invalid status transition")
)

package issuerelay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrUnknownSession    = errors.New("unknown session")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConnection        = errors.New("connection failed")
	ErrNotImplemented    = errors.New("not implemented")
)

type TransitionError struct {
	SessionID string
	From      SessionState
	To        SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition %s -> %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

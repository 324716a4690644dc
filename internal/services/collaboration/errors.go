package collaboration

import (
	"errors"
	"fmt"
)

// Errors returned by the collaboration core. Callers match them with
// errors.Is; the API layer maps them to status codes and nacks.
var (
	ErrOutOfOrderOperation = errors.New("out of order operation")
	ErrSessionLocked       = errors.New("session is locked")
	ErrSessionCompleted    = errors.New("session is completed")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrSessionNotFound     = errors.New("session not found")
	ErrCapacityExceeded    = errors.New("session is at capacity")
	ErrExternalNotAllowed  = errors.New("external participants are not allowed")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrUnknownClient       = errors.New("client has not joined the session")
	ErrUnknownHandle       = errors.New("unknown cursor handle")
	ErrNotOwner            = errors.New("session is coordinated by another node")
	ErrCursorCompacted     = errors.New("cursor predates the oldest retained operation")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrNothingToUndo       = errors.New("nothing to undo")
	ErrShuttingDown        = errors.New("collaboration manager is shutting down")
)

// OutOfOrderError reports a rejected clock. When Resync is set the
// client's buffered operations were discarded and it must resync from a
// fresh bootstrap.
type OutOfOrderError struct {
	ClientID string
	Clock    uint64
	LastSeen uint64
	Resync   bool
}

func (e *OutOfOrderError) Error() string {
	if e.Resync {
		return fmt.Sprintf("client %s: clock %d too far ahead of %d, resync required", e.ClientID, e.Clock, e.LastSeen)
	}
	return fmt.Sprintf("client %s: clock %d is not after %d", e.ClientID, e.Clock, e.LastSeen)
}

func (e *OutOfOrderError) Unwrap() error {
	return ErrOutOfOrderOperation
}

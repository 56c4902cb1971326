package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means the requester or the partner is already committed.
	ErrBusy = errors.New("engine: user busy")
	// ErrUnreachable means the partner has no live connection.
	ErrUnreachable = errors.New("engine: partner not available")
	// ErrUnauthenticated means the connection has no bound identity.
	ErrUnauthenticated = errors.New("engine: authentication required")
	// ErrStaleRoom means the session already ran and lost all members.
	ErrStaleRoom = errors.New("engine: session closed")
	// ErrTerminatedRoom means a member's disconnect ended the session.
	ErrTerminatedRoom = errors.New("engine: session terminated")
	// ErrPersistence wraps failed preference store calls.
	ErrPersistence = errors.New("engine: persistence failure")

	ErrNoRequest       = errors.New("engine: no pending request")
	ErrRoomFull        = errors.New("engine: session room full")
	ErrNotMember       = errors.New("engine: not a session member")
	ErrSelfSelect      = errors.New("engine: cannot select yourself")
	ErrSessionMismatch = errors.New("engine: session id does not belong to this pair")
)

// TerminatedRoomError carries the pseudonym of the member whose disconnect
// ended the session. It matches ErrTerminatedRoom with errors.Is.
type TerminatedRoomError struct {
	SessionID    string
	TerminatedBy string
}

func (e *TerminatedRoomError) Error() string {
	return fmt.Sprintf("engine: session %s terminated by %s", e.SessionID, e.TerminatedBy)
}

func (e *TerminatedRoomError) Is(target error) bool {
	return target == ErrTerminatedRoom
}

package core

import (
	"errors"
	"fmt"
)

// Rejection reason codes, reported to the transport before the
// connection is closed.
const (
	RejectNoRoom      = "no_room"
	RejectBadSecurity = "bad_security_code"
	RejectNoParent    = "bad_parent"
	RejectBadSession  = "bad_session"
	RejectUnknownUser = "unknown_user"
	RejectNoIdentity  = "no_identity"
	RejectDuplicateID = "duplicate_public_id"
)

var (
	// ErrNotFound references an unknown connection, public id or room.
	// Leave/close paths treat it as a benign no-op.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState reports an operation that does not apply to the
	// current media state (stop with nothing active, second interview
	// recording, ...). No state is changed.
	ErrInvalidState = errors.New("invalid state")
)

// RejectionError refuses a join. It is never fatal to the process; the
// caller closes the underlying connection.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("admission rejected: %s", e.Reason)
}

// Reject builds a RejectionError with the given reason code.
func Reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// IsRejection reports whether err is an admission rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// InvalidState wraps ErrInvalidState with a caller-facing message.
func InvalidState(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, msg)
}

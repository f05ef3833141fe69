package common

import "errors"

var (
	// ErrValidationFailure: the participant refuses the work (business rule,
	// constraint, lock conflict). At Prepare it means a NO vote.
	ErrValidationFailure = errors.New("validation failure")
	// ErrTransientUnavailable: network or database unavailable; retry with backoff.
	ErrTransientUnavailable = errors.New("transient unavailable")
	// ErrAlreadyFinalized: commit/abort of an already finalized token. Treated as success.
	ErrAlreadyFinalized = errors.New("already finalized")
	// ErrCorruptState: finalize requested for a token the participant cannot reconcile.
	ErrCorruptState = errors.New("corrupt state")

	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInProgress        = errors.New("operation in progress")
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Permanent reports whether retrying err cannot change the answer. Anything
// else, including unclassified transport errors, is worth another attempt.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidationFailure) ||
		errors.Is(err, ErrCorruptState) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrIllegalTransition)
}

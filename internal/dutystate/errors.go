package dutystate

import "errors"

var (
	// ErrValidation marks a malformed command or missing required
	// annotation. Surfaced immediately to the caller, never queued.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentTransition is returned to the later-arriving of two
	// commands racing for the same driver. The caller must retry with
	// fresh state.
	ErrConcurrentTransition = errors.New("concurrent transition for driver")

	// ErrLimitExceeded marks an HOS hard limit. It is a forced-compliance
	// outcome, always paired with a forced OffDuty transition and a
	// Critical advisory.
	ErrLimitExceeded = errors.New("hours-of-service limit exceeded")
)

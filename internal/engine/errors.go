package engine

import (
	"errors"
	"fmt"

	"bountyline/internal/rail"
)

// ErrReconciliationRequired is returned while a bounty has settlement intents whose
// outcome could not be determined (the rail is still unreachable).
var ErrReconciliationRequired = errors.New("bounty has unresolved settlement intents; reconciliation required")

// ValidationError rejects an event without touching state: the event is not accepted in
// the current state, a guard failed, or a policy forbids it.
type ValidationError struct {
	Event  string
	State  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Event == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s rejected in %s: %s", e.Event, e.State, e.Reason)
}

// SideEffectError reports a failed fund movement. State is unchanged.
type SideEffectError struct {
	Op   string
	Kind rail.ErrorKind
	Err  error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same event may succeed.
func (e *SideEffectError) Retryable() bool { return rail.Retryable(e.Kind) }

// ReconciliationError means the rail and the escrow record disagree. The bounty is held
// until an administrator clears it.
type ReconciliationError struct {
	BountyID string
	Detail   string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("bounty %s on reconciliation hold: %s", e.BountyID, e.Detail)
}

func invalid(evt, state, format string, args ...any) *ValidationError {
	return &ValidationError{Event: evt, State: state, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

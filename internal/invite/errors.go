package invite

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrInvalidGuestRecord   = errors.New("invalid guest record")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrTransientExternal    = errors.New("transient external error")
	ErrReconciliationFailed = errors.New("reconciliation failed")
	ErrExhausted            = errors.New("guest exhausted")
	ErrVoiceProfileMissing  = errors.New("voice profile missing")
	ErrDuplicateOutcome     = errors.New("outcome already recorded")
	ErrEventNotActive       = errors.New("event is not active")
)

// ValidationError rejects input before any state change.
type ValidationError struct {
	Field  string
	Reason string
	kind   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.kind != nil && target == e.kind)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidGuest is a ValidationError that also matches ErrInvalidGuestRecord.
func InvalidGuest(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), kind: ErrInvalidGuestRecord}
}

// TransitionError reports a (state, event) pair the lifecycle does not define.
type TransitionError struct {
	GuestID string
	From    State
	Event   string
	Detail  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("guest %s: %s not allowed in state %s", e.GuestID, e.Event, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransientError wraps a platform or store failure that is worth retrying.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return e.Op + ": " + e.Cause.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientExternal
}

func Transient(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransientError{Op: op, Cause: cause}
}

package provider

import (
	"errors"
	"fmt"
)

// Cause classifies a provider failure for retry and reporting decisions.
type Cause string

const (
	CauseNetwork   Cause = "network"
	CauseAuth      Cause = "auth"
	CauseQuota     Cause = "quota"
	CauseMalformed Cause = "malformed"
)

// Error is the failure contract shared by all providers.
type Error struct {
	Provider string
	Op       string // The operation that failed
	Cause    Cause
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s (%s): %s", e.Provider, e.Op, e.Cause, e.Err)
	}
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying. Auth and
// malformed-response failures never recover on retry.
func (e *Error) Transient() bool {
	return e.Cause == CauseNetwork || e.Cause == CauseQuota
}

// AsError extracts a provider *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Transient()
}

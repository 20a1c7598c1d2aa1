// Package retry implements error classification, exponential backoff
// with jitter, and rail selection with health-score based fallback
// promotion (spec.md §4.4).
package retry

import (
	stderrors "errors"

	"deltran/pkg/errors"
)

// Class is the error taxonomy spec.md §4.4 dispatches retry policy on.
type Class string

const (
	ClassTransient     Class = "transient"
	ClassChannelDown   Class = "channel_down"
	ClassBusiness      Class = "business"
	ClassConfiguration Class = "configuration"
	ClassUnknown       Class = "unknown"
)

// Classify maps a rail or persistence error to its retry class. Business
// and Configuration errors must never be retried (spec.md §4.4); callers
// branch on the returned Class before deciding whether to attempt again.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	switch {
	case stderrors.Is(err, errors.ErrRailBusinessReject),
		stderrors.Is(err, errors.ErrInsufficientBalance),
		stderrors.Is(err, errors.ErrComplianceNotCleared),
		stderrors.Is(err, errors.ErrTokensNotReserved),
		stderrors.Is(err, errors.ErrNostroInactive):
		return ClassBusiness
	case stderrors.Is(err, errors.ErrRailConfiguration):
		return ClassConfiguration
	case stderrors.Is(err, errors.ErrRailUnavailable):
		return ClassChannelDown
	case stderrors.Is(err, errors.ErrWindowExhausted):
		return ClassChannelDown
	default:
		// Network timeouts, 5xx, and transient lock contention surface as
		// plain wrapped errors from the rail/DB layer; anything not
		// recognized as a definite business or configuration failure is
		// treated as transient so it gets a bounded number of retries
		// rather than failing hard on an unfamiliar error shape.
		return ClassTransient
	}
}

// Retryable reports whether a class is ever eligible for phase-3 retry.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassChannelDown
}

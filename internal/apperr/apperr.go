package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies dialer failures at the service boundary.
//
// Callers switch on Kind, never on message text.
// ConcurrentClaimLost and ReferentialGap are recovered inside the engine and
// must not reach API callers.
type Kind string

const (
	KindValidationFailed         Kind = "validation_failed"
	KindNotEligible              Kind = "not_eligible"
	KindNotFound                 Kind = "not_found"
	KindNoCallsAvailable         Kind = "no_calls_available"
	KindConcurrentClaimLost      Kind = "concurrent_claim_lost"
	KindReferentialGap           Kind = "referential_gap"
	KindAbandonmentCeilingBreach Kind = "abandonment_ceiling_breach"
	KindCallInProgress           Kind = "call_in_progress"
	KindInternal                 Kind = "internal"
)

// Sentinels usable with errors.Is.
var (
	ErrValidationFailed    = &Error{Kind: KindValidationFailed}
	ErrNotEligible         = &Error{Kind: KindNotEligible}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrNoCallsAvailable    = &Error{Kind: KindNoCallsAvailable}
	ErrConcurrentClaimLost = &Error{Kind: KindConcurrentClaimLost}
	ErrCallInProgress      = &Error{Kind: KindCallInProgress}
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so that wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may simply repeat the operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrentClaimLost
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, message string) *Error {
	return New(KindValidationFailed, op, message)
}

func NotEligible(op, message string) *Error {
	return New(KindNotEligible, op, message)
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

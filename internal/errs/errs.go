// Package errs defines the error taxonomy shared by the deployment pipeline,
// the treasury engine and the chain-facing components. Callers classify
// failures with Is/As rather than string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling and reporting.
type Kind int

const (
	// KindValidation rejects bad input before any funds move.
	KindValidation Kind = iota + 1
	// KindVerification marks a payment that does not match expectations.
	KindVerification
	// KindInsufficientFunds covers both treasury and wallet shortfalls.
	KindInsufficientFunds
	// KindProtocol marks a loader step the chain rejected.
	KindProtocol
	// KindTimeout marks a round-trip that exceeded its budget.
	KindTimeout
	// KindAccountState marks an on-chain account whose layout is
	// incompatible with the current schema.
	KindAccountState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindVerification:
		return "verification"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindAccountState:
		return "account_state"
	default:
		return "unknown"
	}
}

// Error is a classified error. The wrapped cause, when present, stays
// reachable through errors.Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is treats two classified errors with the same kind as equal, so
// errors.Is(err, errs.Validation("")) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a classified error with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation returns a validation error with the given message.
func Validation(msg string) *Error { return New(KindValidation, msg) }

// Validationf returns a formatted validation error.
func Validationf(format string, args ...any) *Error { return Newf(KindValidation, format, args...) }

// Verificationf returns a formatted payment-verification error.
func Verificationf(format string, args ...any) *Error { return Newf(KindVerification, format, args...) }

// InsufficientFundsf returns a formatted funds error.
func InsufficientFundsf(format string, args ...any) *Error {
	return Newf(KindInsufficientFunds, format, args...)
}

// Protocolf returns a formatted loader-protocol error.
func Protocolf(format string, args ...any) *Error { return Newf(KindProtocol, format, args...) }

// Timeoutf returns a formatted timeout error.
func Timeoutf(format string, args ...any) *Error { return Newf(KindTimeout, format, args...) }

// AccountStatef returns a formatted account-layout error.
func AccountStatef(format string, args ...any) *Error { return Newf(KindAccountState, format, args...) }

// KindOf reports the kind of err, or 0 when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

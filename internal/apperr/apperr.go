// Package apperr defines the error taxonomy shared by the bridge core.
//
// Every failure that crosses the command surface is an *Error carrying a
// Kind, a stable Code and a human readable Message. Sentinels compare by
// Code, so wrapped or re-created errors still match with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindState       Kind = "state"
	KindCorrelation Kind = "correlation"
	KindTimeout     Kind = "timeout"
	KindDelegate    Kind = "delegate"
	KindInternal    Kind = "internal"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotStarted     = &Error{Kind: KindState, Code: "not_started", Message: "runtime is not started"}
	ErrAlreadyStarted = &Error{Kind: KindState, Code: "already_started", Message: "runtime is already started"}
	ErrAlreadyRunning = &Error{Kind: KindState, Code: "already_running", Message: "dapp is already running"}
	ErrNotRunning     = &Error{Kind: KindState, Code: "not_running", Message: "dapp is not running"}
	ErrDAppStopped    = &Error{Kind: KindState, Code: "dapp_stopped", Message: "dapp was stopped"}

	ErrDuplicateID = &Error{Kind: KindCorrelation, Code: "duplicate_id", Message: "call id is already outstanding"}
	ErrUnknownID   = &Error{Kind: KindCorrelation, Code: "unknown_id", Message: "no outstanding call with this id"}
	ErrTimedOut    = &Error{Kind: KindCorrelation, Code: "timed_out", Message: "call timed out"}

	ErrStartTimeout = &Error{Kind: KindTimeout, Code: "start_timeout", Message: "dapp did not start in time"}

	ErrUnknownCommand = &Error{Kind: KindValidation, Code: "unknown_command", Message: "unknown command"}
	ErrInvalidPayload = &Error{Kind: KindValidation, Code: "invalid_payload", Message: "invalid payload"}
)

// Validation reports malformed input caught before any side effect.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: ErrInvalidPayload.Code, Message: fmt.Sprintf(format, args...)}
}

// Delegate wraps an error reported by the remote side of a correlated call.
func Delegate(message string) *Error {
	return &Error{Kind: KindDelegate, Code: "delegate_error", Message: message}
}

// Internal wraps a collaborator failure so it carries a code on the wire.
func Internal(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: KindInternal, Code: "internal", Message: err.Error(), err: err}
}

// Wrap keeps the code of sentinel but prefixes the message with context.
func Wrap(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: fmt.Sprintf("%s: %s", sentinel.Message, fmt.Sprintf(format, args...)),
		err:     sentinel,
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or "internal" for foreign errors.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal"
}

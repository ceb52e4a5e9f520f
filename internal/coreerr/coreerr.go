// Package coreerr defines the error taxonomy shared by every core component:
// a fixed Kind enum plus a single wrapping CoreError type. Callers that need
// to branch on failure category use errors.As to recover a *CoreError and
// switch on its Kind, rather than matching message strings.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError into one of the taxonomy's fixed categories.
type Kind string

const (
	KindConfig     Kind = "Config"
	KindStore      Kind = "Store"
	KindTransport  Kind = "Transport"
	KindProtocol   Kind = "Protocol"
	KindCapability Kind = "Capability"
	KindPolicy     Kind = "Policy"
	KindConflict   Kind = "Conflict"
	KindTimeout    Kind = "Timeout"
	KindCancelled  Kind = "Cancelled"
	KindFatal      Kind = "Fatal"
)

// CoreError wraps an underlying error with a stable Kind and Code, the shape
// every IPC-facing error takes so callers never see raw internals.
type CoreError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// New constructs a CoreError with no wrapped cause.
func New(kind Kind, code, message string) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: message}
}

// Wrap constructs a CoreError wrapping an existing error.
func Wrap(kind Kind, code, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *CoreError, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}

	return "", false
}

// Is reports whether err is (or wraps) a *CoreError of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)

	return ok && k == kind
}

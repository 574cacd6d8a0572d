// Package a3serr defines the error taxonomy shared across the runtime.
//
// Every subsystem wraps lower-level failures into an *Error carrying one
// of the Kind values below, so that the CLI-facing boundary can always
// render "kind: message" plus an optional hint without type-switching on
// subsystem-specific error types.
package a3serr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a class of error from spec.md §7.
type Kind string

const (
	KindInvalidReference  Kind = "InvalidReference"
	KindNotFound          Kind = "NotFound"
	KindUnauthorized      Kind = "Unauthorized"
	KindRegistryTransient Kind = "RegistryTransient"
	KindRegistryPermanent Kind = "RegistryPermanent"
	KindDigestMismatch    Kind = "DigestMismatch"
	KindCorruptArchive    Kind = "CorruptArchive"
	KindBoxBootError      Kind = "BoxBootError"
	KindTimeout           Kind = "Timeout"
	KindAttestationFailed Kind = "AttestationFailed"
	KindWrongIdentity     Kind = "WrongIdentity"
	KindStateConflict     Kind = "StateConflict"
	KindIO                Kind = "Io"
	KindSerialization     Kind = "Serialization"
	KindConfig            Kind = "Config"
	KindNotImplemented    Kind = "NotImplemented"
)

// Error is the taxonomy-tagged error every subsystem boundary returns.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Render formats the error the way spec.md §7 describes user-visible
// output: one line with kind and message, optional hint on its own line.
func (e *Error) Render() string {
	out := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Hint != "" {
		out += "\n" + e.Hint
	}
	return out
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around a cause, preserving
// the cause's chain via github.com/pkg/errors so callers can still
// errors.Cause() down to the original failure.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: errors.Wrap(cause, message)}
}

// WithHint attaches a one-line remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Of reports the Kind of err if it is (or wraps) an *Error, else "".
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// ErrNotImplemented is returned by operations this runtime does not
// implement (currently: exec and start).
var ErrNotImplemented = New(KindNotImplemented, "operation not implemented")

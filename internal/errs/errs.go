// Package errs defines the typed error kinds shared by every component.
// Call sites wrap a sentinel with errs.Wrap and callers unwrap with
// errors.Is/errors.As to route transient and permanent failures differently.
package errs

import "errors"

// Kind classifies an error into one of the engine-wide buckets.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidInput
	KindTimeout
	KindDependency
	KindConflict
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidInput:
		return "invalid_input"
	case KindTimeout:
		return "timeout"
	case KindDependency:
		return "dependency"
	case KindConflict:
		return "conflict"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel errors. Use errors.Is against these, or errors.As against *Error
// to recover the Kind programmatically.
var (
	ErrNotFound      = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists, Msg: "already exists"}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	ErrTimeout       = &Error{Kind: KindTimeout, Msg: "timeout"}
	ErrDependency    = &Error{Kind: KindDependency, Msg: "dependency failure"}
	ErrConflict      = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrCancelled     = &Error{Kind: KindCancelled, Msg: "cancelled"}
)

// Error is a typed, wrappable error carrying a Kind and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.ErrNotFound) succeed against any *Error
// sharing the same Kind, not just the exact sentinel pointer.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Wrap builds a new *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error
// or does not wrap one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

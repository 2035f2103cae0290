// Package apierr classifies failures from the tracker and code-host
// collaborators into the categories the orchestrator reacts to. NotFound is a
// control-flow signal (fall through to the next probe), Conflict needs a
// human, Unauthorized fails the cycle, and everything else is Transient and
// retried on the next scheduled cycle.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is the category of a collaborator failure.
type Kind int

const (
	KindTransient Kind = iota
	KindNotFound
	KindUnauthorized
	KindConflict
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUnauthorized:
		return "Unauthorized"
	case KindConflict:
		return "Conflict"
	case KindTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// Error is a typed collaborator failure.
type Error struct {
	Kind Kind
	Op   string // e.g. "gh pr create", "jira search"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound is shorthand for a KindNotFound error without an underlying cause.
func NotFound(op string) *Error {
	return &Error{Kind: KindNotFound, Op: op}
}

// FromHTTPStatus maps an HTTP status code to an error, or nil for 2xx/3xx.
func FromHTTPStatus(status int, op string) error {
	switch {
	case status < 400:
		return nil
	case status == 404 || status == 410:
		return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("HTTP %d", status)}
	case status == 401 || status == 403:
		return &Error{Kind: KindUnauthorized, Op: op, Err: fmt.Errorf("HTTP %d", status)}
	case status == 409 || status == 422:
		return &Error{Kind: KindConflict, Op: op, Err: fmt.Errorf("HTTP %d", status)}
	default:
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("HTTP %d", status)}
	}
}

// KindOf extracts the kind from err. Untyped errors are Transient: the safe
// default is "retry next cycle", never "give up" or "escalate".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a NotFound-kind error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsConflict reports whether err is a Conflict-kind error.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConflict
}

// IsUnauthorized reports whether err is an Unauthorized-kind error.
func IsUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUnauthorized
}

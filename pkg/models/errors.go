package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the server core wraps exactly one of
// these so callers can classify it with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPrecondition      = errors.New("precondition failed")
	ErrResolution        = errors.New("resolution failed")
	ErrUserLimitExceeded = errors.New("user limit exceeded")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrServer            = errors.New("server error")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Error carries a kind, the operation that failed and an optional cause.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // e.g. "coordinator.coordinate"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error of the given kind.
func NewError(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind error, op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

var kinds = []error{
	ErrNotFound,
	ErrConflict,
	ErrPrecondition,
	ErrResolution,
	ErrUserLimitExceeded,
	ErrServerUnavailable,
	ErrInvalidStatus,
	ErrUnauthorized,
	ErrServer,
}

// KindOf returns the kind of the outermost *Error in the chain, else the
// first kind err matches, else ErrServer.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrServer
}

// KindName is the short label of a kind, used in metric tags and on the wire.
func KindName(err error) string {
	if err == nil {
		return "none"
	}
	switch KindOf(err) {
	case ErrNotFound:
		return "NotFound"
	case ErrConflict:
		return "Conflict"
	case ErrPrecondition:
		return "Precondition"
	case ErrResolution:
		return "Resolution"
	case ErrUserLimitExceeded:
		return "UserLimitExceeded"
	case ErrServerUnavailable:
		return "ServerUnavailable"
	case ErrInvalidStatus:
		return "InvalidStatus"
	case ErrUnauthorized:
		return "Unauthorized"
	default:
		return "Server"
	}
}

// KindFromName is the inverse of KindName. Unknown names map to ErrServer.
func KindFromName(name string) error {
	for _, k := range kinds {
		if KindName(k) == name {
			return k
		}
	}
	return ErrServer
}

package filetransfer

import (
	"errors"
	"fmt"
)

// Sentinel errors for transfers
var (
	ErrNotFound          = errors.New("file not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidURI        = errors.New("invalid uri")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrUnsupported       = errors.New("operation not supported")
	ErrUnavailable       = errors.New("remote unavailable")
)

// Error wraps a transfer failure with the operation and location.
type Error struct {
	Op     string // get, put or stat
	Scheme string
	URI    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Scheme, e.Op, e.URI, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates the file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func wrap(op, scheme, uri string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Scheme: scheme, URI: uri, Err: err}
}

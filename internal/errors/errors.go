package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeIOFailure      ErrorType = "IO_FAILURE"
	ErrorTypeResolution     ErrorType = "RESOLUTION_FAILURE"
	ErrorTypeProtocolDecode ErrorType = "PROTOCOL_DECODE"
)

// Error is the typed error shared by storage, resolver and the wire layer.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Type, so errors.Is(err, ErrNotFound)
// works for every not-found error regardless of path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

var ErrNotFound = &Error{Type: ErrorTypeNotFound, Message: "not found"}

func NotFound(path string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: "not found",
		Path:    path,
	}
}

func IOFailure(op, path string, err error) *Error {
	return &Error{
		Type:    ErrorTypeIOFailure,
		Message: op,
		Path:    path,
		Err:     err,
	}
}

func ResolutionFailure(root string, err error) *Error {
	return &Error{
		Type:    ErrorTypeResolution,
		Message: "resolving import graph",
		Path:    root,
		Err:     err,
	}
}

func ProtocolDecode(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeProtocolDecode,
		Message: message,
		Err:     err,
	}
}

func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

func IsType(err error, t ErrorType) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Type == t
}

package service

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindConflict
	// KindIntegrity is a gateway answer that does not match local records.
	KindIntegrity
	KindUnavailable
	KindDeclined
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindUnavailable:
		return "unavailable"
	case KindDeclined:
		return "declined"
	default:
		return "internal"
	}
}

// Error is what services hand back to the API layer.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func validationError(code, msg string) *Error {
	return newError(KindValidation, code, msg, nil)
}

func internalError(msg string, err error) *Error {
	return newError(KindInternal, "internal_error", msg, err)
}

// KindOf reports the kind of err; errors not raised by a service are internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the same call may succeed later.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

package messaging

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput   = errors.New("invalid_input")
	ErrInvalidMessage = errors.New("invalid_message")
	ErrUnknownUser    = errors.New("unknown_user")
	ErrNotFound       = errors.New("not_found")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsInvalidMessage reports whether err represents ErrInvalidMessage.
func IsInvalidMessage(err error) bool { return errors.Is(err, ErrInvalidMessage) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUnknownUser reports whether err represents ErrUnknownUser.
func IsUnknownUser(err error) bool { return errors.Is(err, ErrUnknownUser) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// Code returns the stable wire code for err. Unclassified errors are
// "server_error" and should not leak their text to callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsInvalidMessage(err):
		return ErrInvalidMessage.Error()
	case IsInvalidInput(err):
		return ErrInvalidInput.Error()
	case IsUnknownUser(err):
		return ErrUnknownUser.Error()
	case IsNotFound(err):
		return ErrNotFound.Error()
	case IsForbidden(err):
		return ErrForbidden.Error()
	case IsConflict(err):
		return ErrConflict.Error()
	default:
		return "server_error"
	}
}

// PublicMessage returns the caller-facing text for err.
func PublicMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) {
		if oe.Msg != "" {
			return oe.Msg
		}
		return oe.Kind.Error()
	}
	return "internal error"
}

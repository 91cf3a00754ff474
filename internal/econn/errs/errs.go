// Package errs defines the closed set of error kinds the econn core can
// return or close a connection with.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a sentinel error category, analogous to a C errno.
type Kind int

const (
	// InvalidArg marks a null handle, empty identifier, or missing
	// required field at an API boundary.
	InvalidArg Kind = iota
	// BadMessage marks a decoder failure: missing/wrong field or
	// unrecognized message type.
	BadMessage
	// Protocol marks an operation requested in the wrong state, an
	// unsupported wire version, or a zero timer.
	Protocol
	// Unsupported marks a missing transport handler.
	Unsupported
	// TimedOut marks a setup or term timer expiry.
	TimedOut
	// Canceled marks a close triggered by a remote CANCEL. A local
	// End() before answer closes with a nil error, not Canceled.
	Canceled
	// NoMemory marks an allocation failure.
	NoMemory
)

func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "INVALID_ARG"
	case BadMessage:
		return "BAD_MESSAGE"
	case Protocol:
		return "PROTOCOL"
	case Unsupported:
		return "UNSUPPORTED"
	case TimedOut:
		return "TIMEDOUT"
	case Canceled:
		return "CANCELED"
	case NoMemory:
		return "NO_MEMORY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// Error wraps a Kind with operation-specific context. Implements Unwrap
// so callers can test with errors.Is against the Kind-derived sentinels
// below.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "start", "decode"
	Message string // extra context, e.g. which state was rejected
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("econn: %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("econn: %s: %s", e.Op, e.Kind)
}

// Unwrap lets errors.Is(err, errs.ErrProtocol) etc. succeed.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case InvalidArg:
		return ErrInvalidArg
	case BadMessage:
		return ErrBadMessage
	case Protocol:
		return ErrProtocol
	case Unsupported:
		return ErrUnsupported
	case TimedOut:
		return ErrTimedOut
	case Canceled:
		return ErrCanceled
	case NoMemory:
		return ErrNoMemory
	default:
		return nil
	}
}

// New builds an *Error for the given kind, operation, and message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Sentinel errors usable with errors.Is.
var (
	ErrInvalidArg  = errors.New("invalid argument")
	ErrBadMessage  = errors.New("bad message")
	ErrProtocol    = errors.New("protocol error")
	ErrUnsupported = errors.New("unsupported")
	ErrTimedOut    = errors.New("timed out")
	ErrCanceled    = errors.New("canceled")
	ErrNoMemory    = errors.New("no memory")
)

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error produced by this package. ok is false otherwise.
func KindOf(err error) (k Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

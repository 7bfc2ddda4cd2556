// Package errs defines the error kinds surfaced by the task orchestration core.
// Boundary layers (HTTP, CLI) pick a response code from the kind, never from the message.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the boundary layer.
type Kind int

const (
	Unknown Kind = iota
	Invalid
	NotFound
	NotReady
	TerminalState
	Configuration
	StageFailure
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case NotFound:
		return "not_found"
	case NotReady:
		return "not_ready"
	case TerminalState:
		return "terminal_state"
	case Configuration:
		return "configuration"
	case StageFailure:
		return "stage_failure"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error carries a Kind together with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() Kind { return e.Kind }

// Kinded is implemented by any error that knows its own kind.
type Kinded interface {
	ErrorKind() Kind
}

// E builds an *Error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds an *Error with a formatted cause.
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost Kinded error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return Unknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

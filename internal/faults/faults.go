// Package faults classifies errors into the runtime's handling categories.
//
// Every error that reaches a cleanup handler, a worker loop or the
// supervisor boundary is classified with Classify:
//
//   - Cancelled: routine, swallowed by cleanup
//   - Timeout: logged, task removed, not escalated
//   - ContractViolation: a peer broke the request/channel contract; triggers shutdown
//   - Transient: retried locally, becomes Fatal on exhaustion
//   - Fatal: anything else; triggers shutdown
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is an error handling category.
type Kind int

const (
	Fatal Kind = iota
	Cancelled
	Timeout
	ContractViolation
	Transient
)

func (k Kind) String() string {
	switch k {
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case ContractViolation:
		return "contract-violation"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names are Fatal.
func ParseKind(s string) Kind {
	for _, k := range []Kind{Cancelled, Timeout, ContractViolation, Transient} {
		if k.String() == s {
			return k
		}
	}
	return Fatal
}

// Error attaches a Kind and an operation name to an underlying error.
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

// New wraps err with kind. A nil err still produces a non-nil *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Contractf builds a ContractViolation with a formatted message.
func Contractf(op, format string, args ...any) *Error {
	return &Error{Kind: ContractViolation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transientf builds a Transient error with a formatted message.
func Transientf(op, format string, args ...any) *Error {
	return &Error{Kind: Transient, Op: op, Err: fmt.Errorf(format, args...)}
}

// Fatalf builds a Fatal error with a formatted message.
func Fatalf(op, format string, args ...any) *Error {
	return &Error{Kind: Fatal, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the handling category for err. nil classifies as Cancelled
// so callers can treat "no error" and "routine stop" the same way.
func Classify(err error) Kind {
	if err == nil {
		return Cancelled
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Fatal
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// Escalates reports whether err must bring the supervisor down.
func Escalates(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case Cancelled, Timeout:
		return false
	}
	return true
}

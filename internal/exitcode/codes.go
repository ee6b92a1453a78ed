// Package exitcode defines structured exit codes for gasbot commands.
// Scripts and service managers use them to tell a requested stop from a
// crash without parsing log output.
//
// # Exit Code Ranges
//
//   - 0: Success (including a user-initiated KILL)
//   - 1-9: General errors (usage, internal)
//   - 40-49: Timeout errors
//   - 50-59: Conflict/state errors
//   - 60-69: Runtime failures surfaced by the supervisor
//
// # Usage
//
//	return exitcode.Newf(exitcode.ErrUsage, "invalid flag: %s", flag)
//	code := exitcode.Code(err) // ErrGeneral for non-coded errors, fault kinds mapped
package exitcode

import (
	"errors"
	"fmt"

	"github.com/steveyegge/gasbot/internal/faults"
)

const (
	// Success indicates the command completed successfully.
	Success = 0

	// General errors (1-9)
	ErrGeneral  = 1 // General/unknown error
	ErrUsage    = 2 // Invalid arguments or usage
	ErrInternal = 3 // Internal error (bug)
	ErrConfig   = 4 // Configuration could not be loaded

	// Timeout errors (40-49)
	ErrTimeout = 40 // Operation timed out

	// Conflict/state errors (50-59)
	ErrBusy = 52 // Another supervisor holds the instance lock

	// Runtime failures (60-69)
	ErrContract  = 60 // A peer violated the request or channel contract
	ErrFatalTask = 61 // A scheduled task failed
	ErrPeerLost  = 62 // A worker or the bridge died or closed its channel unexpectedly
)

// Error wraps an error with a specific exit code.
type Error struct {
	Code    int
	Message string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new coded error.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Newf creates a new coded error with printf-style formatting.
func Newf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the exit code from an error.
// Coded errors win; otherwise the fault kind decides; everything else is ErrGeneral.
func Code(err error) int {
	if err == nil {
		return Success
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case faults.ContractViolation:
			return ErrContract
		case faults.Timeout:
			return ErrTimeout
		case faults.Cancelled:
			return Success
		default:
			return ErrFatalTask
		}
	}
	return ErrGeneral
}

// Is checks if an error has a specific exit code.
func Is(err error, code int) bool {
	return Code(err) == code
}

// Busy returns the error for a second supervisor on the same run directory.
func Busy(lockPath string) *Error {
	return Newf(ErrBusy, "supervisor already running (lock held: %s)", lockPath)
}

// PeerLost returns an error for a child process that went away.
func PeerLost(name string, cause error) *Error {
	return Wrap(ErrPeerLost, fmt.Sprintf("%s lost", name), cause)
}

package launcher

import (
	"errors"
	"fmt"
)

// Exit codes reserved for failures of the launcher itself, so callers can
// tell "the test suite reported failures" apart from "the launcher could
// not run". This follows the engine CLI convention of claiming the top of
// the 8-bit range.
const (
	ExitPortUnavailable        = 121
	ExitImageUnavailable       = 122
	ExitInstanceAlreadyRunning = 123
	ExitSessionStartFailure    = 124
	ExitRuntimeFailure         = 125
)

// Error is a launcher-side failure carrying the exit code the process
// should terminate with.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func codedErr(code int, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by Run to a process exit code. Anything
// without an explicit code is a runtime failure.
func ExitCode(err error) int {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ExitRuntimeFailure
}

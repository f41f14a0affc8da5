package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrCapacity        = errors.New("execution capacity exceeded")
	ErrInvalidJob      = errors.New("invalid execution job")
	ErrUnsupportedLang = errors.New("unsupported language")
	ErrBackendDown     = errors.New("sandbox backend unavailable")
)

// ExecutionError wraps backend-internal failures with execution context.
// Everything a job's own code does wrong (non-zero exit, timeout, OOM) is an
// Outcome, not an error; ExecutionError is reserved for infrastructure
// problems like spawn or working-area failures.
type ExecutionError struct {
	ExecID string
	Op     string // the operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsCapacity reports whether err is a pool saturation rejection.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}

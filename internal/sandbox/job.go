package sandbox

import (
	"time"

	"codelab-engine/internal/policy"
)

// Job is one validated unit of work for a sandbox backend: the source to run,
// the language, and the policy snapshot taken at submission time. The policy
// travels with the job so a concurrent reload never affects an in-flight run.
type Job struct {
	ID       string
	Source   string
	Language string
	Policy   *policy.SecurityPolicy
}

// Status classifies the outcome of one execution attempt.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusRuntimeError    Status = "runtime_error"
	StatusTimeout         Status = "timeout"
	StatusMemoryExceeded  Status = "memory_exceeded"
	StatusOutputTruncated Status = "output_truncated"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected_by_validator"
	StatusInternalError   Status = "internal_error"
)

// Outcome is what actually happened when a job ran. It is created once and
// never mutated afterwards.
type Outcome struct {
	Status          Status
	Stdout          string
	StdoutTruncated bool
	Stderr          string
	StderrTruncated bool
	// ExitCode is nil when the process never produced one (spawn failure).
	ExitCode *int
	// WallClock spans spawn to exit or forced termination, grace included.
	WallClock time.Duration
	// PeakMemoryBytes is best-effort (wait rusage); nil when unmeasurable.
	PeakMemoryBytes *int64
}

package sandbox

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codelab-engine/internal/runtime"
)

// DefaultGrace is how long a process group gets between SIGTERM and SIGKILL.
const DefaultGrace = 500 * time.Millisecond

// ProcessRunner executes jobs as direct interpreter subprocesses with OS
// resource limits. Each job gets its own process group and an ephemeral
// working directory that is destroyed unconditionally after the run.
//
// Filesystem isolation here is coarse (private workdir, minimal environment,
// rlimits); deployments that need full namespace isolation run the containerd
// backend instead.
type ProcessRunner struct {
	runtimes *runtime.Registry
	grace    time.Duration
	spawns   atomic.Int64
}

// NewProcessRunner creates a process-based sandbox backend.
func NewProcessRunner(runtimes *runtime.Registry, grace time.Duration) *ProcessRunner {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &ProcessRunner{runtimes: runtimes, grace: grace}
}

// SpawnCount returns how many child processes this runner has started.
// Used by tests to prove that rejected submissions never spawn.
func (r *ProcessRunner) SpawnCount() int64 {
	return r.spawns.Load()
}

// Close implements Backend. The runner holds no long-lived resources; every
// child is reaped before Execute returns.
func (r *ProcessRunner) Close() error { return nil }

// Execute runs one job to completion, enforcing the job's policy ceilings.
// Routine outcomes (timeout, OOM, non-zero exit) come back as an Outcome;
// an error return means the sandbox itself failed.
func (r *ProcessRunner) Execute(ctx context.Context, job Job) (*Outcome, error) {
	if job.Source == "" || job.Policy == nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "validate", Err: ErrInvalidJob}
	}

	rt, err := r.runtimes.Get(job.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "get_runtime", Err: ErrUnsupportedLang}
	}

	logger := log.With().
		Str("exec_id", job.ID).
		Str("language", job.Language).
		Logger()

	workdir, err := os.MkdirTemp("", "codelab-"+job.ID+"-*")
	if err != nil {
		// One retry for transient tmpfs pressure before giving up.
		workdir, err = os.MkdirTemp("", "codelab-"+job.ID+"-*")
		if err != nil {
			return nil, &ExecutionError{ExecID: job.ID, Op: "create_workdir", Err: err}
		}
	}
	defer func() {
		if rmErr := os.RemoveAll(workdir); rmErr != nil {
			logger.Error().Err(rmErr).Str("workdir", workdir).Msg("workdir cleanup failed")
		}
	}()

	codePath := filepath.Join(workdir, "main"+rt.FileExtension())
	if err := os.WriteFile(codePath, []byte(job.Source), 0o600); err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "write_source", Err: err}
	}
	if err := os.Chmod(codePath, 0o444); err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "chmod_source", Err: err}
	}

	pol := job.Policy
	argv := rt.Command(codePath)

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv comes from the runtime registry, not the caller
	cmd.Dir = workdir
	cmd.Env = []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
		"CODELAB_SANDBOX=1",
	}
	// Own process group so forced termination reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &cappedBuffer{max: pol.MaxOutputBytes}
	stderr := &cappedBuffer{max: pol.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "spawn", Err: err}
	}
	r.spawns.Add(1)

	pgid := cmd.Process.Pid
	applyRlimits(pgid, pol, logger)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(pol.MaxWallClock)
	defer timer.Stop()

	var timedOut, cancelled bool
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		r.killGroup(pgid, done, logger)
	case <-ctx.Done():
		cancelled = true
		r.killGroup(pgid, done, logger)
	}

	// Final sweep: nothing from this group may outlive the call.
	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	wall := time.Since(start)

	exitCode := -1
	var exitPtr *int
	var peak *int64
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
		// A forced kill has no meaningful exit code to report.
		if !timedOut && !cancelled {
			ec := exitCode
			exitPtr = &ec
		}
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
			v := maxRSSBytes(ru.Maxrss)
			peak = &v
		}
	}

	out := &Outcome{
		Stdout:          stdout.String(),
		StdoutTruncated: stdout.Truncated(),
		Stderr:          stderr.String(),
		StderrTruncated: stderr.Truncated(),
		ExitCode:        exitPtr,
		WallClock:       wall,
		PeakMemoryBytes: peak,
	}

	switch {
	case cancelled:
		out.Status = StatusCancelled
	case timedOut:
		out.Status = StatusTimeout
	case exitCode != 0 && looksOOM(out.Stderr, peak, pol.MaxMemoryBytes):
		out.Status = StatusMemoryExceeded
	case exitCode != 0:
		out.Status = StatusRuntimeError
	case out.StdoutTruncated || out.StderrTruncated:
		out.Status = StatusOutputTruncated
	default:
		out.Status = StatusSuccess
	}

	logger.Info().
		Str("status", string(out.Status)).
		Int("exit_code", exitCode).
		Dur("wall_clock", wall).
		Msg("sandbox process finished")

	return out, nil
}

// killGroup terminates the whole process group: SIGTERM first, then SIGKILL
// after the grace period if the group ignores it. Blocks until the child has
// been reaped.
func (r *ProcessRunner) killGroup(pgid int, done <-chan error, logger zerolog.Logger) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(r.grace):
	}
	logger.Warn().Int("pgid", pgid).Msg("process group ignored SIGTERM, escalating to SIGKILL")
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	<-done
}

// looksOOM decides whether a failed run died of the memory ceiling: either
// the measured peak reached the cap, or the interpreter reported an
// allocation failure after RLIMIT_AS refused it more memory.
func looksOOM(stderr string, peak *int64, limit int64) bool {
	if peak != nil && *peak >= limit {
		return true
	}
	for _, sig := range []string{"MemoryError", "Cannot allocate memory", "out of memory"} {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// cappedBuffer collects stream output up to a byte ceiling. Past the ceiling
// it keeps draining (so the child never blocks on a full pipe) but discards
// the bytes and flips the truncated flag.
type cappedBuffer struct {
	max       int64
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(b.buf.Len())
	switch {
	case room <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case int64(len(p)) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string  { return b.buf.String() }
func (b *cappedBuffer) Truncated() bool { return b.truncated }

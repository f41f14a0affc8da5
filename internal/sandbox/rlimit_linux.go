//go:build linux

package sandbox

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"codelab-engine/internal/policy"
)

// applyRlimits imposes the policy's hard resource caps on an already-started
// child via prlimit(2). The child is stopped in its own process group and has
// not run user code yet (the interpreter is still loading), so applying the
// limits immediately after Start is effectively race-free for our ceilings.
func applyRlimits(pid int, pol *policy.SecurityPolicy, logger zerolog.Logger) {
	set := func(resource int, value uint64, name string) {
		lim := &unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, lim, nil); err != nil {
			logger.Warn().Err(err).Str("rlimit", name).Msg("failed to apply resource limit")
		}
	}

	mem := uint64(pol.MaxMemoryBytes) // #nosec G115 -- validated > 0
	set(unix.RLIMIT_AS, mem, "RLIMIT_AS")
	// Output is capped by the pipe readers; FSIZE stops scratch-file abuse.
	set(unix.RLIMIT_FSIZE, mem, "RLIMIT_FSIZE")
	set(unix.RLIMIT_NPROC, 64, "RLIMIT_NPROC")
	set(unix.RLIMIT_NOFILE, 128, "RLIMIT_NOFILE")
	set(unix.RLIMIT_CORE, 0, "RLIMIT_CORE")
}

// maxRSSBytes converts wait4 rusage Maxrss to bytes (kilobytes on Linux).
func maxRSSBytes(maxrss int64) int64 {
	return maxrss * 1024
}

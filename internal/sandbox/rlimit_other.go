//go:build !linux

package sandbox

import (
	"github.com/rs/zerolog"

	"codelab-engine/internal/policy"
)

// applyRlimits is a no-op off Linux: prlimit(2) on a foreign pid is
// Linux-only. The wall-clock deadline, output caps, and process-group kill
// still hold; the hard memory ceiling needs the containerd backend here.
func applyRlimits(pid int, pol *policy.SecurityPolicy, logger zerolog.Logger) {
	logger.Debug().Int("pid", pid).Msg("rlimits unsupported on this platform, relying on wall-clock and output ceilings")
}

// maxRSSBytes converts wait4 rusage Maxrss to bytes (already bytes on darwin).
func maxRSSBytes(maxrss int64) int64 {
	return maxrss
}

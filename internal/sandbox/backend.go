package sandbox

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"codelab-engine/internal/config"
	"codelab-engine/internal/runtime"
)

// Backend runs one validated job under its policy snapshot and guarantees
// that no spawned process outlives the call.
type Backend interface {
	Execute(ctx context.Context, job Job) (*Outcome, error)
	Close() error
}

// SpawnCounter is implemented by backends that count spawned children, for
// test instrumentation.
type SpawnCounter interface {
	SpawnCount() int64
}

// NewBackend builds the configured sandbox backend wrapped in the bounded
// pool. "auto" prefers containerd when a socket is configured on Linux and
// falls back to the process backend.
func NewBackend(ctx context.Context, cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	inner, err := newRawBackend(ctx, cfg, runtimes)
	if err != nil {
		return nil, err
	}
	return NewPool(inner, cfg.Sandbox.MaxConcurrent, cfg.Sandbox.QueueDepth), nil
}

func newRawBackend(ctx context.Context, cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	sb := cfg.Sandbox
	switch sb.Backend {
	case "process", "":
		return NewProcessRunner(runtimes, sb.GracePeriod), nil

	case "containerd":
		return newContainerdBackend(ctx, cfg, runtimes)

	case "auto":
		if goruntime.GOOS == "linux" && sb.ContainerdSocket != "" {
			backend, err := newContainerdBackend(ctx, cfg, runtimes)
			if err == nil {
				log.Info().Msg("using containerd sandbox backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, using process backend")
		}
		return NewProcessRunner(runtimes, sb.GracePeriod), nil

	default:
		return nil, fmt.Errorf("unknown sandbox backend %q: must be process, containerd, or auto", sb.Backend)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, runtimes *runtime.Registry) (Backend, error) {
	runner, err := NewContainerRunner(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace, runtimes, cfg.Sandbox.GracePeriod)
	if err != nil {
		return nil, err
	}

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to clean up orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

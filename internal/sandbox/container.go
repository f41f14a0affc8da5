package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codelab-engine/internal/policy"
	"codelab-engine/internal/runtime"
	"codelab-engine/pkg/seccomp"
)

// ContainerRunner is the containerd-based backend: full namespace isolation,
// cgroup memory ceiling, seccomp, read-only rootfs. Used where the host
// provides containerd; the process backend covers everything else.
type ContainerRunner struct {
	client    *containerd.Client
	namespace string
	runtimes  *runtime.Registry
	grace     time.Duration
	spawns    atomic.Int64
}

// NewContainerRunner connects to containerd and verifies the connection.
func NewContainerRunner(ctx context.Context, socket, namespace string, runtimes *runtime.Registry, grace time.Duration) (*ContainerRunner, error) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("connected to containerd")

	return &ContainerRunner{
		client:    client,
		namespace: namespace,
		runtimes:  runtimes,
		grace:     grace,
	}, nil
}

// SpawnCount returns how many container tasks this runner has started.
func (r *ContainerRunner) SpawnCount() int64 {
	return r.spawns.Load()
}

// Close shuts down the containerd client.
func (r *ContainerRunner) Close() error {
	return r.client.Close()
}

func (r *ContainerRunner) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Execute runs one job inside a fresh container and tears it down on every
// exit path.
func (r *ContainerRunner) Execute(ctx context.Context, job Job) (*Outcome, error) {
	if job.Source == "" || job.Policy == nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "validate", Err: ErrInvalidJob}
	}

	rt, err := r.runtimes.Get(job.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "get_runtime", Err: ErrUnsupportedLang}
	}

	pol := job.Policy
	logger := log.With().
		Str("exec_id", job.ID).
		Str("language", job.Language).
		Logger()

	workdir, err := os.MkdirTemp("", "codelab-"+job.ID+"-*")
	if err != nil {
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

	hostCodePath := filepath.Join(workdir, "main"+rt.FileExtension())
	if err := os.WriteFile(hostCodePath, []byte(job.Source), 0o600); err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "write_source", Err: err}
	}
	// World-readable: the task runs as nobody (UID 65534).
	if err := os.Chmod(hostCodePath, 0o444); err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "chmod_source", Err: err}
	}

	nsCtx := r.withNamespace(ctx)

	image, err := r.client.GetImage(nsCtx, rt.Image())
	if err != nil {
		image, err = r.client.Pull(nsCtx, rt.Image(), containerd.WithPullUnpack)
		if err != nil {
			return nil, &ExecutionError{ExecID: job.ID, Op: "pull_image", Err: err}
		}
	}

	containerID := "codelab-" + job.ID
	codePath := "/workspace/main" + rt.FileExtension()

	container, err := r.client.NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(rt.Command(codePath)...),
			oci.WithHostname("codelab"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				confineSpec(s, pol)
				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      workdir,
					Options:     []string{"rbind", "ro"},
				})
				return nil
			},
		),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "create_container", Err: err}
	}
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout := &cappedBuffer{max: pol.MaxOutputBytes}
	stderr := &cappedBuffer{max: pol.MaxOutputBytes}

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, delErr := task.Delete(r.withNamespace(context.Background()), containerd.WithProcessKill); delErr != nil && !errdefs.IsNotFound(delErr) {
			logger.Error().Err(delErr).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "task_wait", Err: err}
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, &ExecutionError{ExecID: job.ID, Op: "task_start", Err: err}
	}
	r.spawns.Add(1)

	timer := time.NewTimer(pol.MaxWallClock)
	defer timer.Stop()

	var timedOut, cancelled bool
	var exitCode int
	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())
	case <-timer.C:
		timedOut = true
		exitCode = r.killTask(task, exitCh, logger)
	case <-ctx.Done():
		cancelled = true
		exitCode = r.killTask(task, exitCh, logger)
	}

	wall := time.Since(start)

	// A forced kill has no meaningful exit code to report.
	var exitPtr *int
	if !timedOut && !cancelled {
		ec := exitCode
		exitPtr = &ec
	}

	out := &Outcome{
		Stdout:          stdout.String(),
		StdoutTruncated: stdout.Truncated(),
		Stderr:          stderr.String(),
		StderrTruncated: stderr.Truncated(),
		ExitCode:        exitPtr,
		WallClock:       wall,
	}

	switch {
	case cancelled:
		out.Status = StatusCancelled
	case timedOut:
		out.Status = StatusTimeout
	case exitCode == 137 || (exitCode != 0 && looksOOM(out.Stderr, nil, pol.MaxMemoryBytes)):
		// 137 = killed by the cgroup OOM killer under the memory ceiling.
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
		Msg("sandbox container finished")

	return out, nil
}

// killTask force-terminates the task and drains its exit status.
func (r *ContainerRunner) killTask(task containerd.Task, exitCh <-chan containerd.ExitStatus, logger zerolog.Logger) int {
	killCtx := r.withNamespace(context.Background())
	if err := task.Kill(killCtx, 9); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to kill task")
	}
	select {
	case status := <-exitCh:
		return int(status.ExitCode())
	case <-time.After(r.grace + 5*time.Second):
		logger.Warn().Msg("timed out waiting for killed task to exit")
		return -1
	}
}

func (r *ContainerRunner) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(r.withNamespace(ctx), 30*time.Second)
	defer cancel()

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(cleanupCtx, 9)
		}
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", container.ID()).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	return nil
}

// CleanupOrphaned removes sandbox containers left over from previous runs.
func (r *ContainerRunner) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := r.withNamespace(ctx)

	list, err := r.client.Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		if !strings.HasPrefix(c.ID(), "codelab-") {
			continue
		}
		if err := r.cleanupContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// confineSpec rewrites the OCI spec so the container can do nothing but run
// the interpreter under the policy's ceilings.
func confineSpec(s *specs.Spec, pol *policy.SecurityPolicy) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
	if s.Process.Capabilities == nil {
		s.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	memory := pol.MaxMemoryBytes
	s.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memory,
		Swap:  &memory, // no swap headroom beyond the ceiling
	}
	pids := int64(64)
	s.Linux.Resources.Pids = &specs.LinuxPids{Limit: pids}

	s.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 128, Soft: 128},
		{Type: "RLIMIT_NPROC", Hard: 64, Soft: 64},
		{Type: "RLIMIT_FSIZE", Hard: uint64(memory), Soft: uint64(memory)}, // #nosec G115 -- validated > 0
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}

	nsTypes := []specs.LinuxNamespaceType{
		specs.PIDNamespace,
		specs.MountNamespace,
		specs.UTSNamespace,
		specs.IPCNamespace,
		specs.UserNamespace,
	}
	if !pol.NetworkAllowed {
		nsTypes = append(nsTypes, specs.NetworkNamespace)
	}
	s.Linux.Namespaces = nil
	for _, t := range nsTypes {
		s.Linux.Namespaces = append(s.Linux.Namespaces, specs.LinuxNamespace{Type: t})
	}

	if pol.NetworkAllowed {
		s.Linux.Seccomp = seccomp.InterpreterProfile(seccomp.WithNetwork())
	} else {
		s.Linux.Seccomp = seccomp.InterpreterProfile()
	}

	s.Linux.MaskedPaths = []string{
		"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
		"/proc/timer_list", "/proc/timer_stats", "/proc/sched_debug",
		"/proc/scsi", "/sys/firmware",
	}
	s.Linux.ReadonlyPaths = []string{
		"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq",
		"/proc/sys", "/proc/sysrq-trigger",
	}

	noCaps := []string{}
	s.Process.Capabilities.Bounding = noCaps
	s.Process.Capabilities.Effective = noCaps
	s.Process.Capabilities.Inheritable = noCaps
	s.Process.Capabilities.Permitted = noCaps
	s.Process.Capabilities.Ambient = noCaps

	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: 65534, GID: 65534} // nobody
	s.Process.Env = []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"CODELAB_SANDBOX=1",
	}

	if s.Root != nil {
		s.Root.Readonly = true
	}
}

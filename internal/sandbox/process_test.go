package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"codelab-engine/internal/policy"
	"codelab-engine/internal/runtime"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func testPolicy() *policy.SecurityPolicy {
	p := policy.Default()
	p.MaxWallClock = 10 * time.Second
	p.MaxOutputBytes = 64 << 10
	return p
}

func newRunner() *ProcessRunner {
	return NewProcessRunner(runtime.NewRegistry("", ""), DefaultGrace)
}

func TestExecuteSuccess(t *testing.T) {
	requirePython(t)
	r := newRunner()

	out, err := r.Execute(context.Background(), Job{
		ID:       "t-success",
		Source:   "print('hello')",
		Language: "python",
		Policy:   testPolicy(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusSuccess {
		t.Errorf("Status = %s, stderr = %q", out.Status, out.Stderr)
	}
	if out.Stdout != "hello\n" {
		t.Errorf("Stdout = %q", out.Stdout)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Errorf("ExitCode = %v", out.ExitCode)
	}
	if out.WallClock <= 0 {
		t.Error("WallClock not measured")
	}
	if n := r.SpawnCount(); n != 1 {
		t.Errorf("SpawnCount = %d, want 1", n)
	}
}

func TestExecuteRuntimeError(t *testing.T) {
	requirePython(t)
	r := newRunner()

	out, err := r.Execute(context.Background(), Job{
		ID:       "t-raise",
		Source:   "raise ValueError('bad input')",
		Language: "python",
		Policy:   testPolicy(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusRuntimeError {
		t.Errorf("Status = %s", out.Status)
	}
	if out.ExitCode == nil || *out.ExitCode == 0 {
		t.Errorf("ExitCode = %v, want non-zero", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "ValueError") {
		t.Errorf("Stderr = %q, want traceback", out.Stderr)
	}
}

func TestExecuteTimeout(t *testing.T) {
	requirePython(t)
	r := newRunner()

	pol := testPolicy()
	pol.MaxWallClock = 300 * time.Millisecond

	start := time.Now()
	out, err := r.Execute(context.Background(), Job{
		ID:       "t-spin",
		Source:   "while True:\n    pass",
		Language: "python",
		Policy:   pol,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusTimeout {
		t.Errorf("Status = %s, want timeout", out.Status)
	}
	if out.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil for a force-terminated child", *out.ExitCode)
	}
	// The spinner must be dead shortly after the ceiling plus the kill grace.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("execution took %s, runaway child not killed promptly", elapsed)
	}
}

func TestExecuteOutputTruncated(t *testing.T) {
	requirePython(t)
	r := newRunner()

	pol := testPolicy()
	pol.MaxOutputBytes = 64

	out, err := r.Execute(context.Background(), Job{
		ID:       "t-flood",
		Source:   "print('x' * 100000)",
		Language: "python",
		Policy:   pol,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusOutputTruncated {
		t.Errorf("Status = %s, want output_truncated", out.Status)
	}
	if !out.StdoutTruncated {
		t.Error("StdoutTruncated not set")
	}
	if len(out.Stdout) != 64 {
		t.Errorf("len(Stdout) = %d, want 64", len(out.Stdout))
	}
}

func TestExecuteCancelled(t *testing.T) {
	requirePython(t)
	r := newRunner()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := r.Execute(ctx, Job{
		ID:       "t-cancel",
		Source:   "import time\ntime.sleep(60)",
		Language: "python",
		Policy:   testPolicy(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", out.Status)
	}
	if out.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil for a force-terminated child", *out.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestExecuteMemoryExceeded(t *testing.T) {
	if goruntime.GOOS != "linux" {
		t.Skip("rlimit enforcement is linux-only")
	}
	requirePython(t)
	r := newRunner()

	pol := testPolicy()
	pol.MaxMemoryBytes = 256 << 20

	out, err := r.Execute(context.Background(), Job{
		ID:       "t-hog",
		Source:   "x = bytearray(1 << 30)\nprint(len(x))",
		Language: "python",
		Policy:   pol,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusMemoryExceeded {
		t.Errorf("Status = %s, stderr = %q", out.Status, out.Stderr)
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	r := newRunner()

	_, err := r.Execute(context.Background(), Job{
		ID:       "t-lang",
		Source:   "puts 'hi'",
		Language: "ruby",
		Policy:   testPolicy(),
	})
	if !errors.Is(err, ErrUnsupportedLang) {
		t.Errorf("err = %v, want ErrUnsupportedLang", err)
	}
}

func TestExecuteInvalidJob(t *testing.T) {
	r := newRunner()

	_, err := r.Execute(context.Background(), Job{
		ID:       "t-empty",
		Language: "python",
		Policy:   testPolicy(),
	})
	if !errors.Is(err, ErrInvalidJob) {
		t.Errorf("err = %v, want ErrInvalidJob", err)
	}
}

func TestExecuteLeavesNoResidue(t *testing.T) {
	requirePython(t)
	r := newRunner()

	_, err := r.Execute(context.Background(), Job{
		ID:       "t-residue",
		Source:   "open('scratch.txt', 'w').write('data')",
		Language: "python",
		Policy:   testPolicy(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	leftovers, err := filepath.Glob(filepath.Join(os.TempDir(), "codelab-t-residue-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("workdir not cleaned up: %v", leftovers)
	}
}

func TestCappedBuffer(t *testing.T) {
	tests := []struct {
		name          string
		max           int64
		writes        []string
		want          string
		wantTruncated bool
	}{
		{"under cap", 10, []string{"abc", "def"}, "abcdef", false},
		{"exactly cap", 6, []string{"abc", "def"}, "abcdef", false},
		{"split write", 4, []string{"abcdef"}, "abcd", true},
		{"past cap", 3, []string{"abc", "def"}, "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &cappedBuffer{max: tt.max}
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(w))
				}
			}
			if b.String() != tt.want {
				t.Errorf("String = %q, want %q", b.String(), tt.want)
			}
			if b.Truncated() != tt.wantTruncated {
				t.Errorf("Truncated = %v, want %v", b.Truncated(), tt.wantTruncated)
			}
		})
	}
}

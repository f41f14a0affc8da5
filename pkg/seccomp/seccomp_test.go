package seccomp

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allows(p *specs.LinuxSeccomp, name string) bool {
	for _, sc := range p.Syscalls {
		if sc.Action != specs.ActAllow {
			continue
		}
		for _, n := range sc.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func TestInterpreterProfileDefaults(t *testing.T) {
	p := InterpreterProfile()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}

	for _, name := range []string{"read", "write", "mmap", "execve", "exit_group", "futex"} {
		if !allows(p, name) {
			t.Errorf("profile should allow %q", name)
		}
	}

	for _, name := range []string{"socket", "connect", "ptrace", "mount", "reboot", "init_module"} {
		if allows(p, name) {
			t.Errorf("default profile must not allow %q", name)
		}
	}
}

func TestInterpreterProfileWithNetwork(t *testing.T) {
	p := InterpreterProfile(WithNetwork())

	for _, name := range []string{"socket", "connect", "recvfrom"} {
		if !allows(p, name) {
			t.Errorf("network profile should allow %q", name)
		}
	}
	if allows(p, "ptrace") {
		t.Error("network profile must still block ptrace")
	}
}

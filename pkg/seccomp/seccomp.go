// Package seccomp builds the syscall filter applied to sandboxed interpreter
// tasks. Default action is EPERM; only what an interpreter needs to read a
// source file, compute, and write to its pipes is allowed.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Option adjusts the generated profile.
type Option func(*builder)

// WithNetwork allows the socket syscall family, for policies that permit
// outbound network access.
func WithNetwork() Option {
	return func(b *builder) { b.network = true }
}

type builder struct {
	network bool
}

// InterpreterProfile returns the seccomp profile for running a language
// interpreter over untrusted source.
func InterpreterProfile(opts ...Option) *specs.LinuxSeccomp {
	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: []specs.Arch{
			specs.ArchX86_64,
			specs.ArchAARCH64,
		},
	}

	allow := func(names ...string) {
		profile.Syscalls = append(profile.Syscalls, specs.LinuxSyscall{
			Names:  names,
			Action: specs.ActAllow,
		})
	}

	// File I/O within the container's (read-only) view.
	allow(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "openat2", "close", "close_range",
		"stat", "fstat", "lstat", "newfstatat", "statx", "faccessat", "faccessat2", "access",
		"lseek", "getdents64", "readlink", "readlinkat", "fcntl", "dup", "dup2", "dup3",
		"pipe", "pipe2", "ioctl", "poll", "ppoll", "select", "pselect6", "epoll_create1",
		"epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd2",
	)

	// Memory management.
	allow(
		"mmap", "munmap", "mprotect", "mremap", "brk", "madvise", "membarrier",
	)

	// Process and thread lifecycle (the interpreter itself, its GC threads).
	allow(
		"clone", "clone3", "fork", "vfork", "execve", "execveat",
		"exit", "exit_group", "wait4", "waitid",
		"futex", "futex_waitv", "set_robust_list", "get_robust_list",
		"set_tid_address", "gettid", "getpid", "getppid",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack", "kill", "tgkill",
		"sched_yield", "sched_getaffinity", "nanosleep", "clock_nanosleep",
	)

	// Identity and limits (read-only queries).
	allow(
		"getuid", "geteuid", "getgid", "getegid", "getgroups",
		"getrlimit", "prlimit64", "getrusage", "getcwd", "uname", "sysinfo",
		"clock_gettime", "clock_getres", "gettimeofday", "getrandom",
		"arch_prctl", "prctl", "rseq",
	)

	if b.network {
		allow(
			"socket", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg", "shutdown",
			"getsockname", "getpeername", "getsockopt", "setsockopt",
		)
	}

	return profile
}

//go:build linux && amd64

package task

// Reserved tracee-side file descriptors, established by Lifecycle.Spawn
// before the tracee execve's. See spec.md §6.
const (
	// RRMagicSaveDataFD is dup2'd from /dev/null in the tracee at spawn
	// time; the preload library writes "extra" recorded data through it
	// during recording.
	RRMagicSaveDataFD = 30

	// RRReservedRootDirFD is an open fd on "/" in the tracee, passed as the
	// dirfd argument for openat(2) calls the tracer injects, so that a
	// relative path resolves from "/" even if the tracee has chdir'd
	// elsewhere. The syscall-buffer shm name (SyscallbufShmPrefix) is an
	// absolute path, so the kernel ignores this dirfd for it.
	RRReservedRootDirFD = 29
)

// SyscallbufBufferSize is the size in bytes of the shared syscall-buffer
// segment created by SyscallBuffer setup (spec.md §4.5).
const SyscallbufBufferSize = 1 << 20

// SyscallbufShmPrefix names the shm segment created for each task's
// syscall buffer; the full name is "<prefix>-<tid>-<nonce>".
const SyscallbufShmPrefix = "/dev/shm/rr-syscallbuf"

// BreakpointInsnLength is the length in bytes of the trap instruction
// (0xCC on x86/x86-64) used for internal breakpoints.
const BreakpointInsnLength = 1

// SchedulerTimesliceSignal is the synthetic signal WaitLoop forges when a
// PTRACE_INTERRUPT resolves to a plain interrupt-stop, so the upper layer
// treats it as an ordinary scheduling trap rather than a real interrupt.
const SchedulerTimesliceSignal = 32 // SIGRTMIN on Linux glibc

// UntracedSyscallCallsites are the three rr-page instruction pointers the
// seccomp filter installed at spawn allow-lists (spec.md §4.8/§6). They
// are populated by the Session before Spawn is called, since their
// addresses depend on where the rr-page was mapped for this process.
type UntracedSyscallCallsites struct {
	UntracedSyscallIP           uintptr
	UntracedReplayedSyscallIP   uintptr
	PrivilegedUntracedSyscallIP uintptr
}

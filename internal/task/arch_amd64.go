//go:build linux && amd64

package task

// x64Ops is the archOps table for 64-bit x86-64 tracees.
type x64Ops struct{}

func (x64Ops) Arch() Arch { return X64 }

// ExecveSyscallNo returns the x86-64 execve syscall number.
func (x64Ops) ExecveSyscallNo() int64 { return 59 }

func (x64Ops) SyscallName(no int64) string {
	if name, ok := x64SyscallNames[no]; ok {
		return name
	}
	return ""
}

func (x64Ops) CloneParamOrder() CloneParamOrder {
	// clone(flags, stack, parent_tid, child_tid, tls) on x86-64: rdi,
	// rsi, rdx, r10, r8.
	return CloneParamOrder{Flags: 0, Stack: 1, ParentTid: 2, ChildTid: 3, TLS: 4}
}

func (x64Ops) IovecLayout() IovecLayout {
	return IovecLayout{BaseOffset: 0, LenOffset: 8, Size: 16}
}

// x64SyscallNames is a small allow-list of the syscalls this module's
// ExitHooks/PostStopNormalizer actually reason about; it is not a
// complete syscall table (symbol resolution/full syscall tracing is out
// of scope per spec.md §1).
var x64SyscallNames = map[int64]string{
	0:   "read",
	1:   "write",
	2:   "open",
	3:   "close",
	9:   "mmap",
	10:  "mprotect",
	11:  "munmap",
	20:  "writev",
	25:  "mremap",
	28:  "madvise",
	32:  "dup",
	33:  "dup2",
	59:  "execve",
	72:  "fcntl",
	96:  "gettimeofday",
	158: "arch_prctl",
	186: "gettid",
	205: "set_thread_area",
	272: "unshare",
	292: "dup3",
	67:  "shmdt",
	15:  "rt_sigreturn",
	157: "prctl",
}

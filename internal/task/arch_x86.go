//go:build linux && amd64

package task

// x86Ops is the archOps table for 32-bit x86 tracees (a 64-bit rr driving
// a 32-bit tracee via CS/SS segment switch, or a native 32-bit build).
type x86Ops struct{}

func (x86Ops) Arch() Arch { return X86 }

// ExecveSyscallNo returns the ia32 execve syscall number.
func (x86Ops) ExecveSyscallNo() int64 { return 11 }

func (x86Ops) SyscallName(no int64) string {
	if name, ok := x86SyscallNames[no]; ok {
		return name
	}
	return ""
}

func (x86Ops) CloneParamOrder() CloneParamOrder {
	// clone(flags, stack, parent_tid, tls, child_tid) on ia32: ebx, ecx,
	// edx, esi, edi -- note tls and child_tid swap places relative to
	// x86-64.
	return CloneParamOrder{Flags: 0, Stack: 1, ParentTid: 2, TLS: 3, ChildTid: 4}
}

func (x86Ops) IovecLayout() IovecLayout {
	return IovecLayout{BaseOffset: 0, LenOffset: 4, Size: 8}
}

var x86SyscallNames = map[int64]string{
	3:   "read",
	4:   "write",
	5:   "open",
	6:   "close",
	11:  "execve",
	54:  "ioctl",
	55:  "fcntl",
	90:  "mmap",
	91:  "munmap",
	125: "mprotect",
	145: "readv",
	146: "writev",
	163: "mremap",
	219: "madvise",
	243: "set_thread_area",
	41:  "dup",
	63:  "dup2",
	117: "ipc",
	172: "prctl",
	119: "sigreturn",
	330: "dup3",
	310: "unshare",
}

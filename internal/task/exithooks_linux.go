//go:build linux && amd64

package task

import (
	"strings"

	"golang.org/x/sys/unix"
)

// This file is the ExitHooks component (spec.md §4.7, Task.cc's
// on_syscall_exit): shadow-state updates applied to AddressSpace/FdTable
// after a syscall-exit stop. No ptrace calls happen here; every action is
// bookkeeping against the collaborators.

// fcntlFDupfd/fcntlFDupfdCloexec are the fcntl commands that duplicate a
// descriptor.
const (
	fcntlFDupfd        = unix.F_DUPFD
	fcntlFDupfdCloexec = unix.F_DUPFD_CLOEXEC
)

const cloneFiles = 0x400 // CLONE_FILES

// OnSyscallExit dispatches the per-syscall shadow-state update for the
// syscall numbered no, which the current arch's table names. rval is the
// syscall's return value; args are its
// entry-time arguments (already captured by the caller, since orig
// registers are gone by exit for most syscalls).
//
// If the syscall failed, OnSyscallExit returns immediately without
// applying any shadow update, except for mprotect: a partial prefix of
// its range can have been protected before the call failed, so its
// effect must always be replayed (spec.md §4.7).
func (t *Task) OnSyscallExit(no int64, args [6]uintptr, rval int64) error {
	name := opsFor(t.arch).SyscallName(no)
	failed := rval < 0 && rval >= -4095

	if failed && name != "mprotect" {
		return nil
	}

	switch name {
	case "brk", "mmap", "mmap2":
		// Handled by the memory-mapping layer elsewhere; ExitHooks ignores
		// them (spec.md §4.7 table).
		return nil

	case "mprotect":
		if t.AddressSpace == nil {
			return nil
		}
		return t.AddressSpace.Protect(args[0], args[1], int32(args[2]))

	case "mremap":
		if t.AddressSpace == nil {
			return nil
		}
		return t.AddressSpace.Remap(args[0], args[1], uintptr(rval), args[2])

	case "munmap":
		if t.AddressSpace == nil {
			return nil
		}
		return t.AddressSpace.Unmap(args[0], args[1])

	case "shmdt":
		return t.onShmdt(args[0])

	case "ipc":
		// SHMDT is ipc(2) subcommand 22 (SHMDT); other ipc subcommands
		// have no shadow-state effect ExitHooks cares about.
		const ipcShmdt = 22
		if args[0] == ipcShmdt {
			return t.onShmdt(args[4])
		}
		return nil

	case "madvise":
		if t.AddressSpace == nil {
			return nil
		}
		return t.AddressSpace.Advise(args[0], args[1], int32(args[2]))

	case "set_thread_area":
		return t.onSetThreadArea(args[0])

	case "prctl":
		if args[0] == unix.PR_SET_NAME {
			return t.onPrSetName(args[1])
		}
		return nil

	case "dup", "dup2", "dup3":
		if t.FdTable == nil {
			return nil
		}
		t.FdTable.DidDup(int32(args[0]), int32(rval))
		return nil

	case "fcntl", "fcntl64":
		if args[1] == fcntlFDupfd || args[1] == fcntlFDupfdCloexec {
			if t.FdTable != nil {
				t.FdTable.DidDup(int32(args[0]), int32(rval))
			}
		}
		return nil

	case "close":
		if t.FdTable == nil {
			return nil
		}
		t.FdTable.DidClose(int32(args[0]))
		return nil

	case "unshare":
		if args[0]&cloneFiles != 0 && t.FdTable != nil {
			t.FdTable = t.FdTable.Clone()
		}
		return nil

	case "write", "writev":
		return t.onWriteLike(name, args, rval)

	default:
		return nil
	}
}

func (t *Task) onShmdt(addr uintptr) error {
	if t.AddressSpace == nil {
		return nil
	}
	length, ok := t.AddressSpace.MappingStartingAt(addr)
	if !ok {
		return nil
	}
	return t.AddressSpace.Unmap(addr, length)
}

func (t *Task) onSetThreadArea(descAddr uintptr) error {
	var raw [16]byte
	if err := t.ReadBytes(descAddr, raw[:]); err != nil {
		return err
	}
	desc := UserDesc{
		EntryNumber: leU32(raw[0:4]),
		BaseAddr:    leU32(raw[4:8]),
		Limit:       leU32(raw[8:12]),
		Flags:       leU32(raw[12:16]),
	}
	t.upsertThreadArea(ThreadArea{EntryNumber: desc.EntryNumber, Desc: desc})
	return nil
}

func (t *Task) onPrSetName(nameAddr uintptr) error {
	var raw [16]byte
	if err := t.ReadBytes(nameAddr, raw[:]); err != nil {
		return err
	}
	name := string(raw[:])
	if idx := strings.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	t.prname = name
	return nil
}

func (t *Task) onWriteLike(name string, args [6]uintptr, rval int64) error {
	if t.FdTable == nil || rval <= 0 {
		return nil
	}
	fd := int32(args[0])
	switch name {
	case "write":
		t.FdTable.NotifyWrite(fd, []ByteRange{{Offset: -1, Length: rval}})
	case "writev":
		// The exact per-iovec split isn't reconstructible from exit-time
		// arguments alone; report it as a single range covering the total
		// bytes written, which is all any current FdTable monitor needs.
		t.FdTable.NotifyWrite(fd, []ByteRange{{Offset: -1, Length: rval}})
	}
	return nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// IsDeschedEventSyscall reports whether no is the syscall the desched
// perf-event fires against — the notification a tracee's preload library
// uses to tell the tracer it's about to block (Task.cc:1680,
// SPEC_FULL.md §4.7 supplement).
func (t *Task) IsDeschedEventSyscall(no int64) bool {
	name := opsFor(t.arch).SyscallName(no)
	return name == "poll" || name == "ppoll"
}

// IsPtraceSeccompEvent reports whether status carries the SECCOMP
// ptrace-event code (Task.cc:1690, SPEC_FULL.md §4.7 supplement).
func IsPtraceSeccompEvent(status unix.WaitStatus) bool {
	return ptraceEventOf(status) == unix.PTRACE_EVENT_SECCOMP
}

// PtraceEventMsgPid returns the pid embedded in a PTRACE_EVENT_{FORK,
// VFORK,CLONE} event via PTRACE_GETEVENTMSG (Task.cc:1700, SPEC_FULL.md
// §4.7/§4.8 supplement).
func (t *Task) PtraceEventMsgPid() (int32, error) {
	msg, err := ptraceGetEventMsg(t.Tid)
	if err != nil {
		return 0, err
	}
	return int32(msg), nil
}

// PtraceEventMsgSeccompData returns the SECCOMP_RET_DATA payload attached
// to a PTRACE_EVENT_SECCOMP stop (Task.cc:1710, SPEC_FULL.md §4.7
// supplement).
func (t *Task) PtraceEventMsgSeccompData() (uint16, error) {
	msg, err := ptraceGetEventMsg(t.Tid)
	if err != nil {
		return 0, err
	}
	return uint16(msg), nil
}

//go:build linux && amd64

// Package task implements the per-tracee control object of a
// deterministic record/replay debugger: the ptrace state machine, the
// wait/interrupt protocol, register normalization, breakpoint/watchpoint/
// single-step reasoning, syscall-buffer lifecycle, and the remote-memory
// I/O path. See SPEC_FULL.md for the full component breakdown.
package task

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/dreiss/rr/internal/tasklog"
)

// UserDesc mirrors the kernel's struct user_desc, the TLS descriptor
// payload for set_thread_area(2) and CLONE_SETTLS.
type UserDesc struct {
	EntryNumber    uint32
	BaseAddr       uint32
	Limit          uint32
	Flags          uint32 // seg_32bit, contents, read_exec_only, limit_in_pages, seg_not_present, useable, packed as bitfields
}

// ThreadArea is one TLS descriptor installed via set_thread_area,
// upserted by entry_number with last-write-wins semantics (spec.md §3).
type ThreadArea struct {
	EntryNumber uint32
	Desc        UserDesc
}

// SigInfo is the subset of siginfo_t the task core round-trips: the
// signal number, the ptrace-visible code, and (for the synthesized
// scheduling-timeslice signal) the fd used as the tick source.
type SigInfo struct {
	Signo int32
	Code  int32
	Fd    int32
}

// Registers is the general-purpose register bank of a tracee. The full
// field set is architecture-dependent; PtraceRegs carries the raw
// GETREGS/SETREGS payload and the accessor methods used by the
// arch-independent components live in registers_linux.go.
type Registers struct {
	Arch  Arch
	amd64 unix.PtraceRegs
	// x86Regs would hold the ia32 GETREGS payload for a native 32-bit
	// build; omitted here since this module only targets the amd64
	// PTRACE_GETREGS layout (a 64-bit tracer can still trace a 32-bit
	// tracee, whose registers arrive through the same PtraceRegs shape
	// with the upper halves undefined, matching the kernel's own ABI).
}

// ExtraRegisters is the floating-point/XSAVE register bank, valid only
// when the Task's extra_registers_known flag is set (spec.md invariant 3).
type ExtraRegisters struct {
	Arch    Arch
	Xsave   bool
	Data    []byte
	dataLen uint64
}

// Task is the central entity of this module: the per-tracee control
// object described in spec.md §3.
//
// Task is not safe for concurrent use from multiple goroutines: the
// scheduling model (spec.md §5) is single-threaded cooperative per Task,
// so no internal locking is provided.
type Task struct {
	// Tid is the live kernel thread id.
	Tid int32
	// RecTid is the tid this tracee had when originally recorded; equals
	// Tid during recording.
	RecTid int32
	// Serial is a monotonically increasing ordinal assigned at creation,
	// stable across record/replay, and used as the strong-reference key
	// by the owning aggregates (spec.md §9).
	Serial uint64

	// arch is the tracee's current CPU mode; mutable across exec.
	arch Arch

	// registers/extraRegisters cache the tracee's register banks.
	// Invariant 1/3: valid only while isStopped is true.
	registers          Registers
	extraRegisters     ExtraRegisters
	extraRegistersKnown bool
	registersDirty     bool

	// isStopped is true iff the tracee is at a ptrace-stop and registers
	// are safe to read (invariant 1).
	isStopped bool

	// waitStatus is the last observed wait result.
	waitStatus waitStatus

	// pendingSiginfo is signal info captured at the last stop where a
	// signal was pending.
	pendingSiginfo SigInfo
	havePendingSiginfo bool

	// Lifecycle flags (spec.md §3).
	seenPtraceExitEvent   bool
	detectedUnexpectedExit bool
	unstable              bool
	stableExit            bool

	// ticks is the accumulated retired-conditional-branch count since
	// task creation (invariant 6: only increases).
	ticks uint64

	// prname is the current thread name (<=15 characters, matching
	// TASK_COMM_LEN-1).
	prname string

	// threadAreas is the ordered sequence of TLS descriptors set via
	// set_thread_area, keyed by EntryNumber with last-write-wins.
	threadAreas []ThreadArea

	// scratchPtr/scratchSize describe a private scratch page in the
	// tracee, used by AutoRemoteSyscalls for throwaway buffers.
	scratchPtr  uintptr
	scratchSize uintptr

	// Syscall-buffer state (spec.md §4.5).
	syscallbufChild      uintptr
	syscallbufHdr        []byte
	numSyscallbufBytes   uintptr
	deschedFdChild       int32

	// addressOfLastExecutionResume is the instruction pointer at the
	// most recent resume, consulted only while isStopped is true
	// (invariant 5).
	addressOfLastExecutionResume uintptr

	// originalSyscallno mirrors rr's orig_rax bookkeeping: the syscall
	// number in effect before the most recent resume, restored by
	// PostStopNormalizer when a breakpoint fires immediately on resume
	// (spec.md §4.3 step 6).
	originalSyscallno int64

	// memFd is the tracer's open /proc/<tid>/mem fd, or -1 if not yet
	// opened. Owned per-Task rather than per-AddressSpace here for
	// simplicity; RemoteMemory documents the reopen-once workaround this
	// implies.
	memFd int32
	// memFdReopenedOnce guards the Open Question workaround in
	// SPEC_FULL.md §9: a zero-byte read with errno 0 on the very first
	// call triggers exactly one reopen-and-retry, never more.
	memFdReopenedOnce bool

	// Non-owning references to the shared aggregates and the owning
	// Session (spec.md §3). Never nil after construction completes.
	AddressSpace AddressSpace
	FdTable      FdTable
	TaskGroup    TaskGroup
	Session      Session

	// PerfCounters is the tick source for this Task. Spawn and Clone leave
	// it nil; the caller sets it, e.g. to a PerfBranchCounters (see
	// perfcounters_linux.go) or to a fake in tests.
	PerfCounters PerfCounters

	log tasklog.Logger

	destroyed atomic.Bool
}

// Arch returns the tracee's current CPU mode.
func (t *Task) Arch() Arch { return t.arch }

// IsStopped reports whether the tracee is currently at a ptrace-stop with
// valid cached registers (invariant 1).
func (t *Task) IsStopped() bool { return t.isStopped }

// Ticks returns the accumulated retired-conditional-branch count since
// task creation (invariant 6).
func (t *Task) Ticks() uint64 { return t.ticks }

// Prname returns the current thread name.
func (t *Task) Prname() string { return t.prname }

// Unstable reports whether this task is known to be in a state from which
// it cannot cleanly detach or wait; destruction skips the reap step for
// such tasks.
func (t *Task) Unstable() bool { return t.unstable }

// ThreadAreas returns the ordered TLS descriptor sequence.
func (t *Task) ThreadAreas() []ThreadArea {
	out := make([]ThreadArea, len(t.threadAreas))
	copy(out, t.threadAreas)
	return out
}

// upsertThreadArea inserts or overwrites the ThreadArea with the given
// EntryNumber, keeping insertion order for entries that are new,
// last-write-wins for entries that already exist (spec.md §3).
func (t *Task) upsertThreadArea(ta ThreadArea) {
	for i := range t.threadAreas {
		if t.threadAreas[i].EntryNumber == ta.EntryNumber {
			t.threadAreas[i] = ta
			return
		}
	}
	t.threadAreas = append(t.threadAreas, ta)
}

// String renders a one-line diagnostic dump, supplementing Task.cc's
// dump() (SPEC_FULL.md supplemented feature).
func (t *Task) String() string {
	ip := "?"
	if t.isStopped {
		ip = fmt.Sprintf("%#x", t.registers.IP())
	}
	return fmt.Sprintf("Task{tid=%d rec_tid=%d serial=%d arch=%s ip=%s ticks=%d stopped=%v}",
		t.Tid, t.RecTid, t.Serial, t.arch, ip, t.ticks, t.isStopped)
}

// TraceTime forwards to the owning Session (SPEC_FULL.md supplemented
// feature: a one-line pass-through the original spec omitted).
func (t *Task) TraceTime() uint32 {
	if t.Session == nil {
		return 0
	}
	return t.Session.TraceTime()
}

// FlushInconsistentState zeroes ticks when the Session determines the
// counters can no longer be trusted, e.g. after a checkpoint restore
// (Task.cc:523, SPEC_FULL.md §4.8 supplement).
func (t *Task) FlushInconsistentState() {
	t.ticks = 0
}

// logger returns this Task's per-tid logger, constructing it lazily.
func (t *Task) logger() tasklog.Logger {
	if t.log == nil {
		t.log = tasklog.ForTask(t.Tid)
	}
	return t.log
}

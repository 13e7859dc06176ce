//go:build linux && amd64

package task

import "golang.org/x/sys/unix"

// The interfaces below are the narrow surfaces spec.md §1 requires: Task
// mediates every side-effecting interaction with these collaborators, but
// their internal algorithms are out of scope and owned elsewhere. Task
// holds non-owning references to values implementing them; the Session is
// the sole owner and sole destroyer of Tasks (spec.md §3).

// Session distinguishes recording from replay, the one policy fact
// several Task algorithms (ResumeEngine's pre-resume race guard,
// Lifecycle's zombie-reap-on-destroy, DestroyBuffers' desched-fd close)
// need to know without depending on the rest of the scheduler.
type Session interface {
	// IsRecording reports whether this session is recording (vs.
	// replaying) execution.
	IsRecording() bool

	// TraceTime returns the session's current logical event count, used
	// by Task.TraceTime (SPEC_FULL.md supplemented feature).
	TraceTime() uint32
}

// AddressSpace is the shadow of a tracee's memory mappings, breakpoints,
// and watchpoints shared by every Task in the same address space.
type AddressSpace interface {
	// BreakpointAt reports whether an internal breakpoint is installed
	// at addr, used by PostStopNormalizer step 6 and DebugRegs'
	// compute_trap_reasons cross-check.
	BreakpointAt(addr uintptr) bool

	// Protect updates the shadow mapping table to reflect a successful
	// mprotect(addr, len, prot).
	Protect(addr uintptr, length uintptr, prot int32) error

	// Remap updates the shadow mapping table to reflect a successful
	// mremap(old_addr, old_len, new_addr, new_len).
	Remap(oldAddr uintptr, oldLen uintptr, newAddr uintptr, newLen uintptr) error

	// Unmap updates the shadow mapping table to reflect a successful
	// munmap(addr, len). shmdt first looks up the full extent with
	// MappingStartingAt and passes it here.
	Unmap(addr uintptr, length uintptr) error

	// MappingStartingAt returns the full [addr, addr+length) extent of
	// the mapping that starts exactly at addr, for shmdt's "look up the
	// mapping starting at addr and unmap its full extent" rule
	// (spec.md §4.7). ok is false if no mapping starts there.
	MappingStartingAt(addr uintptr) (length uintptr, ok bool)

	// Advise records an madvise(addr, len, advice) call.
	Advise(addr uintptr, length uintptr, advice int32) error

	// MappingsContaining returns the byte ranges of every mapping fully
	// contained in [start, end) whose current protection excludes both
	// PROT_READ and PROT_WRITE; used by RemoteMemory's PROT_NONE write
	// workaround (spec.md §4.6).
	MappingsContaining(start, end uintptr) []ProtNoneRange

	// RecordSyscallbufMapping records that the syscall-buffer shm is now
	// mapped at addr for length bytes, used by SyscallBuffer setup
	// (spec.md §4.5 step 5) and checked by invariant 6.
	RecordSyscallbufMapping(addr uintptr, length uintptr)

	// ExecCount returns a per-address-space counter incremented on every
	// exec, used to construct a fresh AddressSpace uid on post_exec
	// (spec.md §4.8).
	ExecCount() uint64
}

// ProtNoneRange is one PROT_NONE-lacking sub-mapping discovered by
// AddressSpace.MappingsContaining.
type ProtNoneRange struct {
	Addr, Length uintptr
	OrigProt     int32
}

// FdTable is the shadow of a tracee's open file descriptor table, shared
// by every Task with CLONE_FILES semantics.
type FdTable interface {
	// DidDup records that fd src was duplicated to fd dst (dup/dup2/
	// dup3/fcntl(F_DUPFD*)).
	DidDup(src, dst int32)

	// DidClose records that fd was closed.
	DidClose(fd int32)

	// Clone returns a private copy of this table, used by
	// Lifecycle.Clone (CLONE_FILES not set) and unshare(CLONE_FILES).
	Clone() FdTable

	// NotifyWrite tells any registered file monitor about a successful
	// write/writev to fd covering the given byte ranges.
	NotifyWrite(fd int32, ranges []ByteRange)
}

// ByteRange is a half-open [Offset, Offset+Length) byte range within a
// file, used by FdTable.NotifyWrite for write/writev monitoring.
type ByteRange struct {
	Offset, Length int64
}

// TaskGroup is the thread-group membership aggregate shared by every
// Task created with CLONE_THREAD.
type TaskGroup interface {
	// Tgid returns the thread-group id (the leader's tid).
	Tgid() int32

	// RealTgid returns the tgid as seen by the actual kernel, which can
	// differ from Tgid() when replay renumbers processes.
	RealTgid() int32

	// MemberCount returns the number of live Tasks still in this group,
	// used by Lifecycle.Destroy to decide whether this is the last
	// member (and therefore eligible to reap the zombie).
	MemberCount() int
}

// PerfCounters is the retired-branch tick source. Its policy (overflow
// signal wiring, sampling period tuning, desched-event delivery) is out
// of scope per spec.md §1; Task only needs to arm/read/stop a counter.
type PerfCounters interface {
	// Reset reprograms the counter to fire after period retired
	// conditional branches (or effectively never, for very large
	// periods), starting the count from zero.
	Reset(period uint64) error

	// Stop stops counting and returns the number of ticks retired since
	// the last Reset.
	Stop() (uint64, error)
}

// TraceStream is the on-disk recording/replay log. Its encoding is out of
// scope per spec.md §1; the only method declared here is Dir. Task does
// not hold a TraceStream.
type TraceStream interface {
	// Dir returns the trace directory path.
	Dir() string
}

// AutoRemoteSyscalls is the scoped syscall-injection facility described
// in spec.md §9 ("Scoped remote syscalls"). Task exposes the primitives
// it needs (saving/restoring registers around an injected call is this
// collaborator's job, not Task's); Task only guarantees it will return to
// the same logical stop it started at.
type AutoRemoteSyscalls interface {
	// Syscall injects a syscall with the given number and arguments into
	// the owning Task and returns its result, without disturbing the
	// Task's logical stop.
	Syscall(no int64, args [6]uintptr) (uintptr, error)
}

// waitStatus is the packed status golang.org/x/sys/unix.Wait4 fills in;
// aliased here so the rest of the package doesn't need to import unix
// just to name this type.
type waitStatus = unix.WaitStatus

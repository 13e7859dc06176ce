//go:build linux && amd64

package task

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// This file is the Lifecycle component (spec.md §4.8): spawn, clone,
// post-exec rebind, and destroy. Grounded on Task.cc's spawn/clone/
// post_exec/destroy quartet and on gVisor's subprocess.go for the
// SEIZE-then-drive-to-first-stop handshake shape (attachThread/waitStop).

var taskSerial atomic.Uint64

func nextSerial() uint64 { return taskSerial.Add(1) }

// SpawnOpts configures Spawn (spec.md §4.8 "spawn").
type SpawnOpts struct {
	Path         string
	Argv         []string
	Envp         []string
	Recording    bool
	Callsites    UntracedSyscallCallsites
	AddressSpace AddressSpace
	FdTable      FdTable
	TaskGroup    TaskGroup
	Session      Session
}

// seizeOptions is the ptrace option mask requested at PTRACE_SEIZE,
// including EXITKILL; Spawn retries with seizeOptionsNoExitkill on EINVAL
// for kernels that predate it.
const seizeOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEVFORKDONE |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_EXITKILL

const seizeOptionsNoExitkill = seizeOptions &^ unix.PTRACE_O_EXITKILL

// Spawn forks a tracee, has it perform process setup and raise SIGSTOP on
// itself, PTRACE_SEIZEs it from the parent side, and drives it to its
// first observed stop (spec.md §4.8 "spawn"). The actual fork/exec
// sequence is delegated to forkExecTracee, whose child side
// (runChildSetup) never returns on success.
func Spawn(opts SpawnOpts) (*Task, error) {
	pid, err := forkExecTracee(opts)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	if err := ptraceSeize(int32(pid), seizeOptions); err != nil {
		if err == unix.EINVAL {
			if err2 := ptraceSeize(int32(pid), seizeOptionsNoExitkill); err2 != nil {
				return nil, fmt.Errorf("spawn: PTRACE_SEIZE (no EXITKILL): %w", err2)
			}
		} else {
			return nil, fmt.Errorf("spawn: PTRACE_SEIZE: %w", err)
		}
	}

	t := &Task{
		Tid:          int32(pid),
		RecTid:       int32(pid),
		Serial:       nextSerial(),
		arch:         X64,
		AddressSpace: opts.AddressSpace,
		FdTable:      opts.FdTable,
		TaskGroup:    opts.TaskGroup,
		Session:      opts.Session,
		memFd:        -1,
	}

	// Drive the child to its first SIGSTOP (spec.md §4.8: "drive the
	// child until the first SIGSTOP is observed").
	for {
		if err := t.Wait(0); err != nil {
			return nil, fmt.Errorf("spawn: initial wait: %w", err)
		}
		if t.waitStatus.Stopped() && t.waitStatus.StopSignal() == unix.SIGSTOP {
			break
		}
		if t.seenPtraceExitEvent {
			return nil, fmt.Errorf("spawn: tracee exited before reaching first SIGSTOP")
		}
		if err := t.Resume(Continue, Blocking, TickPolicy{NoTicks: true}, 0); err != nil {
			return nil, fmt.Errorf("spawn: resume to first stop: %w", err)
		}
	}

	if err := t.openMemFd(); err != nil {
		t.logger().Warningf("spawn: open mem fd: %v", err)
	}

	return t, nil
}

func ptraceSeize(pid int32, options uintptr) error {
	_, err := rawPtrace(unix.PTRACE_SEIZE, pid, 0, options)
	return err
}

// beforeFork locks the calling goroutine to its OS thread and blocks every
// signal, returning the previous mask. gVisor's ptrace/subprocess_linux.go
// pairs a raw fork(2) with exactly this precondition ("beforeFork masks
// all signals"; its own beforeFork/afterFork link directly against
// unexported runtime hooks not available outside gVisor's module, so this
// gets the same effect through the exported golang.org/x/sys/unix API:
// runtime.LockOSThread keeps this goroutine pinned to the OS thread that
// is about to fork, and PthreadSigmask keeps a signal from being delivered
// to the child before it has reset dispositions).
func beforeFork() unix.Sigset_t {
	runtime.LockOSThread()
	var full, old unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	unix.PthreadSigmask(unix.SIG_SETMASK, &full, &old)
	return old
}

// afterFork restores the signal mask beforeFork saved and releases the OS
// thread lock it took, run in the parent only — the child is a fresh
// process image and never returns through this function.
func afterFork(old unix.Sigset_t) {
	unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
	runtime.UnlockOSThread()
}

// childSetup carries every value the forked child needs, computed in the
// parent before the fork so the child never has to allocate, format a
// string, or otherwise call back into ordinary Go runtime machinery. A
// forked child starts as a copy of exactly the one OS thread that called
// fork; if some other goroutine running on a different OS thread held the
// Go allocator lock (or any other runtime lock) at that instant, the child
// can never release it, since that other thread doesn't exist there. All
// of gVisor's createStub commentary about "no need for allocations between
// beforeFork & afterFork" is this same constraint.
type childSetup struct {
	devNullFd   int32
	rootFd      int32
	pathPtr     *byte
	argvPtrs    []*byte
	envpPtrs    []*byte
	seccompProg unix.SockFprog
}

// forkExecTracee forks and, in the child, performs the process-setup
// sequence spec.md §4.8 describes: magic fd dups, prctl hardening and
// setsid, then a raised SIGSTOP, then seccomp install, the dummy
// branch-retiring loop, and execve. In the parent it returns the child's
// pid immediately. Every
// piece of that setup that can be computed ahead of time — the argv/envp
// C-string arrays, the magic fds, the assembled seccomp-bpf program — is
// built here, in the parent, before the raw fork(2); the child
// (runChildSetup) then touches none of that machinery itself, only raw
// syscalls against the values already prepared for it.
func forkExecTracee(opts SpawnOpts) (int, error) {
	devNullFd, err := unix.Open("/dev/null", unix.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("spawn: open /dev/null: %w", err)
	}
	defer unix.Close(devNullFd)

	rootFd, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return 0, fmt.Errorf("spawn: open /: %w", err)
	}
	defer unix.Close(rootFd)

	pathPtr, err := unix.BytePtrFromString(opts.Path)
	if err != nil {
		return 0, fmt.Errorf("spawn: convert path: %w", err)
	}
	argvPtrs, err := syscall.SlicePtrFromStrings(append([]string{opts.Path}, opts.Argv...))
	if err != nil {
		return 0, fmt.Errorf("spawn: convert argv: %w", err)
	}
	envpPtrs, err := syscall.SlicePtrFromStrings(opts.Envp)
	if err != nil {
		return 0, fmt.Errorf("spawn: convert envp: %w", err)
	}

	filter, err := buildIPAllowlistFilter([]uintptr{
		opts.Callsites.UntracedSyscallIP,
		opts.Callsites.UntracedReplayedSyscallIP,
		opts.Callsites.PrivilegedUntracedSyscallIP,
	})
	if err != nil {
		return 0, fmt.Errorf("spawn: build seccomp filter: %w", err)
	}

	// Signal dispositions, unlike pending signals, are inherited across
	// fork, so setting this here (ordinary Go code, run before the fork)
	// is equivalent to and much safer than calling signal.Ignore from the
	// child — that package's machinery is exactly the kind of runtime
	// call the child must never make.
	if !opts.Recording {
		signal.Ignore(unix.SIGCHLD)
	}

	cs := childSetup{
		devNullFd:   int32(devNullFd),
		rootFd:      int32(rootFd),
		pathPtr:     pathPtr,
		argvPtrs:    argvPtrs,
		envpPtrs:    envpPtrs,
		seccompProg: unix.SockFprog{Len: uint16(len(filter)), Filter: (*unix.SockFilter)(unsafe.Pointer(&filter[0]))},
	}

	old := beforeFork()
	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		afterFork(old)
		return 0, errno
	}
	if pid != 0 {
		afterFork(old)
		return int(pid), nil
	}

	runChildSetup(cs)
	unix.RawSyscall(unix.SYS_EXIT, 127, 0, 0) // unreachable unless execve failed
	panic("unreachable")
}

// runChildSetup runs in the freshly forked, still-single-threaded child,
// between fork and execve. Every step is a direct RawSyscall/RawSyscall6
// against childSetup's precomputed values — no Go allocation, no stdlib
// wrapper that might touch the scheduler or the signal-delivery
// machinery, matching gVisor's raw-syscall-only child path.
func runChildSetup(cs childSetup) {
	unix.RawSyscall(unix.SYS_DUP2, uintptr(cs.devNullFd), uintptr(RRMagicSaveDataFD), 0)
	unix.RawSyscall(unix.SYS_DUP2, uintptr(cs.rootFd), uintptr(RRReservedRootDirFD), 0)

	unix.RawSyscall6(unix.SYS_PRCTL, unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0, 0)
	unix.RawSyscall6(unix.SYS_PRCTL, prctlSetTsc, prctlTscSegv, 0, 0, 0, 0)
	unix.RawSyscall6(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0)

	unix.RawSyscall6(unix.SYS_SETSID, 0, 0, 0, 0, 0, 0)

	unix.RawSyscall(unix.SYS_KILL, 0, uintptr(unix.SIGSTOP), 0)

	unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, prSeccompModeFilter, uintptr(unsafe.Pointer(&cs.seccompProg)))

	spinRetireBranch()

	unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(cs.pathPtr)),
		uintptr(unsafe.Pointer(&cs.argvPtrs[0])),
		uintptr(unsafe.Pointer(&cs.envpPtrs[0])))
}

// prctlTscSegv is PR_TSC_SIGSEGV, the argument to PR_SET_TSC that makes
// RDTSC/RDTSCP trap (spec.md §4.8: "PR_SET_TSC=SEGV"), needed so RDTSC
// reads are deterministic under replay. prctlSetTsc is PR_SET_TSC itself;
// golang.org/x/sys/unix does not export either constant.
const (
	prctlSetTsc         = 26
	prctlTscSegv        = 2
	prSeccompModeFilter = 2
)

// spinRetireBranch executes a handful of conditional branches so `ticks`
// is provably nonzero by the time the tracer observes the first SIGSTOP
// (spec.md §4.8, scenario 1: "ticks at the first SIGSTOP is > 0").
func spinRetireBranch() {
	x := 0
	for i := 0; i < 4; i++ {
		if i%2 == 0 {
			x++
		}
	}
	_ = x
}

// CloneOpts configures Clone (spec.md §4.8 "clone").
type CloneOpts struct {
	ChildTid    int32
	Flags       uintptr
	NewTLS      *UserDesc
	Session     Session
	SameSession bool

	// AddressSpace and TaskGroup are the collaborators this child should
	// wire in: the shared parent aggregate when CLONE_VM/CLONE_THREAD is
	// set, or a freshly constructed one otherwise. Deciding which and
	// constructing the fresh case is the caller's job (aggregate
	// construction is out of scope per spec.md §1); Clone only wires in
	// whichever it's handed.
	AddressSpace AddressSpace
	TaskGroup    TaskGroup

	// ParentFdTable is the parent's table; NeedsFreshFdTable tells Clone
	// whether to share it directly (CLONE_FILES) or take a private copy
	// (spec.md §4.8 "clone").
	ParentFdTable     FdTable
	NeedsFreshFdTable bool
}

const cloneSetTLS = 0x80000

// Clone creates the Task for a just-observed child-clone syscall
// completion in the parent, sharing collaborators per the CLONE_* flags
// (spec.md §4.8 "clone"). If the child is not CLONE_VM and is in the
// same session, the caller must also invoke UnshareSyscallbuf once it has
// an AutoRemoteSyscalls scope for the child.
func (parent *Task) Clone(opts CloneOpts) (*Task, error) {
	child := &Task{
		Tid:          opts.ChildTid,
		RecTid:       opts.ChildTid,
		Serial:       nextSerial(),
		arch:         parent.arch,
		prname:       parent.prname,
		threadAreas:  append([]ThreadArea(nil), parent.threadAreas...),
		Session:      opts.Session,
		AddressSpace: opts.AddressSpace,
		TaskGroup:    opts.TaskGroup,
		memFd:        -1,
	}

	if opts.NeedsFreshFdTable && opts.ParentFdTable != nil {
		child.FdTable = opts.ParentFdTable.Clone()
	} else {
		child.FdTable = opts.ParentFdTable
	}

	if err := child.Wait(0); err != nil {
		return nil, fmt.Errorf("clone: initial wait for tid %d: %w", child.Tid, err)
	}

	if err := child.openMemFd(); err != nil {
		child.logger().Warningf("clone: open mem fd: %v", err)
	}

	if opts.Flags&cloneSetTLS != 0 && opts.NewTLS != nil {
		child.upsertThreadArea(ThreadArea{EntryNumber: opts.NewTLS.EntryNumber, Desc: *opts.NewTLS})
	}

	return child, nil
}

// UnshareSyscallbuf runs the post-fork syscall-buffer unshare spec.md
// §4.5/§4.8 describe, for a child Clone determined needs it: not
// CLONE_VM and in the same session as its parent.
func (t *Task) UnshareSyscallbuf(remote AutoRemoteSyscalls) error {
	return t.unshareSyscallbufForChild(remote)
}

// PostExec rebinds a Task after an observed execve completion (spec.md
// §4.8 "post_exec").
func (t *Task) PostExec(newArch Arch, freshAddressSpace AddressSpace, newExecveNo int64) error {
	t.arch = newArch
	if ok, err := t.refreshRegs(); err != nil {
		return fmt.Errorf("task %d: post_exec: %w", t.Tid, err)
	} else if !ok {
		return t.synthesizeUnexpectedExit()
	}
	t.originalSyscallno = newExecveNo
	t.syscallbufChild = 0
	t.syscallbufHdr = nil
	t.numSyscallbufBytes = 0
	t.threadAreas = nil
	t.AddressSpace = freshAddressSpace
	if t.FdTable != nil {
		t.FdTable = t.FdTable.Clone()
	}
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", t.Tid)); err == nil {
		t.prname = filepath.Base(exe)
	}
	return nil
}

// CapturedState is a serializable snapshot of the register/identity state
// Task.cc's capture_state/copy_state pair moves between a live Task and a
// checkpoint, used when a checkpoint restore or a replay fork reconstructs
// a task tree from saved state rather than from a live clone.
type CapturedState struct {
	Registers           Registers
	ExtraRegisters      ExtraRegisters
	ExtraRegistersKnown bool
	Prname              string
	ThreadAreas         []ThreadArea
}

// CaptureState snapshots the register and identity state capture_state
// moves into a checkpoint (Task.cc:1546). It does not touch the kernel;
// the Task must already have fresh registers (Regs/ExtraRegs refreshed).
func (t *Task) CaptureState() CapturedState {
	return CapturedState{
		Registers:           t.registers,
		ExtraRegisters:      t.extraRegisters,
		ExtraRegistersKnown: t.extraRegistersKnown,
		Prname:              t.prname,
		ThreadAreas:         append([]ThreadArea(nil), t.threadAreas...),
	}
}

// CopyState restores a previously captured snapshot onto t, the copy_state
// half of the capture/copy pair (Task.cc:1578), used after os_fork_into/
// os_clone_into reconstructs the underlying process but before the tracer
// resumes driving it. It pushes the registers to the kernel immediately
// rather than leaving them dirty, since the newly reconstructed process is
// not yet known to be in any particular ptrace-stop state.
func (t *Task) CopyState(state CapturedState) error {
	t.prname = state.Prname
	t.threadAreas = append([]ThreadArea(nil), state.ThreadAreas...)
	if err := t.SetRegs(state.Registers); err != nil {
		return fmt.Errorf("task %d: copy_state: %w", t.Tid, err)
	}
	if state.ExtraRegistersKnown {
		if err := t.SetExtraRegs(state.ExtraRegisters); err != nil {
			return fmt.Errorf("task %d: copy_state: extra regs: %w", t.Tid, err)
		}
	}
	return nil
}

// Destroy implements spec.md §4.8 "destroy": require the mem-fd open (so
// futex ops can still run during detach), PTRACE_DETACH ignoring
// failure, and reap the zombie only if this is the last member of its
// task group and the session is not recording. unstable tasks are never
// waited on.
func (t *Task) Destroy() error {
	if t.destroyed.Swap(true) {
		return nil
	}
	if t.memFd <= 0 {
		if err := t.openMemFd(); err != nil {
			t.logger().Warningf("destroy: could not reopen mem fd: %v", err)
		}
	}

	ptraceFallible(unix.PTRACE_DETACH, t.Tid, 0, 0)

	isLast := t.TaskGroup == nil || t.TaskGroup.MemberCount() <= 1
	recording := t.Session != nil && t.Session.IsRecording()
	if !t.unstable && isLast && !recording {
		var status unix.WaitStatus
		if _, err := unix.Wait4(int(t.Tid), &status, 0, nil); err != nil && err != unix.ECHILD {
			t.logger().Warningf("destroy: reap failed: %v", err)
		}
	}

	if t.memFd > 0 {
		unix.Close(int(t.memFd))
		t.memFd = -1
	}
	t.destroyLocalBuffers()
	return nil
}

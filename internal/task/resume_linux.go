//go:build linux && amd64

package task

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// This file is the ResumeEngine component (spec.md §4.1, Task.cc:677
// resume_execution): the single entry point that continues a stopped
// tracee.

// ResumeHow selects the ptrace continuation request ResumeEngine issues.
type ResumeHow int

const (
	Continue ResumeHow = iota
	SingleStep
	Syscall
	Sysemu
	SysemuSingleStep
)

func (h ResumeHow) ptraceRequest() int {
	switch h {
	case Continue:
		return unix.PTRACE_CONT
	case SingleStep:
		return unix.PTRACE_SINGLESTEP
	case Syscall:
		return unix.PTRACE_SYSCALL
	case Sysemu:
		return ptraceSysemu
	case SysemuSingleStep:
		return ptraceSysemuSinglestep
	default:
		panic("task: unknown ResumeHow")
	}
}

// PTRACE_SYSEMU/PTRACE_SYSEMU_SINGLESTEP are x86-specific requests not
// exported by golang.org/x/sys/unix.
const (
	ptraceSysemu           = 31
	ptraceSysemuSinglestep = 32
)

// TickPolicy selects how ResumeEngine reprograms the retired-branch
// counter before resuming.
type TickPolicy struct {
	// NoTicks, when true, means "do not reprogram the counter" (used for
	// throwaway instructions); Unlimited and N are mutually exclusive
	// with NoTicks.
	NoTicks   bool
	Unlimited bool
	N         uint64
}

// WaitMode selects whether Resume blocks for the paired wait.
type WaitMode int

const (
	Blocking WaitMode = iota
	NonBlocking
)

// maxTickPeriod caps an "unlimited" tick budget, matching spec.md §4.1
// step 1's 0xFFFFFFFF cap.
const maxTickPeriod = 0xFFFFFFFF

// Resume is ResumeEngine's single operation (spec.md §4.1).
func (t *Task) Resume(how ResumeHow, waitMode WaitMode, tickPolicy TickPolicy, deliverSignal int) error {
	// Step 1: reprogram ticks.
	if !tickPolicy.NoTicks && t.PerfCounters != nil {
		period := tickPolicy.N
		if tickPolicy.Unlimited || period == 0 {
			period = maxTickPeriod
		}
		if period < 1 {
			period = 1
		}
		if err := t.PerfCounters.Reset(period); err != nil {
			return fmt.Errorf("task %d: resume: PerfCounters.Reset: %w", t.Tid, err)
		}
	}

	// Step 2: record IP, zero DR6.
	t.addressOfLastExecutionResume = t.registers.IP()
	if err := ptracePokeUser(t.Tid, debugRegOffset(6), 0); err != nil && !isESRCH(err) {
		return fmt.Errorf("task %d: resume: clear DR6: %w", t.Tid, err)
	}

	// Step 3 (recording only): race guard against a SIGKILL delivered
	// between the previous stop and this resume. There's a nasty race
	// where a stopped task gets woken by a SIGKILL and advances to the
	// PTRACE_EVENT_EXIT stop just before we send PTRACE_CONT; our
	// PTRACE_CONT would then just let it continue and exit, and we'd
	// never get a chance to clean up. A WNOHANG waitpid here catches that
	// case directly off the raw status, without routing through
	// didWaitpid: didWaitpid only flips detectedUnexpectedExit on an
	// ESRCH during register refresh, but this is an ordinary, perfectly
	// readable stop, so it would otherwise sail through untouched and
	// Resume would go on to reissue the ptrace continuation anyway
	// (Task.cc:696 resume_execution).
	if t.Session != nil && t.Session.IsRecording() {
		var status unix.WaitStatus
		pid, err := unix.Wait4(int(t.Tid), &status, unix.WALL|unix.WNOHANG, nil)
		if err != nil && err != unix.ECHILD {
			return fmt.Errorf("task %d: resume: race-guard waitpid: %w", t.Tid, err)
		}
		if pid == int(t.Tid) {
			t.detectedUnexpectedExit = true
		}
	}

	// Step 4: issue the continuation request. ESRCH is tolerated (the
	// task is dying); any other errno is fatal.
	if !t.detectedUnexpectedExit {
		if _, err := rawPtrace(how.ptraceRequest(), t.Tid, 0, uintptr(deliverSignal)); err != nil {
			if !isESRCH(err) {
				return fmt.Errorf("task %d: resume: ptrace continue: %w", t.Tid, err)
			}
			t.detectedUnexpectedExit = true
		}
	}

	// Step 5.
	t.invalidateRegisters()

	// Step 6.
	if waitMode == Blocking {
		return t.Wait(0)
	}
	return nil
}

// FinishEmulatedSyscall performs a SYSEMU-style resume and a matched wait
// without running the full syscall-exit register normalization, since the
// syscall was emulated rather than actually executed (Task.cc:121,
// SPEC_FULL.md §4.3 supplement). Used by AutoRemoteSyscalls.
func (t *Task) FinishEmulatedSyscall() error {
	wasStopped := t.isStopped
	if err := t.Resume(SysemuSingleStep, Blocking, TickPolicy{NoTicks: true}, 0); err != nil {
		return err
	}
	if !wasStopped {
		return fmt.Errorf("task %d: finish_emulated_syscall: task was not at a stop", t.Tid)
	}
	return nil
}

// EmulateSyscallEntry forces this Task's cached registers to look like it
// just entered a syscall, for restarting an interrupted syscall under
// replay (Task.cc:1120, SPEC_FULL.md §4.3 supplement).
func (t *Task) EmulateSyscallEntry(regs Registers) error {
	t.originalSyscallno = regs.OrigRax()
	return t.SetRegs(regs)
}

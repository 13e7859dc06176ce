//go:build linux && amd64

package task

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// This file is the PostStopNormalizer component (spec.md §4.3,
// Task.cc:1129 did_waitpid): the register fixups applied after every
// ptrace-stop so that recording and replay observe byte-identical
// kernel-induced nondeterminism.

// didWaitpid commits status (and, if the caller forged one, siginfo) as
// the Task's new stop, running every normalization step spec.md §4.3
// lists in order.
func (t *Task) didWaitpid(status unix.WaitStatus, overrideSiginfo *SigInfo) error {
	// Step 1: retired-branch delta.
	if t.PerfCounters != nil {
		delta, err := t.PerfCounters.Stop()
		if err != nil {
			t.logger().Warningf("PerfCounters.Stop: %v", err)
		} else {
			t.ticks += delta
		}
	}

	event := ptraceEventOf(status)

	// Step 2: refresh general registers, unless this is an EXEC event
	// (the arch may have just changed and hasn't been updated yet).
	if event != unix.PTRACE_EVENT_EXEC {
		ok, err := t.refreshRegs()
		if err != nil {
			return fmt.Errorf("task %d: did_waitpid: %w", t.Tid, err)
		}
		if !ok {
			return t.synthesizeUnexpectedExit()
		}
	}

	// Step 3: pending siginfo.
	if pendingSigFromStatus(status) != 0 {
		if overrideSiginfo != nil {
			t.pendingSiginfo = *overrideSiginfo
			t.havePendingSiginfo = true
		} else {
			var si rawSiginfo
			if err := ptraceGetSigInfo(t.Tid, &si); err != nil {
				if isESRCH(err) {
					return t.synthesizeUnexpectedExit()
				}
				return fmt.Errorf("task %d: did_waitpid: PTRACE_GETSIGINFO: %w", t.Tid, err)
			}
			t.pendingSiginfo = sigInfoFromRaw(si)
			t.havePendingSiginfo = true
		}
	} else {
		t.havePendingSiginfo = false
	}

	// Step 4.
	t.isStopped = true
	t.waitStatus = status
	if event == unix.PTRACE_EVENT_EXIT {
		t.seenPtraceExitEvent = true
	}

	// Step 5: never let the single-step flag leak into recorded state.
	const x86TrapFlag = 1 << 8
	if t.registers.Flags()&x86TrapFlag != 0 {
		t.registers.SetFlags(t.registers.Flags() &^ x86TrapFlag)
		t.registersDirty = true
	}

	// Step 6: breakpoint-on-resume is a no-op for original_syscallno.
	if t.registers.IP() == t.addressOfLastExecutionResume+BreakpointInsnLength &&
		stopSigFromStatus(status) == int(unix.SIGTRAP) &&
		event == 0 &&
		t.AddressSpace != nil && t.AddressSpace.BreakpointAt(t.addressOfLastExecutionResume) {
		t.registers.SetOrigRax(t.originalSyscallno)
		t.registersDirty = true
	}

	// Step 7: syscall-exit register normalization.
	if t.isSyscallExitStop(status) && !t.isSigreturnFamily() {
		t.normalizeSyscallExitRegisters()
		t.registersDirty = true
	}

	// Step 8: flush if dirty.
	if t.registersDirty {
		if err := ptraceSetRegs(t.Tid, t.registers.raw()); err != nil {
			if !isESRCH(err) {
				return fmt.Errorf("task %d: did_waitpid: PTRACE_SETREGS: %w", t.Tid, err)
			}
		}
		t.registersDirty = false
	}

	return nil
}

// synthesizeUnexpectedExit marks the task as having hit a PTRACE_EVENT_EXIT
// we didn't directly observe (ESRCH mid-normalization, or a missing exit
// event from a kernel bug); it commits a synthesized exit status so the
// caller's next inspection sees a consistent stop.
func (t *Task) synthesizeUnexpectedExit() error {
	t.detectedUnexpectedExit = true
	t.isStopped = true
	t.waitStatus = synthesizedExitStatus()
	t.seenPtraceExitEvent = true
	t.logger().Warningf("synthesized PTRACE_EVENT_EXIT")
	return nil
}

// isSyscallExitStop reports whether status is a syscall-exit-stop: a
// SIGTRAP|0x80 stop under PTRACE_SYSCALL/SYSEMU tracing, with no other
// ptrace event attached.
func (t *Task) isSyscallExitStop(status unix.WaitStatus) bool {
	if !status.Stopped() {
		return false
	}
	const syscallTrapBit = 0x80
	sig := status.StopSignal()
	return int(sig)&syscallTrapBit != 0 && ptraceEventOf(status) == 0
}

// isSigreturnFamily reports whether the syscall this Task is currently
// exiting from is sigreturn or rt_sigreturn, which restore registers from
// the kernel-built signal frame and must never be normalized (glossary:
// "Sigreturn-family").
func (t *Task) isSigreturnFamily() bool {
	name := opsFor(t.arch).SyscallName(t.registers.OrigRax())
	return name == "sigreturn" || name == "rt_sigreturn"
}

// normalizeSyscallExitRegisters applies the arch-specific fixups spec.md
// §4.3 step 7 lists, covering nondeterminism introduced by the kernel's
// SYSENTER/SYSCALL entry paths and by virtualized environments.
func (t *Task) normalizeSyscallExitRegisters() {
	const (
		tfBit        = 1 << 8
		normalFlags  = 0x246 // ZF|PF|IF + reserved bit 1
	)
	switch t.arch {
	case X64:
		t.registers.SetR11(t.registers.R11() &^ tfBit)
		t.registers.SetRcx(^uint64(0))
		t.registers.SetFlags(normalFlags)
	case X86:
		t.registers.SetFlags(normalFlags)
	}
}

func sigInfoFromRaw(si rawSiginfo) SigInfo {
	// unix.Siginfo is a raw byte-compatible struct; the fields extracted
	// here (signo and code) sit at fixed offsets shared across the
	// signal-specific union members. Fd is left zero.
	signo := int32(si[0]) | int32(si[1])<<8 | int32(si[2])<<16 | int32(si[3])<<24
	code := int32(si[8]) | int32(si[9])<<8 | int32(si[10])<<16 | int32(si[11])<<24
	return SigInfo{Signo: signo, Code: code}
}

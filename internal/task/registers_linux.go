//go:build linux && amd64

package task

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IP returns the instruction pointer.
func (r *Registers) IP() uintptr { return uintptr(r.amd64.Rip) }

// SetIP sets the instruction pointer.
func (r *Registers) SetIP(ip uintptr) { r.amd64.Rip = uint64(ip) }

// SP returns the stack pointer.
func (r *Registers) SP() uintptr { return uintptr(r.amd64.Rsp) }

// OrigRax returns the raw orig_rax register slot (the syscall number on
// syscall-enter, -1 if not in a syscall stop).
func (r *Registers) OrigRax() int64 { return int64(r.amd64.Orig_rax) }

// SetOrigRax sets the raw orig_rax register slot.
func (r *Registers) SetOrigRax(v int64) { r.amd64.Orig_rax = uint64(v) }

// Flags returns the EFLAGS register.
func (r *Registers) Flags() uint64 { return r.amd64.Eflags }

// SetFlags sets the EFLAGS register.
func (r *Registers) SetFlags(v uint64) { r.amd64.Eflags = v }

// R11 returns the R11 general register (x86-64 only; carries a copy of
// RFLAGS across SYSCALL/SYSRET and therefore needs the TF-clearing
// normalization in PostStopNormalizer).
func (r *Registers) R11() uint64 { return r.amd64.R11 }

// SetR11 sets the R11 general register.
func (r *Registers) SetR11(v uint64) { r.amd64.R11 = v }

// Rcx returns RCX (clobbered by SYSCALL with the post-syscall return
// address; PostStopNormalizer forces it to -1 on syscall-exit so the
// value is deterministic).
func (r *Registers) Rcx() uint64 { return r.amd64.Rcx }

// SetRcx sets RCX.
func (r *Registers) SetRcx(v uint64) { r.amd64.Rcx = v }

// raw exposes the underlying PtraceRegs payload for PTRACE_GETREGS/
// PTRACE_SETREGS, used by SetRegs and didWaitpid.
func (r *Registers) raw() *unix.PtraceRegs { return &r.amd64 }

// registerCache holds the Task methods that implement the RegisterCache
// component (spec.md §4, "Cache general and extended ... registers;
// invalidate on resume; flush on set").

// Regs returns the cached general registers. Callers must only call this
// while IsStopped() is true (invariant 1/3).
func (t *Task) Regs() Registers { return t.registers }

// SetRegs writes new general registers to the cache and immediately
// flushes them to the tracee via PTRACE_SETREGS, matching Task.cc's
// set_regs (which never leaves a dirty cache lying around).
func (t *Task) SetRegs(regs Registers) error {
	if !t.isStopped {
		return fmt.Errorf("task %d: SetRegs called while not stopped", t.Tid)
	}
	t.registers = regs
	if err := ptraceSetRegs(t.Tid, regs.raw()); err != nil {
		return fmt.Errorf("task %d: PTRACE_SETREGS: %w", t.Tid, err)
	}
	t.registersDirty = false
	return nil
}

// refreshRegs re-reads the general registers from the tracee via
// PTRACE_GETREGS. Returns the ESRCH-tolerant ok=false on a dying tracee.
func (t *Task) refreshRegs() (ok bool, err error) {
	var regs unix.PtraceRegs
	if err := ptraceGetRegs(t.Tid, &regs); err != nil {
		if isESRCH(err) {
			return false, nil
		}
		return false, err
	}
	t.registers = Registers{Arch: t.arch, amd64: regs}
	return true, nil
}

// ExtraRegs returns the cached floating-point/XSAVE registers. Valid only
// when extraRegistersKnown is true (invariant 3); lazily fetches them
// otherwise, matching Task.cc's extra_regs() accessor.
func (t *Task) ExtraRegs() (ExtraRegisters, error) {
	if !t.extraRegistersKnown {
		if err := t.refreshExtraRegs(); err != nil {
			return ExtraRegisters{}, err
		}
	}
	return t.extraRegisters, nil
}

// SetExtraRegs writes new extra registers to the cache and flushes them
// via PTRACE_SETREGSET.
func (t *Task) SetExtraRegs(regs ExtraRegisters) error {
	if !t.isStopped {
		return fmt.Errorf("task %d: SetExtraRegs called while not stopped", t.Tid)
	}
	t.extraRegisters = regs
	t.extraRegistersKnown = true
	if err := ptraceSetRegSet(t.Tid, xstateRegSet(regs.Xsave), regs.Data); err != nil {
		return fmt.Errorf("task %d: PTRACE_SETREGSET: %w", t.Tid, err)
	}
	return nil
}

// refreshExtraRegs re-reads the floating-point/XSAVE registers via
// PTRACE_GETREGSET.
func (t *Task) refreshExtraRegs() error {
	useXsave := xsaveSupported()
	size := xsaveAreaSize()
	if !useXsave {
		size = fxsaveAreaSize
	}
	buf := make([]byte, size)
	if err := ptraceGetRegSet(t.Tid, xstateRegSet(useXsave), buf); err != nil {
		if isESRCH(err) {
			// Leave extraRegistersKnown false; the caller's next stop
			// will synthesize an exit per PostStopNormalizer step 2.
			return nil
		}
		return fmt.Errorf("task %d: PTRACE_GETREGSET: %w", t.Tid, err)
	}
	t.extraRegisters = ExtraRegisters{Arch: t.arch, Xsave: useXsave, Data: buf, dataLen: uint64(size)}
	t.extraRegistersKnown = true
	return nil
}

// invalidateRegisters marks both register caches stale; Resume calls it
// right after issuing the continuation request (invariant 3: "while
// is_stopped is false, no cached register read is valid").
func (t *Task) invalidateRegisters() {
	t.isStopped = false
	t.extraRegistersKnown = false
}

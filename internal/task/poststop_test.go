//go:build linux && amd64

package task

import (
	"testing"

	"golang.org/x/sys/unix"
)

// makeStoppedStatus packs a stopped wait status carrying stop signal sig
// and ptrace-event event, matching the kernel's status = event<<16 |
// sig<<8 | 0x7f encoding (see ptraceEventOf in wait_linux.go).
func makeStoppedStatus(sig int, event int) unix.WaitStatus {
	return unix.WaitStatus(event<<16 | sig<<8 | 0x7f)
}

func TestIsSyscallExitStop(t *testing.T) {
	task := &Task{}
	// SIGTRAP|0x80 with no ptrace event attached.
	status := makeStoppedStatus(int(unix.SIGTRAP)|0x80, 0)
	if !task.isSyscallExitStop(status) {
		t.Errorf("expected syscall-exit stop to be recognized")
	}
}

func TestIsSyscallExitStopRejectsPlainTrap(t *testing.T) {
	task := &Task{}
	status := makeStoppedStatus(int(unix.SIGTRAP), 0)
	if task.isSyscallExitStop(status) {
		t.Errorf("plain SIGTRAP without the 0x80 bit must not be a syscall-exit stop")
	}
}

func TestIsSyscallExitStopRejectsPtraceEvent(t *testing.T) {
	task := &Task{}
	status := makeStoppedStatus(int(unix.SIGTRAP)|0x80, unix.PTRACE_EVENT_EXEC)
	if task.isSyscallExitStop(status) {
		t.Errorf("a stop carrying a ptrace event must not be treated as a syscall-exit stop")
	}
}

func TestIsSigreturnFamily(t *testing.T) {
	task := &Task{arch: X64}
	task.registers = Registers{Arch: X64}

	task.registers.SetOrigRax(15) // rt_sigreturn on x86-64
	if !task.isSigreturnFamily() {
		t.Errorf("rt_sigreturn should be classified as sigreturn-family")
	}

	task.registers.SetOrigRax(59) // execve
	if task.isSigreturnFamily() {
		t.Errorf("execve must not be classified as sigreturn-family")
	}
}

func TestNormalizeSyscallExitRegistersX64(t *testing.T) {
	task := &Task{arch: X64}
	task.registers = Registers{Arch: X64}
	task.registers.SetR11(0x1234 | 1<<8) // TF bit set
	task.registers.SetRcx(0x5)
	task.registers.SetFlags(0x246 | 1<<10)

	task.normalizeSyscallExitRegisters()

	if task.registers.R11()&(1<<8) != 0 {
		t.Errorf("TF bit not cleared from R11")
	}
	if task.registers.Rcx() != ^uint64(0) {
		t.Errorf("Rcx = %#x, want all-ones", task.registers.Rcx())
	}
	if task.registers.Flags() != 0x246 {
		t.Errorf("Flags = %#x, want 0x246", task.registers.Flags())
	}
}

func TestNormalizeSyscallExitRegistersX86(t *testing.T) {
	task := &Task{arch: X86}
	task.registers = Registers{Arch: X86}
	task.registers.SetFlags(0x246 | 1<<10)

	task.normalizeSyscallExitRegisters()

	if task.registers.Flags() != 0x246 {
		t.Errorf("Flags = %#x, want 0x246", task.registers.Flags())
	}
}

func TestSigInfoFromRaw(t *testing.T) {
	var raw rawSiginfo
	// signo at bytes 0-3, code at bytes 8-11.
	raw[0], raw[1], raw[2], raw[3] = 11, 0, 0, 0  // SIGSEGV
	raw[8], raw[9], raw[10], raw[11] = 0x80, 0, 0, 0 // SI_KERNEL-ish code byte

	got := sigInfoFromRaw(raw)
	if got.Signo != 11 {
		t.Errorf("Signo = %d, want 11", got.Signo)
	}
	if got.Code != 0x80 {
		t.Errorf("Code = %#x, want 0x80", got.Code)
	}
}

//go:build linux && amd64

package task

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestResumeHowPtraceRequest(t *testing.T) {
	cases := []struct {
		how  ResumeHow
		want int
	}{
		{Continue, unix.PTRACE_CONT},
		{SingleStep, unix.PTRACE_SINGLESTEP},
		{Syscall, unix.PTRACE_SYSCALL},
		{Sysemu, ptraceSysemu},
		{SysemuSingleStep, ptraceSysemuSinglestep},
	}
	for _, c := range cases {
		if got := c.how.ptraceRequest(); got != c.want {
			t.Errorf("%v.ptraceRequest() = %d, want %d", c.how, got, c.want)
		}
	}
}

func TestResumeHowPtraceRequestPanicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("ptraceRequest() on an unknown ResumeHow did not panic")
		}
	}()
	ResumeHow(99).ptraceRequest()
}

func TestEmulateSyscallEntrySetsOriginalSyscallno(t *testing.T) {
	task := &Task{arch: X64, Tid: 0, isStopped: true}
	regs := Registers{Arch: X64}
	regs.SetOrigRax(42)

	// SetRegs needs a live ptrace target; this test only exercises the
	// original_syscallno bookkeeping half of EmulateSyscallEntry, so a
	// failing PTRACE_SETREGS (no such tid) is expected and ignored.
	_ = task.EmulateSyscallEntry(regs)
	if task.originalSyscallno != 42 {
		t.Errorf("originalSyscallno = %d, want 42", task.originalSyscallno)
	}
}

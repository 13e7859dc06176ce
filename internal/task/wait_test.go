//go:build linux && amd64

package task

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestIsStoppingStatus(t *testing.T) {
	if !isStoppingStatus(makeStoppedStatus(int(unix.SIGTRAP), 0)) {
		t.Errorf("a stopped status should be a stopping status")
	}
	// Exited status: low byte encodes exit code in the high 8 bits, 0 low bit.
	exited := unix.WaitStatus(0)
	if !isStoppingStatus(exited) {
		t.Errorf("an exited status should be a stopping status")
	}
}

func TestLooksLikePlainInterrupt(t *testing.T) {
	status := makeStoppedStatus(int(unix.SIGTRAP), unix.PTRACE_EVENT_STOP)
	if !looksLikePlainInterrupt(status) {
		t.Errorf("SIGTRAP PTRACE_EVENT_STOP should look like a plain interrupt")
	}

	status = makeStoppedStatus(int(unix.SIGSTOP), unix.PTRACE_EVENT_STOP)
	if !looksLikePlainInterrupt(status) {
		t.Errorf("SIGSTOP PTRACE_EVENT_STOP should look like a plain interrupt")
	}
}

func TestLooksLikePlainInterruptRejectsOtherSignals(t *testing.T) {
	status := makeStoppedStatus(int(unix.SIGCHLD), unix.PTRACE_EVENT_STOP)
	if looksLikePlainInterrupt(status) {
		t.Errorf("SIGCHLD PTRACE_EVENT_STOP should not look like a plain interrupt")
	}
}

func TestLooksLikePlainInterruptRejectsNonEventStop(t *testing.T) {
	status := makeStoppedStatus(int(unix.SIGTRAP), 0)
	if looksLikePlainInterrupt(status) {
		t.Errorf("a non PTRACE_EVENT_STOP stop should not look like a plain interrupt")
	}
}

func TestSynthesizedExitStatus(t *testing.T) {
	status := synthesizedExitStatus()
	if !status.Stopped() {
		t.Fatalf("synthesized exit status is not a stop")
	}
	if status.StopSignal() != unix.SIGTRAP {
		t.Errorf("synthesized exit status signal = %v, want SIGTRAP", status.StopSignal())
	}
	if ptraceEventOf(status) != unix.PTRACE_EVENT_EXIT {
		t.Errorf("synthesized exit status event = %d, want PTRACE_EVENT_EXIT", ptraceEventOf(status))
	}
}

func TestSynthesizeStopSignal(t *testing.T) {
	status := synthesizeStopSignal(int(unix.SIGCHLD))
	if !status.Stopped() || status.StopSignal() != unix.SIGCHLD {
		t.Errorf("synthesizeStopSignal(SIGCHLD) = %v, unexpected", status)
	}
}

func TestPendingSigFromStatus(t *testing.T) {
	status := makeStoppedStatus(int(unix.SIGSEGV), 0)
	if got := pendingSigFromStatus(status); got != int(unix.SIGSEGV) {
		t.Errorf("pendingSigFromStatus = %d, want SIGSEGV", got)
	}
	if got := pendingSigFromStatus(unix.WaitStatus(0)); got != 0 {
		t.Errorf("pendingSigFromStatus(exited) = %d, want 0", got)
	}
}

func TestStopSigFromStatus(t *testing.T) {
	status := makeStoppedStatus(int(unix.SIGTRAP)|0x80, unix.PTRACE_EVENT_EXEC)
	// StopSignal masks off the high event bits already; only the
	// low-8-bits-of-signal-byte portion (with the 0x80 trace bit) remains.
	if got := stopSigFromStatus(status); got&0x7f != int(unix.SIGTRAP) {
		t.Errorf("stopSigFromStatus = %#x, want low bits SIGTRAP", got)
	}
}

func TestTickSourceFdFallsBackWithoutFdNamer(t *testing.T) {
	task := &Task{}
	if got := task.tickSourceFd(); got != -1 {
		t.Errorf("tickSourceFd() with nil PerfCounters = %d, want -1", got)
	}
}

func TestTickSourceFdUsesFdNamer(t *testing.T) {
	task := &Task{PerfCounters: &PerfBranchCounters{fd: 7}}
	if got := task.tickSourceFd(); got != 7 {
		t.Errorf("tickSourceFd() = %d, want 7", got)
	}
}

func TestPtraceEventOf(t *testing.T) {
	status := makeStoppedStatus(int(unix.SIGTRAP), unix.PTRACE_EVENT_CLONE)
	if got := ptraceEventOf(status); got != unix.PTRACE_EVENT_CLONE {
		t.Errorf("ptraceEventOf = %d, want PTRACE_EVENT_CLONE", got)
	}
}

//go:build linux && amd64

package task

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// This file is the WaitLoop component (spec.md §4.2): blocking wait with
// optional deadline, PTRACE_INTERRUPT, zombie detection, and unexpected-
// exit synthesis. Grounded on Task.cc:960 (wait) and Task.cc:1199
// (try_wait), with the itimer/SIGALRM escalation ladder realized via Go's
// os/signal package rather than a raw sigaction install: Go's runtime
// already owns SA_RESTART/signal masking, so registering a channel with
// signal.Notify is the idiomatic way to get "a signal that merely causes
// the blocking syscall to return EINTR" without fighting the runtime's
// own signal handling.

// sigalrmCh is the SIGALRM channel, installed once per process by init,
// matching spec.md §9's "install once, reuse across waits."
var sigalrmCh chan os.Signal

func init() {
	sigalrmCh = make(chan os.Signal, 1)
	signal.Notify(sigalrmCh, unix.SIGALRM)
}

// Wait blocks until the tracee reaches a new ptrace-stop and commits that
// stop via didWaitpid. deadline is zero for "no deadline"; only the
// recording side may pass a non-zero deadline (spec.md §4.2).
func (t *Task) Wait(deadline time.Duration) error {
	if t.detectedUnexpectedExit {
		return t.didWaitpid(synthesizedExitStatus(), nil)
	}

	sentInterrupt := false
	for {
		var status unix.WaitStatus
		var armed bool
		if deadline > 0 {
			armed = true
			t.armAlarm(deadline)
		}

		_, err := unix.Wait4(int(t.Tid), &status, unix.WALL, nil)
		if armed {
			t.disarmAlarm()
		}

		if err == unix.EINTR {
			if zombie, zerr := t.threadGroupLeaderIsZombie(); zerr == nil && zombie {
				return t.didWaitpid(synthesizedExitStatus(), nil)
			}
			if !sentInterrupt {
				if ok, ierr := ptraceFallible(unix.PTRACE_INTERRUPT, t.Tid, 0, 0); ierr != nil {
					return fmt.Errorf("task %d: PTRACE_INTERRUPT: %w", t.Tid, ierr)
				} else if ok {
					sentInterrupt = true
				}
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("task %d: waitpid: %w", t.Tid, err)
		}

		if !isStoppingStatus(status) && !t.seenPtraceExitEvent {
			// Guards against rare kernel bugs where PTRACE_EVENT_EXIT is
			// skipped entirely.
			return t.didWaitpid(synthesizedExitStatus(), nil)
		}

		if sentInterrupt && looksLikePlainInterrupt(status) {
			status, si := t.forgeTimesliceStop(status)
			return t.didWaitpid(status, si)
		}

		return t.didWaitpid(status, nil)
	}
}

// TryWait is the non-blocking variant (Task.cc:1199 try_wait). It
// returns ok=false when no new stop is pending.
func (t *Task) TryWait() (ok bool, err error) {
	var status unix.WaitStatus
	pid, werr := unix.Wait4(int(t.Tid), &status, unix.WALL|unix.WNOHANG, nil)
	if werr != nil {
		if werr == unix.ECHILD {
			return false, nil
		}
		return false, fmt.Errorf("task %d: waitpid(WNOHANG): %w", t.Tid, werr)
	}
	if pid == 0 {
		return false, nil
	}
	return true, t.didWaitpid(status, nil)
}

// itimerval mirrors struct itimerval for the raw setitimer(2) syscall;
// golang.org/x/sys/unix does not wrap ITIMER_REAL directly.
type itimerval struct {
	Interval, Value unix.Timeval
}

// setitimerReal arms (or, with a zero it, disarms) ITIMER_REAL, the
// signal source spec.md §4.2 step 1 uses to interrupt a blocked waitpid
// with EINTR.
func setitimerReal(it *itimerval) error {
	_, _, errno := unix.Syscall(unix.SYS_SETITIMER, unix.ITIMER_REAL,
		uintptr(unsafe.Pointer(it)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *Task) armAlarm(d time.Duration) {
	// Drain any stale pending signal before arming, so a previous wait's
	// alarm can't be mistaken for this one's.
	select {
	case <-sigalrmCh:
	default:
	}
	it := itimerval{Value: unix.Timeval{
		Sec:  int64(d / time.Second),
		Usec: int64((d % time.Second) / time.Microsecond),
	}}
	if err := setitimerReal(&it); err != nil {
		t.logger().Warningf("setitimer(ITIMER_REAL) failed: %v", err)
	}
}

func (t *Task) disarmAlarm() {
	_ = setitimerReal(&itimerval{})
}

// threadGroupLeaderIsZombie reads /proc/<tgid>/status's State: field,
// used by the EINTR branch of Wait to decide whether the whole group has
// already exited out from under us (spec.md §4.2 step 3).
func (t *Task) threadGroupLeaderIsZombie() (bool, error) {
	tgid := t.Tid
	if t.TaskGroup != nil {
		tgid = t.TaskGroup.Tgid()
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", tgid))
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") {
			return strings.Contains(line, "Z"), nil
		}
	}
	return false, nil
}

func isStoppingStatus(status unix.WaitStatus) bool {
	return status.Stopped() || status.Exited() || status.Signaled()
}

func looksLikePlainInterrupt(status unix.WaitStatus) bool {
	if !status.Stopped() {
		return false
	}
	sig := status.StopSignal()
	return ptraceEventOf(status) == unix.PTRACE_EVENT_STOP &&
		(sig == unix.SIGTRAP || sig == unix.SIGSTOP || sig == 0)
}

// forgeTimesliceStop rewrites a plain-interrupt status into the
// synthetic "time-slice expired" signal the scheduler expects, with a
// matching forged siginfo (spec.md §4.2 step 5).
func (t *Task) forgeTimesliceStop(status unix.WaitStatus) (unix.WaitStatus, *SigInfo) {
	si := &SigInfo{
		Signo: SchedulerTimesliceSignal,
		Code:  pollInCode,
		Fd:    t.tickSourceFd(),
	}
	return synthesizeStopSignal(SchedulerTimesliceSignal), si
}

// pollInCode is SI_CODE POLL_IN for a synthesized "fd became readable"
// siginfo.
const pollInCode = 2

// tickSourceFd returns the fd the forged siginfo should name as the tick
// source; PerfCounters implementations that back onto a real fd should
// implement an Fd() int32 method to participate, otherwise -1 is reported.
func (t *Task) tickSourceFd() int32 {
	if namer, ok := t.PerfCounters.(interface{ Fd() int32 }); ok {
		return namer.Fd()
	}
	return -1
}

// ptraceEventOf extracts the ptrace-event code from a packed wait status:
// for a SIGTRAP stop caused by a ptrace event, the kernel encodes the
// event number in bits 16-23 (status = event<<16 | sig<<8 | 0x7f).
func ptraceEventOf(status unix.WaitStatus) int {
	return int(status>>16) & 0xff
}

func synthesizedExitStatus() unix.WaitStatus {
	// A status value whose high byte encodes PTRACE_EVENT_EXIT with a
	// SIGTRAP stop signal, matching what the kernel would have delivered.
	return unix.WaitStatus((unix.PTRACE_EVENT_EXIT << 16) | (unix.SIGTRAP << 8) | 0x7f)
}

func synthesizeStopSignal(sig int) unix.WaitStatus {
	return unix.WaitStatus((sig << 8) | 0x7f)
}

// pendingSigFromStatus extracts the pending stop signal from a packed
// wait status (Task.cc:1347 pending_sig_from_status).
func pendingSigFromStatus(status unix.WaitStatus) int {
	if status.Stopped() {
		return int(status.StopSignal())
	}
	return 0
}

// stopSigFromStatus extracts the stop signal, ignoring any ptrace-event
// high bits (Task.cc:1372 stop_sig_from_status).
func stopSigFromStatus(status unix.WaitStatus) int {
	return int(status.StopSignal())
}

//go:build linux && amd64

package task

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// This file is the PtraceDriver component (spec.md §4, "Thin typed
// wrapper over the ptrace primitive: fallible, alive-checking, fatal
// variants"), grounded on gVisor's ptrace_unsafe.go raw-syscall helpers
// and Task.cc's fallible_ptrace/xptrace/ptrace_if_alive trio.

// NT_PRFPREG / NT_X86_XSTATE register-set types for PTRACE_GETREGSET, see
// include/uapi/linux/elf.h.
const (
	ntPrfpreg   = 0x2
	ntX86Xstate = 0x202
)

// fxsaveAreaSize is sizeof(struct user_fpregs_struct) on x86-64.
const fxsaveAreaSize = 512

func xstateRegSet(useXsave bool) uintptr {
	if useXsave {
		return ntX86Xstate
	}
	return ntPrfpreg
}

// rawPtrace issues a raw PTRACE_* request. ESRCH is returned as a plain
// error (unwrappable to unix.ESRCH via errors.Is); any other failure is
// likewise returned as an error for the caller to classify.
func rawPtrace(request int, tid int32, addr, data uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// ptraceFallible issues a ptrace request that tolerates ESRCH as a normal
// "task is dying" outcome: ok=false, err=nil in that case. Any other
// errno is returned as an error. Matches Task.cc's fallible_ptrace.
func ptraceFallible(request int, tid int32, addr, data uintptr) (ok bool, err error) {
	_, err = rawPtrace(request, tid, addr, data)
	if err == nil {
		return true, nil
	}
	if isESRCH(err) {
		return false, nil
	}
	return false, err
}

// ptraceAliveChecking issues a ptrace request and returns whether the
// task is still alive, logging (but not failing the caller) on ESRCH.
// Matches Task.cc's ptrace_if_alive.
func (t *Task) ptraceAliveChecking(request int, addr, data uintptr) bool {
	ok, err := ptraceFallible(request, t.Tid, addr, data)
	if err != nil {
		t.logger().Warningf("ptrace_if_alive: unexpected error for request %d: %v", request, err)
		return false
	}
	if !ok {
		t.logger().Warningf("ptrace_if_alive: task no longer alive for request %d", request)
	}
	return ok
}

// ptraceFatal issues a ptrace request that must succeed or ESRCH; any
// other errno is a programming error and aborts the tracer with the
// structured TaskError named in spec.md §7. Matches Task.cc's xptrace.
func (t *Task) ptraceFatal(requestName string, request int, addr, data uintptr) {
	_, err := rawPtrace(request, t.Tid, addr, data)
	if err == nil || isESRCH(err) {
		return
	}
	errno, _ := err.(unix.Errno)
	t.logger().Fatalf("%v", &TaskError{Tid: t.Tid, Request: requestName, Addr: addr, Data: data, Errno: errno})
}

func ptraceGetRegs(tid int32, regs *unix.PtraceRegs) error {
	_, err := rawPtrace(unix.PTRACE_GETREGS, tid, 0, uintptr(unsafe.Pointer(regs)))
	return err
}

func ptraceSetRegs(tid int32, regs *unix.PtraceRegs) error {
	_, err := rawPtrace(unix.PTRACE_SETREGS, tid, 0, uintptr(unsafe.Pointer(regs)))
	return err
}

func ptraceGetRegSet(tid int32, setType uintptr, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, err := rawPtrace(unix.PTRACE_GETREGSET, tid, setType, uintptr(unsafe.Pointer(&iov)))
	return err
}

func ptraceSetRegSet(tid int32, setType uintptr, buf []byte) error {
	iov := unix.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, err := rawPtrace(unix.PTRACE_SETREGSET, tid, setType, uintptr(unsafe.Pointer(&iov)))
	return err
}

// rawSiginfo is the raw 128-byte kernel siginfo_t payload PTRACE_GETSIGINFO/
// PTRACE_SETSIGINFO exchange. golang.org/x/sys/unix does not expose a
// typed siginfo_t (its Siginfo-shaped helpers are specific to waitid), so
// the task core reads the two fields it needs (signo, code) directly out
// of the fixed kernel layout rather than depending on an untyped cgo
// struct.
type rawSiginfo [128]byte

func ptraceGetSigInfo(tid int32, si *rawSiginfo) error {
	_, err := rawPtrace(unix.PTRACE_GETSIGINFO, tid, 0, uintptr(unsafe.Pointer(si)))
	return err
}

func ptraceSetSigInfo(tid int32, si *rawSiginfo) error {
	_, err := rawPtrace(unix.PTRACE_SETSIGINFO, tid, 0, uintptr(unsafe.Pointer(si)))
	return err
}

func ptracePeekData(tid int32, addr uintptr) (uintptr, error) {
	var word uintptr
	_, err := rawPtrace(unix.PTRACE_PEEKDATA, tid, addr, uintptr(unsafe.Pointer(&word)))
	if err != nil {
		return 0, err
	}
	return word, nil
}

func ptracePokeData(tid int32, addr uintptr, word uintptr) error {
	_, err := rawPtrace(unix.PTRACE_POKEDATA, tid, addr, word)
	return err
}

func ptracePeekUser(tid int32, offset uintptr) (uintptr, error) {
	var word uintptr
	_, err := rawPtrace(unix.PTRACE_PEEKUSR, tid, offset, uintptr(unsafe.Pointer(&word)))
	if err != nil {
		return 0, err
	}
	return word, nil
}

func ptracePokeUser(tid int32, offset uintptr, word uintptr) error {
	_, err := rawPtrace(unix.PTRACE_POKEUSR, tid, offset, word)
	return err
}

func ptraceGetEventMsg(tid int32) (uintptr, error) {
	var msg uintptr
	_, err := rawPtrace(unix.PTRACE_GETEVENTMSG, tid, 0, uintptr(unsafe.Pointer(&msg)))
	if err != nil {
		return 0, err
	}
	return msg, nil
}

// --- Global CPUID/XSAVE init (spec.md §9: "one-shot initialization,
// never torn down") ---

var (
	xsaveOnce     sync.Once
	xsaveHasXsave bool
	xsaveSize     uint32
)

func detectXsave() {
	xsaveOnce.Do(func() {
		_, _, ecx1, _ := cpuid(1, 0)
		xsaveHasXsave = ecx1&(1<<26) != 0
		if xsaveHasXsave {
			_, _, ecxD, _ := cpuid(0xd, 0)
			xsaveSize = ecxD
		}
	})
}

func xsaveSupported() bool {
	detectXsave()
	return xsaveHasXsave
}

func xsaveAreaSize() int {
	detectXsave()
	if xsaveSize == 0 {
		return fxsaveAreaSize
	}
	return int(xsaveSize)
}

// cpuid executes the CPUID instruction for (leaf, subleaf); see
// cpuid_amd64.s. Only leaves 1 (feature bits) and 0xd (XSAVE area size)
// are used, per spec.md §6.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidImpl(leaf, subleaf)
}

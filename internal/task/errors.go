//go:build linux && amd64

package task

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// TaskError is the "programming error" / fatal-path error shape named in
// spec.md §7: it names the tid, the ptrace request, the addr/data
// arguments, and the errno, so a fatal abort always carries enough to
// reproduce the failing call.
type TaskError struct {
	Tid     int32
	Request string
	Addr    uintptr
	Data    uintptr
	Errno   unix.Errno
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("ptrace(%s, tid=%d, addr=%#x, data=%#x): %v",
		e.Request, e.Tid, e.Addr, e.Data, e.Errno)
}

func (e *TaskError) Unwrap() error { return e.Errno }

// isESRCH reports whether err is (or wraps) ESRCH, the "tracee died out
// from under us" errno that every ptrace call site must tolerate rather
// than treat as fatal (spec.md §7).
func isESRCH(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

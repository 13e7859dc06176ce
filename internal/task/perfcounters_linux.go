//go:build linux && amd64

package task

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// This file is the default PerfCounters implementation (spec.md §1's
// "PerfCounters (retired-branch ticks)" collaborator), backed by
// unix.PerfEventOpen counting PERF_COUNT_HW_BRANCH_INSTRUCTIONS with a
// sample-period overflow notification, the same primitive rr's own
// perf_counters.cc programs. Task depends only on the PerfCounters
// interface in collaborators.go; this type is a concrete implementation
// of it. Spawn does not install one: Task.PerfCounters stays nil unless
// the caller sets it.

// PerfBranchCounters counts retired conditional branches for one tracee
// thread via a perf_event_open'd hardware counter.
type PerfBranchCounters struct {
	tid     int32
	fd      int32
	running bool
}

// NewPerfBranchCounters opens (but does not start) a retired-branch
// counter for tid.
func NewPerfBranchCounters(tid int32) (*PerfBranchCounters, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, err := unix.PerfEventOpen(&attr, int(tid), -1, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(tid=%d): %w", tid, err)
	}
	return &PerfBranchCounters{tid: tid, fd: int32(fd)}, nil
}

// Reset reprograms the counter to fire after period retired conditional
// branches, restarting the count from zero (spec.md §4.1 step 1).
func (p *PerfBranchCounters) Reset(period uint64) error {
	if err := unix.IoctlSetInt(int(p.fd), unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_RESET: %w", err)
	}
	if period > 0 && period <= maxTickPeriod {
		if err := ioctlPerfPeriod(int(p.fd), period); err != nil {
			return fmt.Errorf("PERF_EVENT_IOC_PERIOD: %w", err)
		}
	}
	if err := unix.IoctlSetInt(int(p.fd), unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_ENABLE: %w", err)
	}
	p.running = true
	return nil
}

// Stop stops counting and returns the number of ticks retired since the
// last Reset (spec.md §4.3 step 1).
func (p *PerfBranchCounters) Stop() (uint64, error) {
	if !p.running {
		return 0, nil
	}
	if err := unix.IoctlSetInt(int(p.fd), unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return 0, fmt.Errorf("PERF_EVENT_IOC_DISABLE: %w", err)
	}
	p.running = false
	var count uint64
	buf := make([]byte, 8)
	n, err := unix.Read(int(p.fd), buf)
	if err != nil {
		return 0, fmt.Errorf("read perf fd: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("read perf fd: short read (%d bytes)", n)
	}
	for i := 7; i >= 0; i-- {
		count = count<<8 | uint64(buf[i])
	}
	return count, nil
}

// Fd returns the underlying perf-event fd, used by WaitLoop's forged
// time-slice siginfo (spec.md §4.2 step 5: "si_fd = ticks-fd").
func (p *PerfBranchCounters) Fd() int32 { return p.fd }

// Close releases the counter's fd.
func (p *PerfBranchCounters) Close() error {
	if p.fd <= 0 {
		return nil
	}
	err := unix.Close(int(p.fd))
	p.fd = -1
	return err
}

func ioctlPerfPeriod(fd int, period uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_PERIOD, uintptr(unsafe.Pointer(&period)))
	if errno != 0 {
		return errno
	}
	return nil
}

//go:build linux && amd64

package task

import "errors"

// errTestRemoteSyscallFailed is a sentinel error fakeAutoRemoteSyscalls
// returns when configured to simulate an injection failure.
var errTestRemoteSyscallFailed = errors.New("test: remote syscall failed")

// This file holds small in-memory fakes of the collaborator interfaces
// (collaborators.go) shared across this package's tests, in place of a
// real AddressSpace/FdTable/TaskGroup/Session implementation.

type fakeAddressSpace struct {
	breakpoints      map[uintptr]bool
	protectCalls     []protectCall
	remapCalls       []remapCall
	unmapCalls       []unmapCall
	adviseCalls      []adviseCall
	mappingsStarting map[uintptr]uintptr
	protNoneRanges   []ProtNoneRange
	syscallbufAddr   uintptr
	syscallbufLen    uintptr
	execCount        uint64
}

type protectCall struct {
	Addr, Length uintptr
	Prot         int32
}
type remapCall struct{ OldAddr, OldLen, NewAddr, NewLen uintptr }
type unmapCall struct{ Addr, Length uintptr }
type adviseCall struct {
	Addr, Length uintptr
	Advice       int32
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{
		breakpoints:      make(map[uintptr]bool),
		mappingsStarting: make(map[uintptr]uintptr),
	}
}

func (a *fakeAddressSpace) BreakpointAt(addr uintptr) bool { return a.breakpoints[addr] }

func (a *fakeAddressSpace) Protect(addr, length uintptr, prot int32) error {
	a.protectCalls = append(a.protectCalls, protectCall{addr, length, prot})
	return nil
}

func (a *fakeAddressSpace) Remap(oldAddr, oldLen, newAddr, newLen uintptr) error {
	a.remapCalls = append(a.remapCalls, remapCall{oldAddr, oldLen, newAddr, newLen})
	return nil
}

func (a *fakeAddressSpace) Unmap(addr, length uintptr) error {
	a.unmapCalls = append(a.unmapCalls, unmapCall{addr, length})
	return nil
}

func (a *fakeAddressSpace) MappingStartingAt(addr uintptr) (uintptr, bool) {
	length, ok := a.mappingsStarting[addr]
	return length, ok
}

func (a *fakeAddressSpace) Advise(addr, length uintptr, advice int32) error {
	a.adviseCalls = append(a.adviseCalls, adviseCall{addr, length, advice})
	return nil
}

func (a *fakeAddressSpace) MappingsContaining(start, end uintptr) []ProtNoneRange {
	var out []ProtNoneRange
	for _, r := range a.protNoneRanges {
		if r.Addr >= start && r.Addr+r.Length <= end {
			out = append(out, r)
		}
	}
	return out
}

func (a *fakeAddressSpace) RecordSyscallbufMapping(addr, length uintptr) {
	a.syscallbufAddr = addr
	a.syscallbufLen = length
}

func (a *fakeAddressSpace) ExecCount() uint64 { return a.execCount }

type fakeFdTable struct {
	dups   []dupCall
	closed []int32
	writes map[int32][]ByteRange
	cloned int
}
type dupCall struct{ Src, Dst int32 }

func newFakeFdTable() *fakeFdTable {
	return &fakeFdTable{writes: make(map[int32][]ByteRange)}
}

func (f *fakeFdTable) DidDup(src, dst int32) { f.dups = append(f.dups, dupCall{src, dst}) }
func (f *fakeFdTable) DidClose(fd int32)     { f.closed = append(f.closed, fd) }
func (f *fakeFdTable) Clone() FdTable {
	f.cloned++
	return newFakeFdTable()
}
func (f *fakeFdTable) NotifyWrite(fd int32, ranges []ByteRange) {
	f.writes[fd] = append(f.writes[fd], ranges...)
}

type fakeTaskGroup struct {
	tgid, realTgid int32
	members        int
}

func (g *fakeTaskGroup) Tgid() int32      { return g.tgid }
func (g *fakeTaskGroup) RealTgid() int32  { return g.realTgid }
func (g *fakeTaskGroup) MemberCount() int { return g.members }

type fakeSession struct {
	recording bool
	traceTime uint32
}

func (s *fakeSession) IsRecording() bool { return s.recording }
func (s *fakeSession) TraceTime() uint32 { return s.traceTime }

type fakePerfCounters struct {
	resetPeriods []uint64
	stopCount    uint64
	stopErr      error
}

func (p *fakePerfCounters) Reset(period uint64) error {
	p.resetPeriods = append(p.resetPeriods, period)
	return nil
}

func (p *fakePerfCounters) Stop() (uint64, error) { return p.stopCount, p.stopErr }

type fakeAutoRemoteSyscalls struct {
	calls []remoteSyscallCall
	rvals map[int64]uintptr
	err   error
}
type remoteSyscallCall struct {
	No   int64
	Args [6]uintptr
}

func (r *fakeAutoRemoteSyscalls) Syscall(no int64, args [6]uintptr) (uintptr, error) {
	r.calls = append(r.calls, remoteSyscallCall{no, args})
	if r.err != nil {
		return 0, r.err
	}
	return r.rvals[no], nil
}

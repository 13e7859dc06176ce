//go:build linux && amd64

package task

import (
	"strings"
	"testing"
)

func TestUpsertThreadAreaInsertsInOrder(t *testing.T) {
	task := &Task{}
	task.upsertThreadArea(ThreadArea{EntryNumber: 1})
	task.upsertThreadArea(ThreadArea{EntryNumber: 2})
	areas := task.ThreadAreas()
	if len(areas) != 2 || areas[0].EntryNumber != 1 || areas[1].EntryNumber != 2 {
		t.Errorf("ThreadAreas() = %+v, want insertion order [1 2]", areas)
	}
}

func TestUpsertThreadAreaLastWriteWins(t *testing.T) {
	task := &Task{}
	task.upsertThreadArea(ThreadArea{EntryNumber: 1, Desc: UserDesc{BaseAddr: 0x1000}})
	task.upsertThreadArea(ThreadArea{EntryNumber: 2})
	task.upsertThreadArea(ThreadArea{EntryNumber: 1, Desc: UserDesc{BaseAddr: 0x2000}})

	areas := task.ThreadAreas()
	if len(areas) != 2 {
		t.Fatalf("ThreadAreas() len = %d, want 2 (overwrite, not append)", len(areas))
	}
	if areas[0].EntryNumber != 1 || areas[0].Desc.BaseAddr != 0x2000 {
		t.Errorf("entry 1 not overwritten in place: %+v", areas[0])
	}
}

func TestThreadAreasReturnsACopy(t *testing.T) {
	task := &Task{}
	task.upsertThreadArea(ThreadArea{EntryNumber: 1})
	areas := task.ThreadAreas()
	areas[0].EntryNumber = 99
	if task.threadAreas[0].EntryNumber == 99 {
		t.Errorf("ThreadAreas() leaked internal slice storage")
	}
}

func TestTaskStringUnstoppedShowsUnknownIP(t *testing.T) {
	task := &Task{Tid: 5, RecTid: 5, Serial: 1, arch: X64}
	s := task.String()
	if !strings.Contains(s, "ip=?") {
		t.Errorf("String() = %q, want it to report ip=? while not stopped", s)
	}
}

func TestTaskStringStoppedShowsIP(t *testing.T) {
	task := &Task{Tid: 5, arch: X64, isStopped: true}
	task.registers = Registers{Arch: X64}
	task.registers.SetIP(0xdead)
	s := task.String()
	if !strings.Contains(s, "ip=0xdead") {
		t.Errorf("String() = %q, want it to include ip=0xdead", s)
	}
}

func TestTraceTimeWithNoSession(t *testing.T) {
	task := &Task{}
	if got := task.TraceTime(); got != 0 {
		t.Errorf("TraceTime() with nil Session = %d, want 0", got)
	}
}

func TestTraceTimeForwardsToSession(t *testing.T) {
	task := &Task{Session: &fakeSession{traceTime: 42}}
	if got := task.TraceTime(); got != 42 {
		t.Errorf("TraceTime() = %d, want 42", got)
	}
}

func TestFlushInconsistentStateZeroesTicks(t *testing.T) {
	task := &Task{ticks: 500}
	task.FlushInconsistentState()
	if task.Ticks() != 0 {
		t.Errorf("Ticks() after FlushInconsistentState = %d, want 0", task.Ticks())
	}
}

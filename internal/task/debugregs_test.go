//go:build linux && amd64

package task

import "testing"

func TestDr7LenBits(t *testing.T) {
	cases := []struct {
		n       int
		want    uint64
		wantErr bool
	}{
		{1, 0b00, false},
		{2, 0b01, false},
		{8, 0b10, false},
		{4, 0b11, false},
		{3, 0, true},
	}
	for _, c := range cases {
		got, err := dr7LenBits(c.n)
		if c.wantErr {
			if err == nil {
				t.Errorf("dr7LenBits(%d) did not error", c.n)
			}
			continue
		}
		if err != nil {
			t.Errorf("dr7LenBits(%d) = %v", c.n, err)
		}
		if got != c.want {
			t.Errorf("dr7LenBits(%d) = %b, want %b", c.n, got, c.want)
		}
	}
}

func TestDr7TypeBits(t *testing.T) {
	cases := []struct {
		typ     WatchpointType
		want    uint64
		wantErr bool
	}{
		{WatchExec, 0b00, false},
		{WatchWrite, 0b01, false},
		{WatchReadWrite, 0b11, false},
		{WatchpointType(99), 0, true},
	}
	for _, c := range cases {
		got, err := dr7TypeBits(c.typ)
		if c.wantErr {
			if err == nil {
				t.Errorf("dr7TypeBits(%d) did not error", c.typ)
			}
			continue
		}
		if err != nil {
			t.Errorf("dr7TypeBits(%d) = %v", c.typ, err)
		}
		if got != c.want {
			t.Errorf("dr7TypeBits(%d) = %b, want %b", c.typ, got, c.want)
		}
	}
}

func TestDebugRegOffset(t *testing.T) {
	if got := debugRegOffset(0); got != debugRegOffsetBase {
		t.Errorf("debugRegOffset(0) = %d, want %d", got, debugRegOffsetBase)
	}
	if got := debugRegOffset(7); got != debugRegOffsetBase+56 {
		t.Errorf("debugRegOffset(7) = %d, want %d", got, debugRegOffsetBase+56)
	}
}

func TestComputeTrapReasonsSingleStep(t *testing.T) {
	task := &Task{arch: X64}
	const dr6SingleStep = 1 << 14
	r := task.ComputeTrapReasons(dr6SingleStep, SigInfo{})
	if !r.SingleStep {
		t.Errorf("SingleStep bit not decoded")
	}
	if r.Watchpoint {
		t.Errorf("unexpected Watchpoint with no watchpoint bits set")
	}
	if r.Breakpoint {
		t.Errorf("singlestep stop should not report Breakpoint")
	}
}

func TestComputeTrapReasonsWatchpoint(t *testing.T) {
	task := &Task{arch: X64}
	const dr6B1 = 1 << 1
	r := task.ComputeTrapReasons(dr6B1, SigInfo{})
	if !r.Watchpoint {
		t.Errorf("Watchpoint bit not decoded")
	}
	if r.SingleStep || r.Breakpoint {
		t.Errorf("unexpected reasons: %+v", r)
	}
}

func TestComputeTrapReasonsBreakpointCrossChecked(t *testing.T) {
	as := newFakeAddressSpace()
	task := &Task{arch: X64, AddressSpace: as}
	task.registers = Registers{Arch: X64}
	task.registers.SetIP(0x5000)

	const siKernel = 0x80
	// No breakpoint installed at IP-1: the claim should be rejected.
	r := task.ComputeTrapReasons(0, SigInfo{Code: siKernel})
	if r.Breakpoint {
		t.Errorf("Breakpoint reported with no matching AddressSpace entry")
	}

	as.breakpoints[0x5000-BreakpointInsnLength] = true
	r = task.ComputeTrapReasons(0, SigInfo{Code: siKernel})
	if !r.Breakpoint {
		t.Errorf("Breakpoint not reported despite matching AddressSpace entry")
	}
}

func TestComputeTrapReasonsNoBitsNoSiginfoMatch(t *testing.T) {
	task := &Task{arch: X64}
	task.registers = Registers{Arch: X64}
	r := task.ComputeTrapReasons(0, SigInfo{Code: 0})
	if r.SingleStep || r.Watchpoint || r.Breakpoint {
		t.Errorf("unexpected reasons from empty dr6/siginfo: %+v", r)
	}
}

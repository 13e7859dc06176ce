//go:build linux && amd64

package task

import "fmt"

// Debug register user-area offsets: PTRACE_PEEKUSER/POKEUSER address
// debug registers via the offset of u_debugreg[n] inside struct user,
// which on x86-64 begins at 848 with 8-byte slots.
const debugRegOffsetBase = 848

func debugRegOffset(n int) uintptr {
	return uintptr(debugRegOffsetBase + 8*n)
}

// WatchpointType is the access type a hardware watchpoint traps on.
type WatchpointType int

const (
	WatchExec WatchpointType = iota
	WatchWrite
	WatchReadWrite
)

// Watchpoint describes one DR0–DR3 programming request.
type Watchpoint struct {
	Addr     uintptr
	NumBytes int // one of 1, 2, 4, 8
	Type     WatchpointType
}

// dr7LenBits/dr7TypeBits pack a Watchpoint's length and type into the
// corresponding DR7 nibble, per the x86 debug register ABI.
func dr7LenBits(numBytes int) (uint64, error) {
	switch numBytes {
	case 1:
		return 0b00, nil
	case 2:
		return 0b01, nil
	case 8:
		return 0b10, nil
	case 4:
		return 0b11, nil
	default:
		return 0, fmt.Errorf("debugregs: invalid watchpoint length %d", numBytes)
	}
}

func dr7TypeBits(t WatchpointType) (uint64, error) {
	switch t {
	case WatchExec:
		return 0b00, nil
	case WatchWrite:
		return 0b01, nil
	case WatchReadWrite:
		return 0b11, nil
	default:
		return 0, fmt.Errorf("debugregs: invalid watchpoint type %d", t)
	}
}

// SetDebugRegs programs up to four x86 hardware watchpoints atomically
// (spec.md §4.4): on any failure, all four slots are left disabled.
//
// DR6 and DR7 are always zeroed first so that partially-applied state is
// never observable (invariant 7). Each address is then POKEUSER'd into
// DR0..DR3; on the first failure we return without writing DR7 at all,
// leaving every watchpoint disabled.
func (t *Task) SetDebugRegs(wps []Watchpoint) error {
	if len(wps) > 4 {
		return fmt.Errorf("debugregs: at most 4 watchpoints supported, got %d", len(wps))
	}
	if err := ptracePokeUser(t.Tid, debugRegOffset(6), 0); err != nil {
		return fmt.Errorf("debugregs: clear DR6: %w", err)
	}
	if err := ptracePokeUser(t.Tid, debugRegOffset(7), 0); err != nil {
		return fmt.Errorf("debugregs: clear DR7: %w", err)
	}

	for i, wp := range wps {
		if err := ptracePokeUser(t.Tid, debugRegOffset(i), uintptr(wp.Addr)); err != nil {
			// DR7 is left at 0: no watchpoint slot is enabled.
			return fmt.Errorf("debugregs: POKEUSER DR%d: %w", i, err)
		}
	}

	var dr7 uint64
	for i, wp := range wps {
		lenBits, err := dr7LenBits(wp.NumBytes)
		if err != nil {
			return err
		}
		typeBits, err := dr7TypeBits(wp.Type)
		if err != nil {
			return err
		}
		// Local-enable bit for slot i.
		dr7 |= 1 << uint(2*i)
		// Type/len nibble for slot i starts at bit 16 + 4*i: low 2 bits
		// type, high 2 bits len.
		dr7 |= (typeBits | (lenBits << 2)) << uint(16+4*i)
	}

	if err := ptracePokeUser(t.Tid, debugRegOffset(7), uintptr(dr7)); err != nil {
		return fmt.Errorf("debugregs: POKEUSER DR7: %w", err)
	}
	return nil
}

// DebugReg reads back DR0–DR7 via PTRACE_PEEKUSER (Task.cc:858
// get_debug_reg, SPEC_FULL.md §4.4 supplement).
func (t *Task) DebugReg(n int) (uint64, error) {
	if n < 0 || n > 7 {
		return 0, fmt.Errorf("debugregs: invalid register number %d", n)
	}
	word, err := ptracePeekUser(t.Tid, debugRegOffset(n))
	if err != nil {
		return 0, fmt.Errorf("debugregs: PEEKUSER DR%d: %w", n, err)
	}
	return uint64(word), nil
}

// TrapReasons decodes why a SIGTRAP stop occurred, from DR6 and
// optionally siginfo (spec.md §4.4 compute_trap_reasons).
type TrapReasons struct {
	SingleStep bool
	Watchpoint bool
	Breakpoint bool
}

// ComputeTrapReasons decodes dr6 after a SIGTRAP into {singlestep,
// watchpoint, breakpoint} with the precedence spec.md §4.4 specifies: a
// singlestep bit rules out relying on siginfo; a watchpoint bit without
// singlestep is authoritative; otherwise the breakpoint decision falls
// back to siginfo codes. The breakpoint claim is always cross-checked
// against AddressSpace's breakpoint table at IP - BreakpointInsnLength.
func (t *Task) ComputeTrapReasons(dr6 uint64, si SigInfo) TrapReasons {
	const (
		dr6B0       = 1 << 0
		dr6B1       = 1 << 1
		dr6B2       = 1 << 2
		dr6B3       = 1 << 3
		dr6SingleStep = 1 << 14
	)

	var r TrapReasons
	r.SingleStep = dr6&dr6SingleStep != 0
	watchpointBit := dr6&(dr6B0|dr6B1|dr6B2|dr6B3) != 0

	if r.SingleStep {
		// Singlestep rules out relying on siginfo; watchpoint still
		// reported if its bit is independently set.
		r.Watchpoint = watchpointBit
	} else if watchpointBit {
		r.Watchpoint = true
	} else {
		const siKernel = 0x80
		const trapBrkpt = 1
		r.Breakpoint = si.Code == siKernel || si.Code == trapBrkpt
	}

	if r.Breakpoint && t.AddressSpace != nil {
		ip := t.registers.IP()
		if !t.AddressSpace.BreakpointAt(ip - BreakpointInsnLength) {
			r.Breakpoint = false
		}
	}
	return r
}

//go:build linux && amd64

package task

import (
	"fmt"
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
)

// This file installs the seccomp-bpf filter Lifecycle.Spawn's child runs
// just before its execve (spec.md §4.8/§6): allow the three rr-page
// callsite IPs, SECCOMP_RET_TRACE everything else. Grounded on
// Zqzqsb-Sandbox/pkg/seccomp/libseccomp/builder_linux.go's
// Policy.Assemble()-then-bpf.Assemble()-then-SockFilter pipeline,
// generalized from a syscall-name allowlist to an instruction-pointer
// allowlist: this filter's allow/trace decision depends on where the
// syscall instruction lives, not which syscall it is (spec.md §6: "allow
// IPs {...}, trace everything else"), so the per-syscall-name Policy
// abstraction doesn't apply here and the BPF program is built directly
// with golang.org/x/net/bpf, reusing go-seccomp-bpf's Action constants so
// the numeric SECCOMP_RET_* values aren't hand-duplicated.

// seccompDataIPOffset is offsetof(struct seccomp_data, instruction_pointer)
// on the Linux ABI: 2 x uint32 arch/nr fields precede it, so it starts at
// byte 8 (see linux/seccomp.h). Only the low 32 bits are compared since
// the rr-page callsites all live in 32-bit-addressable low memory.
const seccompDataIPOffset = 8

// buildIPAllowlistFilter assembles a BPF program that returns
// SECCOMP_RET_ALLOW for a syscall issued from one of ips and
// SECCOMP_RET_TRACE for every other syscall.
//
// Layout: load the low word of the instruction pointer once, then one
// compare-and-branch block per candidate IP, built back-to-front so each
// compare's "no match" skip distance is known before it's constructed:
//
//	load  seccomp_data.instruction_pointer (low 32 bits)
//	jeq   ips[0] -> ret ALLOW, else fall through
//	jeq   ips[1] -> ret ALLOW, else fall through
//	...
//	ret   TRACE
func buildIPAllowlistFilter(ips []uintptr) ([]syscall.SockFilter, error) {
	tail := []bpf.Instruction{
		bpf.RetConstant{Val: uint32(libseccomp.ActionTrace)},
	}
	for i := len(ips) - 1; i >= 0; i-- {
		block := []bpf.Instruction{
			// On match, fall through to the very next instruction (ret
			// ALLOW); on mismatch, skip over it to the next compare.
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(ips[i]), SkipTrue: 0, SkipFalse: 1},
			bpf.RetConstant{Val: uint32(libseccomp.ActionAllow)},
		}
		tail = append(block, tail...)
	}
	insns := append([]bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompDataIPOffset, Size: 4},
	}, tail...)

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("assemble bpf: %w", err)
	}
	out := make([]syscall.SockFilter, 0, len(raw))
	for _, ins := range raw {
		out = append(out, syscall.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K})
	}
	return out, nil
}

// The prctl(PR_SET_SECCOMP, SECCOMP_MODE_FILTER, &prog) call that installs
// this filter happens in the fresh fork child (lifecycle_linux.go's
// runChildSetup) as a direct RawSyscall against a SockFprog built from
// this filter before the fork, not from a helper in this file — that
// child path must never call back into ordinary Go code (spec.md §4.8).

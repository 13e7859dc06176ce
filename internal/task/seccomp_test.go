//go:build linux && amd64

package task

import (
	"testing"

	libseccomp "github.com/elastic/go-seccomp-bpf"
)

func TestBuildIPAllowlistFilterShape(t *testing.T) {
	ips := []uintptr{0x7000, 0x8000, 0x9000}
	filter, err := buildIPAllowlistFilter(ips)
	if err != nil {
		t.Fatalf("buildIPAllowlistFilter: %v", err)
	}

	// 1 load + one (jeq, ret-allow) pair per IP + 1 trailing ret-trace.
	wantLen := 1 + 2*len(ips) + 1
	if len(filter) != wantLen {
		t.Fatalf("filter has %d instructions, want %d", len(filter), wantLen)
	}

	// The final instruction is the unconditional SECCOMP_RET_TRACE.
	last := filter[len(filter)-1]
	if last.K != uint32(libseccomp.ActionTrace) {
		t.Errorf("final instruction K = %#x, want ActionTrace %#x", last.K, uint32(libseccomp.ActionTrace))
	}

	// Every (jeq, ret) pair's ret instruction returns SECCOMP_RET_ALLOW.
	for i := range ips {
		retInsn := filter[1+2*i+1]
		if retInsn.K != uint32(libseccomp.ActionAllow) {
			t.Errorf("block %d ret K = %#x, want ActionAllow", i, retInsn.K)
		}
	}
}

func TestBuildIPAllowlistFilterNoIPsStillTraces(t *testing.T) {
	filter, err := buildIPAllowlistFilter(nil)
	if err != nil {
		t.Fatalf("buildIPAllowlistFilter(nil): %v", err)
	}
	if len(filter) != 2 {
		t.Fatalf("filter has %d instructions, want 2 (load + trace)", len(filter))
	}
	if filter[1].K != uint32(libseccomp.ActionTrace) {
		t.Errorf("sole return instruction should be ActionTrace")
	}
}

func TestBuildIPAllowlistFilterMatchesEachIP(t *testing.T) {
	ips := []uintptr{0x1234, 0x5678}
	filter, err := buildIPAllowlistFilter(ips)
	if err != nil {
		t.Fatalf("buildIPAllowlistFilter: %v", err)
	}
	for i, ip := range ips {
		jeq := filter[1+2*i]
		if jeq.K != uint32(ip) {
			t.Errorf("compare %d K = %#x, want %#x", i, jeq.K, uint32(ip))
		}
	}
}

//go:build linux && amd64

package task

import (
	"strings"
	"testing"
)

func TestSyscallbufShmNameFormat(t *testing.T) {
	name, err := syscallbufShmName(1234)
	if err != nil {
		t.Fatalf("syscallbufShmName: %v", err)
	}
	if !strings.HasPrefix(name, SyscallbufShmPrefix+"-1234-") {
		t.Errorf("syscallbufShmName = %q, want prefix %q", name, SyscallbufShmPrefix+"-1234-")
	}
	// prefix-tid-<16 hex chars for an 8-byte nonce>
	parts := strings.Split(name, "-")
	nonce := parts[len(parts)-1]
	if len(nonce) != 16 {
		t.Errorf("nonce length = %d, want 16 hex chars", len(nonce))
	}
}

func TestSyscallbufShmNameUnique(t *testing.T) {
	a, err := syscallbufShmName(1)
	if err != nil {
		t.Fatalf("syscallbufShmName: %v", err)
	}
	b, err := syscallbufShmName(1)
	if err != nil {
		t.Fatalf("syscallbufShmName: %v", err)
	}
	if a == b {
		t.Errorf("two calls with the same tid produced identical names: %q", a)
	}
}

func TestResetSyscallbufZeroesHeaderPrefix(t *testing.T) {
	task := &Task{syscallbufHdr: []byte{1, 2, 3, 4, 5, 6}}
	task.ResetSyscallbuf()
	if task.syscallbufHdr[0] != 0 || task.syscallbufHdr[1] != 0 ||
		task.syscallbufHdr[2] != 0 || task.syscallbufHdr[3] != 0 {
		t.Errorf("header prefix not zeroed: %v", task.syscallbufHdr)
	}
	if task.syscallbufHdr[4] != 5 || task.syscallbufHdr[5] != 6 {
		t.Errorf("bytes beyond num_rec_bytes were unexpectedly touched: %v", task.syscallbufHdr)
	}
}

func TestResetSyscallbufNoHeaderIsNoop(t *testing.T) {
	task := &Task{}
	task.ResetSyscallbuf() // must not panic
}

func TestDestroyLocalBuffersResetsState(t *testing.T) {
	task := &Task{syscallbufChild: 0x7000, numSyscallbufBytes: SyscallbufBufferSize}
	task.destroyLocalBuffers()
	if task.syscallbufChild != 0 || task.numSyscallbufBytes != 0 {
		t.Errorf("destroyLocalBuffers did not reset child/size fields")
	}
}

func TestDestroyBuffersNoopWithoutHeader(t *testing.T) {
	task := &Task{}
	if err := task.DestroyBuffers(nil); err != nil {
		t.Errorf("DestroyBuffers with no header: %v", err)
	}
}

func TestUnshareSyscallbufForChildNoopWithoutChild(t *testing.T) {
	task := &Task{}
	if err := task.unshareSyscallbufForChild(&fakeAutoRemoteSyscalls{}); err != nil {
		t.Errorf("unshareSyscallbufForChild with no syscallbuf child: %v", err)
	}
}

func TestUnshareSyscallbufForChildPropagatesRemoteError(t *testing.T) {
	task := &Task{syscallbufChild: 0x7000, numSyscallbufBytes: SyscallbufBufferSize}
	remote := &fakeAutoRemoteSyscalls{err: errTestRemoteSyscallFailed}
	if err := task.unshareSyscallbufForChild(remote); err == nil {
		t.Errorf("expected an error when the remote mmap injection fails")
	}
	if len(remote.calls) != 1 || remote.calls[0].No != 9 {
		t.Errorf("expected exactly one mmap(9) injection, got %+v", remote.calls)
	}
}

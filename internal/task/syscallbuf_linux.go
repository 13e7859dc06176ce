//go:build linux && amd64

package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/sys/unix"
)

// This file is the SyscallBuffer component (spec.md §4.5): the shared
// memory segment a tracee's preload library writes syscall records into
// without involving the tracer, set up via a scoped remote-syscall
// facility per the openat/unlink/ftruncate/mmap protocol in spec.md.
// Grounded on the memfd/SCM_RIGHTS patterns in
// Zqzqsb-Sandbox/pkg/memfd and pkg/unixsocket, since no example repo
// implements this exact rr-specific handshake.

// SyscallbufSetup holds the tracer- and tracee-side state established by
// InitBuffers.
type SyscallbufSetup struct {
	ChildAddr uintptr
	Size      uintptr
	tracerFd  int32
}

// InitBuffers runs the SyscallBuffer setup protocol (spec.md §4.5):
//  1. generate a unique shm name
//  2. have the tracee openat(2) it with RRReservedRootDirFD as dirfd (the
//     name is an absolute /dev/shm path, so the dirfd is not used)
//  3. unlink it immediately so no stale file survives a crash
//  4. retrieve the fd, ftruncate, and mmap it in the tracer
//  5. have the tracee mmap the same fd at hint (or let the kernel choose)
//  6. zero the header
func (t *Task) InitBuffers(remote AutoRemoteSyscalls, hint uintptr) (*SyscallbufSetup, error) {
	name, err := syscallbufShmName(t.Tid)
	if err != nil {
		return nil, fmt.Errorf("task %d: init_buffers: %w", t.Tid, err)
	}

	tracerFd, err := t.openTraceeShm(remote, name)
	if err != nil {
		return nil, err
	}

	// Step 3: unlink immediately.
	if err := unix.Unlinkat(int(RRReservedRootDirFD), name, 0); err != nil {
		t.logger().Warningf("init_buffers: unlink %q failed: %v", name, err)
	}

	// Step 4: tracer-side ftruncate + mmap.
	if err := unix.Ftruncate(int(tracerFd), int64(SyscallbufBufferSize)); err != nil {
		unix.Close(int(tracerFd))
		return nil, fmt.Errorf("task %d: init_buffers: ftruncate: %w", t.Tid, err)
	}
	tracerMapping, err := unix.Mmap(int(tracerFd), 0, SyscallbufBufferSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(tracerFd))
		return nil, fmt.Errorf("task %d: init_buffers: mmap: %w", t.Tid, err)
	}

	// Step 5: tracee-side mmap at hint, record in shadow AddressSpace,
	// close the tracee's fd copy. The actual remote mmap/close syscalls
	// are injected through the AutoRemoteSyscalls collaborator, whose
	// algorithm is out of scope; we only sequence the calls here.
	flags := unix.MAP_SHARED
	if hint != 0 {
		flags |= unix.MAP_FIXED
	}
	childAddr, err := t.remoteMmap(remote, hint, SyscallbufBufferSize, tracerFd, flags)
	if err != nil {
		unix.Munmap(tracerMapping)
		unix.Close(int(tracerFd))
		return nil, err
	}

	// Step 6: zero the header (first 32 bytes cover num_rec_bytes,
	// locked, and the rest of the small fixed header this module cares
	// about).
	for i := range tracerMapping[:32] {
		tracerMapping[i] = 0
	}

	t.syscallbufChild = childAddr
	t.syscallbufHdr = tracerMapping
	t.numSyscallbufBytes = SyscallbufBufferSize
	if t.AddressSpace != nil {
		t.AddressSpace.RecordSyscallbufMapping(childAddr, SyscallbufBufferSize)
	}

	return &SyscallbufSetup{ChildAddr: childAddr, Size: SyscallbufBufferSize, tracerFd: tracerFd}, nil
}

// openTraceeShm has the tracee openat(2) the shm segment (step 2) and
// retrieves the resulting fd into the tracer's own address space. Having
// the tracee create the file avoids ever making it world-writable.
func (t *Task) openTraceeShm(remote AutoRemoteSyscalls, name string) (int32, error) {
	// The actual argument marshaling (writing `name` into tracee memory,
	// invoking openat, and pulling the fd back over SCM_RIGHTS) is the
	// AutoRemoteSyscalls collaborator's job; Task only sequences it.
	const openatSyscallNo = 257 // x86-64 openat
	nameAddr, err := t.WriteScratchString(remote, name)
	if err != nil {
		return -1, fmt.Errorf("task %d: init_buffers: write name: %w", t.Tid, err)
	}
	flags := unix.O_CREAT | unix.O_EXCL | unix.O_RDWR | unix.O_CLOEXEC
	rval, err := remote.Syscall(openatSyscallNo, [6]uintptr{
		RRReservedRootDirFD, nameAddr, uintptr(flags), 0600,
	})
	if err != nil {
		return -1, fmt.Errorf("task %d: init_buffers: remote openat: %w", t.Tid, err)
	}
	// The fd handed back by AutoRemoteSyscalls is already duplicated
	// into the tracer's own descriptor table via SCM_RIGHTS.
	return int32(rval), nil
}

// remoteMmap injects an mmap into the tracee for the syscall-buffer file.
func (t *Task) remoteMmap(remote AutoRemoteSyscalls, hint uintptr, length uintptr, fd int32, flags int) (uintptr, error) {
	const mmapSyscallNo = 9 // x86-64 mmap
	rval, err := remote.Syscall(mmapSyscallNo, [6]uintptr{
		hint, length, unix.PROT_READ | unix.PROT_WRITE, uintptr(flags), uintptr(fd), 0,
	})
	if err != nil {
		return 0, fmt.Errorf("task %d: init_buffers: remote mmap: %w", t.Tid, err)
	}
	return rval, nil
}

// DestroyBuffers tears down the syscall buffer: munmap on the tracer
// side, an injected munmap on the tracee side, then (recording only)
// closing desched_fd_child in the tracee (spec.md §4.5 teardown).
func (t *Task) DestroyBuffers(remote AutoRemoteSyscalls) error {
	if t.syscallbufHdr == nil {
		return nil
	}
	const munmapSyscallNo = 11 // x86-64 munmap
	if remote != nil {
		if _, err := remote.Syscall(munmapSyscallNo, [6]uintptr{t.syscallbufChild, t.numSyscallbufBytes, 0, 0, 0, 0}); err != nil {
			t.logger().Warningf("destroy_buffers: remote munmap failed: %v", err)
		}
		if t.deschedFdChild != 0 && t.Session != nil && t.Session.IsRecording() {
			const closeSyscallNo = 3
			if _, err := remote.Syscall(closeSyscallNo, [6]uintptr{uintptr(t.deschedFdChild), 0, 0, 0, 0, 0}); err != nil {
				t.logger().Warningf("destroy_buffers: closing desched fd failed: %v", err)
			}
		}
	}
	if err := unix.Munmap(t.syscallbufHdr); err != nil {
		t.logger().Warningf("destroy_buffers: local munmap failed: %v", err)
	}
	t.syscallbufHdr = nil
	t.syscallbufChild = 0
	t.numSyscallbufBytes = 0
	return nil
}

// destroyLocalBuffers is the tracer-side-only unmap used when the task is
// known-dead and the tracee-side munmap can no longer be injected
// (Task.cc:1631, SPEC_FULL.md §4.5 supplement).
func (t *Task) destroyLocalBuffers() {
	if t.syscallbufHdr != nil {
		unix.Munmap(t.syscallbufHdr)
		t.syscallbufHdr = nil
	}
	t.syscallbufChild = 0
	t.numSyscallbufBytes = 0
}

// ResetSyscallbuf zeroes the header's record count after the recorder
// has drained it for this event (Task.cc:1730, SPEC_FULL.md §4.5
// supplement). Offset 0 holds num_rec_bytes in the header layout this
// module uses.
func (t *Task) ResetSyscallbuf() {
	if len(t.syscallbufHdr) >= 4 {
		t.syscallbufHdr[0] = 0
		t.syscallbufHdr[1] = 0
		t.syscallbufHdr[2] = 0
		t.syscallbufHdr[3] = 0
	}
}

// syscallbufHeaderLockedOffset is the byte offset of the header's
// "locked" field, forced to 1 after a non-CLONE_VM fork so the child's
// preload library re-initializes before using the buffer (spec.md §4.5
// "Fork semantics").
const syscallbufHeaderLockedOffset = 4

// unshareSyscallbufForChild implements the fork-semantics workaround in
// spec.md §4.5: a child cloned without CLONE_VM inherits the parent's
// syscall-buffer mapping via CoW, which is wrong (they must not share).
// The tracer re-mmaps the child's range as MAP_PRIVATE|MAP_ANONYMOUS,
// erasing contents, and sets the header's locked field to 1.
func (t *Task) unshareSyscallbufForChild(remote AutoRemoteSyscalls) error {
	if t.syscallbufChild == 0 {
		return nil
	}
	const mmapSyscallNo = 9
	_, err := remote.Syscall(mmapSyscallNo, [6]uintptr{
		t.syscallbufChild, t.numSyscallbufBytes,
		unix.PROT_READ | unix.PROT_WRITE,
		unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED,
		^uintptr(0), 0,
	})
	if err != nil {
		return fmt.Errorf("task %d: unshare syscallbuf: remote mmap: %w", t.Tid, err)
	}
	if err := t.WriteBytesHelper(t.syscallbufChild+syscallbufHeaderLockedOffset, []byte{1}); err != nil {
		return fmt.Errorf("task %d: unshare syscallbuf: set locked: %w", t.Tid, err)
	}
	return nil
}

// syscallbufShmName generates "<prefix>-<tid>-<nonce>" (spec.md §4.5
// step 1).
func syscallbufShmName(tid int32) (string, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return fmt.Sprintf("%s-%d-%s", SyscallbufShmPrefix, tid, hex.EncodeToString(nonce[:])), nil
}

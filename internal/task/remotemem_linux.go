//go:build linux && amd64

package task

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// wordSize is the machine word PTRACE_PEEKDATA/POKEDATA transfer at a
// time, i.e. sizeof(uintptr) on the tracer's own architecture.
const wordSize = int(unsafe.Sizeof(uintptr(0)))

func appendWord(dst []byte, word uintptr, size int) []byte {
	return append(dst, wordBytes(word, size)...)
}

// wordBytes little-endian encodes word into a size-byte slice. size is
// always wordSize (8 on the amd64 target this module builds for).
func wordBytes(word uintptr, size int) []byte {
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], uint64(word))
	return full[8-size:]
}

func wordFromBytes(b []byte) uintptr {
	var full [8]byte
	copy(full[:], b)
	return uintptr(binary.LittleEndian.Uint64(full[:]))
}

// This file is the RemoteMemory component (spec.md §4.6): reading and
// writing a tracee's address space via /proc/<tid>/mem, falling back to
// PTRACE_PEEKDATA/POKEDATA when the mem fd path can't serve a request
// (PROT_NONE pages, executable pages under PaX/SELinux, or the fd not
// being open yet). Grounded on Task.cc:1443 (read_bytes_fallible) and
// Task.cc:1550 (write_bytes_helper), with the reopen-on-zero-byte-read
// workaround recorded under "Open Question decisions" in DESIGN.md.

// openMemFd opens (or reopens) /proc/<tid>/mem for read/write.
func (t *Task) openMemFd() error {
	if t.memFd > 0 {
		unix.Close(int(t.memFd))
	}
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", t.Tid), unix.O_RDWR, 0)
	if err != nil {
		t.memFd = -1
		return fmt.Errorf("task %d: open /proc/%d/mem: %w", t.Tid, t.Tid, err)
	}
	t.memFd = int32(fd)
	return nil
}

// ReadBytes reads len(buf) bytes from the tracee's address space starting
// at addr, preferring the mem-fd path and falling back to word-at-a-time
// PTRACE_PEEKDATA when the mem fd can't serve the read.
func (t *Task) ReadBytes(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if t.memFd <= 0 {
		if err := t.openMemFd(); err != nil {
			return t.readBytesViaPtrace(addr, buf)
		}
	}

	n, err := unix.Pread(int(t.memFd), buf, int64(addr))
	if err == nil && n == len(buf) {
		return nil
	}
	if err == nil && n == 0 && !t.memFdReopenedOnce {
		// Open Question (DESIGN.md): a stale mem fd (the tracee execve'd since it
		// was opened) can return a zero-byte read with errno 0 instead of
		// an error. Reopen exactly once and retry before falling back.
		t.memFdReopenedOnce = true
		if rerr := t.openMemFd(); rerr == nil {
			n2, err2 := unix.Pread(int(t.memFd), buf, int64(addr))
			if err2 == nil && n2 == len(buf) {
				return nil
			}
		}
	}
	if err == nil && n > 0 && n < len(buf) {
		// Partial read across an unmapped boundary; fall back to ptrace
		// for the remainder rather than fail the whole request.
		rest := buf[n:]
		return t.readBytesViaPtrace(addr+uintptr(n), rest)
	}
	return t.readBytesViaPtrace(addr, buf)
}

// readBytesViaPtrace reads via PTRACE_PEEKDATA, one machine word at a
// time, handling addr/len that aren't word-aligned by reading the
// straddling words and slicing.
func (t *Task) readBytesViaPtrace(addr uintptr, buf []byte) error {
	start := addr &^ uintptr(wordSize-1)
	end := (addr + uintptr(len(buf)) + uintptr(wordSize-1)) &^ uintptr(wordSize-1)
	tmp := make([]byte, 0, end-start)
	for a := start; a < end; a += uintptr(wordSize) {
		word, err := ptracePeekData(t.Tid, a)
		if err != nil {
			return fmt.Errorf("task %d: read_bytes_fallible: PEEKDATA at %#x: %w", t.Tid, a, err)
		}
		tmp = appendWord(tmp, word, wordSize)
	}
	off := addr - start
	copy(buf, tmp[off:off+uintptr(len(buf))])
	return nil
}

// pageFloor and pageCeil round addr (and addr+size) down/up to the page
// boundary, used to scope the PROT_NONE mapping scan in WriteBytesHelper
// to the same range safe_pwrite64 walks (Task.cc:1908).
func pageFloor(addr uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return addr &^ (pageSize - 1)
}

func pageCeil(addr uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

// WriteBytesHelper writes data into the tracee's address space, matching
// Task.cc's safe_pwrite64/write_bytes_helper: before ever attempting the
// mem-fd pwrite, every mapping fully contained in the page-rounded target
// range that lacks both PROT_READ and PROT_WRITE is mprotect'd writable,
// the write is issued once, and every mapping touched is restored to its
// original protection — unconditionally, not just when the plain write
// fails, since a PROT_NONE pwrite can also manifest as a short or
// zero-length write with no distinguishing errno (kernel bug 99101)
// rather than a reliable EFAULT.
func (t *Task) WriteBytesHelper(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.memFd <= 0 {
		if err := t.openMemFd(); err != nil {
			return t.writeBytesViaPtrace(addr, data)
		}
	}

	var toFix []ProtNoneRange
	if t.AddressSpace != nil {
		toFix = t.AddressSpace.MappingsContaining(pageFloor(addr), pageCeil(addr+uintptr(len(data))))
	}
	for _, rng := range toFix {
		if err := t.AddressSpace.Protect(rng.Addr, rng.Length, rng.OrigProt|unix.PROT_WRITE); err != nil {
			return t.writeBytesViaPtrace(addr, data)
		}
	}

	n, err := unix.Pwrite(int(t.memFd), data, int64(addr))

	for _, rng := range toFix {
		t.AddressSpace.Protect(rng.Addr, rng.Length, rng.OrigProt)
	}

	if err == nil && n == len(data) {
		return nil
	}
	return t.writeBytesViaPtrace(addr, data)
}

// writeBytesViaPtrace performs a read-modify-write over whole words via
// PTRACE_PEEKDATA/POKEDATA for ranges the mem-fd path can't serve
// (executable pages under PaX/SELinux land here too, though the full
// executable-page-replacement workaround is ReplaceExecutablePage below).
func (t *Task) writeBytesViaPtrace(addr uintptr, data []byte) error {
	start := addr &^ uintptr(wordSize-1)
	end := (addr + uintptr(len(data)) + uintptr(wordSize-1)) &^ uintptr(wordSize-1)
	for a := start; a < end; a += uintptr(wordSize) {
		word, err := ptracePeekData(t.Tid, a)
		if err != nil {
			return fmt.Errorf("task %d: write_bytes_helper: PEEKDATA at %#x: %w", t.Tid, a, err)
		}
		wbuf := wordBytes(word, wordSize)
		for i := 0; i < wordSize; i++ {
			bAddr := a + uintptr(i)
			if bAddr < addr || bAddr >= addr+uintptr(len(data)) {
				continue
			}
			wbuf[i] = data[bAddr-addr]
		}
		if err := ptracePokeData(t.Tid, a, wordFromBytes(wbuf)); err != nil {
			return fmt.Errorf("task %d: write_bytes_helper: POKEDATA at %#x: %w", t.Tid, a, err)
		}
	}
	return nil
}

// ReplaceExecutablePage overwrites an executable page the direct
// mem-fd/ptrace paths can't write to (kernels hardened with PaX/SELinux
// reject writes to executable mappings even via /proc/pid/mem). The
// workaround: build the desired page contents in a temp file, then have
// the tracee mmap(MAP_FIXED) that file over the target range, replacing
// the mapping outright instead of writing into it (spec.md §4.6, "PaX/
// SELinux workaround").
func (t *Task) ReplaceExecutablePage(remote AutoRemoteSyscalls, pageAddr uintptr, pageSize uintptr, contents []byte) error {
	if uintptr(len(contents)) != pageSize {
		return fmt.Errorf("task %d: replace_executable_page: contents must be exactly one page (%d != %d)", t.Tid, len(contents), pageSize)
	}
	f, err := os.CreateTemp("", "rr-execpage-*")
	if err != nil {
		return fmt.Errorf("task %d: replace_executable_page: tempfile: %w", t.Tid, err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if _, err := f.Write(contents); err != nil {
		return fmt.Errorf("task %d: replace_executable_page: write tempfile: %w", t.Tid, err)
	}

	name, err := t.WriteScratchString(remote, f.Name())
	if err != nil {
		return err
	}
	const openSyscallNo = 2 // x86-64 open
	rval, err := remote.Syscall(openSyscallNo, [6]uintptr{name, uintptr(unix.O_RDONLY), 0, 0, 0, 0})
	if err != nil {
		return fmt.Errorf("task %d: replace_executable_page: remote open: %w", t.Tid, err)
	}
	remoteFd := int32(rval)

	const mmapSyscallNo = 9
	_, err = remote.Syscall(mmapSyscallNo, [6]uintptr{
		pageAddr, pageSize, unix.PROT_READ | unix.PROT_EXEC,
		unix.MAP_PRIVATE | unix.MAP_FIXED, uintptr(remoteFd), 0,
	})
	if err != nil {
		return fmt.Errorf("task %d: replace_executable_page: remote mmap: %w", t.Tid, err)
	}
	const closeSyscallNo = 3
	remote.Syscall(closeSyscallNo, [6]uintptr{uintptr(remoteFd), 0, 0, 0, 0, 0})
	return nil
}

// WriteScratchString writes s (NUL-terminated) into this Task's private
// scratch page and returns its address, for building syscall arguments
// that must live in tracee memory (Task.cc's AutoRemoteSyscalls scratch
// allocator, SPEC_FULL.md §4.6/§4.5 supplement).
func (t *Task) WriteScratchString(remote AutoRemoteSyscalls, s string) (uintptr, error) {
	if t.scratchPtr == 0 {
		return 0, fmt.Errorf("task %d: write_scratch_string: no scratch page reserved", t.Tid)
	}
	buf := append([]byte(s), 0)
	if uintptr(len(buf)) > t.scratchSize {
		return 0, fmt.Errorf("task %d: write_scratch_string: %q exceeds scratch size %d", t.Tid, s, t.scratchSize)
	}
	if err := t.WriteBytesHelper(t.scratchPtr, buf); err != nil {
		return 0, err
	}
	return t.scratchPtr, nil
}

// ReadCString reads a NUL-terminated string starting at addr, growing its
// read window geometrically until the terminator is found (Task.cc:1443
// read_c_str, SPEC_FULL.md §4.6 supplement).
func (t *Task) ReadCString(addr uintptr) (string, error) {
	const initial = 128
	size := initial
	for {
		buf := make([]byte, size)
		if err := t.ReadBytes(addr, buf); err != nil {
			return "", fmt.Errorf("task %d: read_c_str: %w", t.Tid, err)
		}
		if idx := bytes.IndexByte(buf, 0); idx >= 0 {
			return string(buf[:idx]), nil
		}
		if size >= 1<<20 {
			return "", fmt.Errorf("task %d: read_c_str: no NUL within 1MiB of %#x", t.Tid, addr)
		}
		size *= 2
	}
}

// StatFd stats the tracee's fd n via /proc/<tid>/fd/<n> (Task.cc:1600
// stat_fd, SPEC_FULL.md §4.6 supplement).
func (t *Task) StatFd(n int32) (os.FileInfo, error) {
	return os.Stat(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, n))
}

// FileNameOfFd resolves the tracee's fd n to the path it points at via
// readlink on /proc/<tid>/fd/<n> (Task.cc:1610 file_name_of_fd,
// SPEC_FULL.md §4.6 supplement).
func (t *Task) FileNameOfFd(n int32) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, n))
}

// OpenFd opens the tracee's fd n from the tracer's side via
// /proc/<tid>/fd/<n>, for inspecting a tracee's open file without
// injecting a remote syscall (Task.cc:1620 open_fd, SPEC_FULL.md §4.6
// supplement).
func (t *Task) OpenFd(n int32, flags int) (*os.File, error) {
	return os.OpenFile(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, n), flags, 0)
}

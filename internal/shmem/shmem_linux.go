// Package shmem manages the shared-memory segments every Atlas structure
// lives in, plus a process-local scratch arena for transient allocations.
//
// Segments are SysV shared memory, named by a system-wide non-zero integer
// key chosen by the application; Atlas reserves no key range. A segment
// lives until the last attached process detaches it.
//
// The package hands out access to mapped memory through bounds-checked
// handle resolution rather than raw pointer casts: callers resolve an
// (offset, size) pair to a pointer through the segment handle, and the
// resolution verifies bounds and 32-bit alignment. The mapped base itself is
// page-aligned, so any aligned offset yields an aligned cell.
package shmem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dreamware/atlas/internal/errs"
)

// Segment is one mapped SysV shared-memory segment.
type Segment struct {
	key int
	id  int
	buf []byte
}

// Create makes and attaches a new segment of the given size. It fails with
// errs.ErrObjectInUse when a segment with the key already exists.
func Create(key, size int) (*Segment, error) {
	if key == 0 || size <= 0 {
		return nil, errs.ErrBadParameters
	}
	id, err := unix.SysvShmGet(key, size, 0o666|unix.IPC_CREAT|unix.IPC_EXCL)
	if err != nil {
		if err == unix.EEXIST {
			return nil, errs.ErrObjectInUse
		}
		return nil, errs.ErrOperationFailed
	}
	buf, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, errs.ErrOperationFailed
	}
	return &Segment{key: key, id: id, buf: buf}, nil
}

// Attach maps an existing segment by key, failing with errs.ErrNotFound when
// no segment carries the key.
func Attach(key int) (*Segment, error) {
	if key == 0 {
		return nil, errs.ErrBadParameters
	}
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, errs.ErrNotFound
		}
		return nil, errs.ErrOperationFailed
	}
	buf, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, errs.ErrOperationFailed
	}
	return &Segment{key: key, id: id, buf: buf}, nil
}

// Key returns the segment's IPC key.
func (s *Segment) Key() int { return s.key }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.buf) }

// Bytes exposes the raw mapping. The slice aliases memory shared with other
// processes; anything mutable in it must be guarded by the owning lock.
func (s *Segment) Bytes() []byte { return s.buf }

// Pointer resolves (off, size) to a pointer into the mapping, verifying
// bounds and 32-bit alignment of the offset.
func (s *Segment) Pointer(off, size int) (unsafe.Pointer, error) {
	if s == nil || s.buf == nil {
		return nil, errs.ErrBadParameters
	}
	if off < 0 || size < 0 || off+size > len(s.buf) || off%4 != 0 {
		return nil, errs.ErrBadParameters
	}
	return unsafe.Pointer(&s.buf[off]), nil
}

// Uint32At resolves a 32-bit cell, suitable as a lock word.
func (s *Segment) Uint32At(off int) (*uint32, error) {
	p, err := s.Pointer(off, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(p), nil
}

// Detach unmaps the segment. The last process out removes the segment from
// the kernel.
func (s *Segment) Detach() error {
	if s == nil || s.buf == nil {
		return errs.ErrBadParameters
	}
	var desc unix.SysvShmDesc
	last := false
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_STAT, &desc); err == nil {
		last = desc.Nattch <= 1
	}
	if err := unix.SysvShmDetach(s.buf); err != nil {
		return errs.ErrOperationFailed
	}
	s.buf = nil
	if last {
		if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
			return errs.ErrOperationFailed
		}
	}
	return nil
}

// Remove force-removes the segment from the kernel regardless of attach
// count. Intended for harness cleanup after a failed run.
func Remove(key int) error {
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return errs.ErrNotFound
	}
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return errs.ErrOperationFailed
	}
	return nil
}

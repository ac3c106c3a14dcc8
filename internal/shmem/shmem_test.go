package shmem

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/dreamware/atlas/internal/errs"
)

// testKey derives a key space unlikely to collide with other processes or
// with earlier failed runs on the same machine.
func testKey(offset int) int {
	return 900000000 + (os.Getpid()%100000)*1000 + offset
}

func TestSegmentLifecycle(t *testing.T) {
	key := testKey(1)
	Remove(key) // scrub any leftover from an earlier failed run

	seg, err := Create(key, 65536)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if seg.Key() != key || seg.Size() != 65536 {
		t.Errorf("geometry: key=%d size=%d", seg.Key(), seg.Size())
	}

	pattern := bytes.Repeat([]byte{0xAB}, 1024)
	copy(seg.Bytes(), pattern)

	view, err := Attach(key)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !bytes.Equal(view.Bytes()[:1024], pattern) {
		t.Errorf("second attachment does not alias the same memory")
	}
	view.Bytes()[0] = 0xCD
	if seg.Bytes()[0] != 0xCD {
		t.Errorf("write through one view invisible in the other")
	}

	if err := view.Detach(); err != nil {
		t.Fatalf("detach view: %v", err)
	}
	if err := seg.Detach(); err != nil {
		t.Fatalf("detach creator: %v", err)
	}
	if _, err := Attach(key); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("attach after last detach = %v, want ErrNotFound", err)
	}
}

func TestCreateCollision(t *testing.T) {
	key := testKey(2)
	Remove(key)
	seg, err := Create(key, 4096)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { seg.Detach() })
	if _, err := Create(key, 4096); !errors.Is(err, errs.ErrObjectInUse) {
		t.Errorf("second create = %v, want ErrObjectInUse", err)
	}
}

func TestBadParameters(t *testing.T) {
	if _, err := Create(0, 4096); !errors.Is(err, errs.ErrBadParameters) {
		t.Errorf("zero key create = %v", err)
	}
	if _, err := Attach(0); !errors.Is(err, errs.ErrBadParameters) {
		t.Errorf("zero key attach = %v", err)
	}
}

func TestPointerResolution(t *testing.T) {
	key := testKey(3)
	Remove(key)
	seg, err := Create(key, 4096)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { seg.Detach() })

	if _, err := seg.Pointer(0, 4096); err != nil {
		t.Errorf("full-range pointer: %v", err)
	}
	if _, err := seg.Pointer(8, 8); err != nil {
		t.Errorf("aligned interior pointer: %v", err)
	}
	if _, err := seg.Pointer(2, 4); !errors.Is(err, errs.ErrBadParameters) {
		t.Errorf("misaligned pointer = %v, want ErrBadParameters", err)
	}
	if _, err := seg.Pointer(4092, 8); !errors.Is(err, errs.ErrBadParameters) {
		t.Errorf("out-of-bounds pointer = %v, want ErrBadParameters", err)
	}
	cell, err := seg.Uint32At(16)
	if err != nil {
		t.Fatalf("uint32 cell: %v", err)
	}
	*cell = 0xDEADBEEF
	if seg.Bytes()[16] == 0 && seg.Bytes()[17] == 0 {
		t.Errorf("cell write did not land in the mapping")
	}
}

package shmem

import (
	"github.com/dreamware/atlas/internal/errs"
)

// arenaAlign is the allocation granularity of a ScratchArena.
const arenaAlign = 4

// ScratchArena is a process-local bump allocator for transient working
// memory: grab what you need, then throw the whole pool away with Reset
// instead of freeing piecemeal. Not safe for concurrent use; give each
// worker its own arena.
type ScratchArena struct {
	buf  []byte
	off  int
	high int
}

// NewScratchArena allocates an arena of the given size.
func NewScratchArena(size int) (*ScratchArena, error) {
	if size <= 0 {
		return nil, errs.ErrBadParameters
	}
	return &ScratchArena{buf: make([]byte, size)}, nil
}

// Alloc hands out n bytes, rounded up to the arena alignment. Fails with
// errs.ErrOutOfMemory when the pool cannot satisfy the request.
func (a *ScratchArena) Alloc(n int) ([]byte, error) {
	if a == nil || n <= 0 {
		return nil, errs.ErrBadParameters
	}
	rounded := (n + arenaAlign - 1) &^ (arenaAlign - 1)
	if a.off+rounded > len(a.buf) {
		return nil, errs.ErrOutOfMemory
	}
	p := a.buf[a.off : a.off+n : a.off+rounded]
	a.off += rounded
	if a.off > a.high {
		a.high = a.off
	}
	return p, nil
}

// Reset rewinds the arena to empty. Previously returned slices must no
// longer be used.
func (a *ScratchArena) Reset() {
	a.off = 0
}

// HighWater reports the peak number of bytes ever in use.
func (a *ScratchArena) HighWater() int { return a.high }

// Size returns the arena capacity.
func (a *ScratchArena) Size() int { return len(a.buf) }

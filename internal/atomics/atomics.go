// Package atomics provides the 32-bit atomic primitives the Atlas lock
// layer is built on.
//
// Every operation is a full fence on its target word. The cells these
// functions operate on are plain *uint32 values that normally live inside a
// mapped shared-memory segment, so the same word is visible to every process
// attached to the segment. Any 32-bit aligned cell initialized to a known
// value will do.
//
// Every cross-process access goes through sync/atomic explicitly; nothing
// here relies on implicit word-size atomicity.
package atomics

import (
	"sync/atomic"
	"time"

	"github.com/dreamware/atlas/internal/errs"
)

// Cas atomically compares the cell against old and, when they match, stores
// new. It returns errs.ErrObjectInUse when the observed value differs from
// old. It performs no retry; looping is the caller's policy.
func Cas(cell *uint32, old, new uint32) error {
	if cell == nil {
		return errs.ErrBadParameters
	}
	if atomic.CompareAndSwapUint32(cell, old, new) {
		return nil
	}
	return errs.ErrObjectInUse
}

// Add atomically adds v to the cell.
func Add(cell *uint32, v uint32) {
	atomic.AddUint32(cell, v)
}

// Sub atomically subtracts v from the cell.
func Sub(cell *uint32, v uint32) {
	atomic.AddUint32(cell, ^(v - 1))
}

// Inc atomically increments the cell.
func Inc(cell *uint32) {
	atomic.AddUint32(cell, 1)
}

// Dec atomically decrements the cell.
func Dec(cell *uint32) {
	atomic.AddUint32(cell, ^uint32(0))
}

// Load atomically reads the cell.
func Load(cell *uint32) uint32 {
	return atomic.LoadUint32(cell)
}

// Store atomically writes the cell.
func Store(cell *uint32, v uint32) {
	atomic.StoreUint32(cell, v)
}

// ticksBase anchors the counter so values stay well inside int64 range.
var ticksBase = time.Now()

// Ticks returns a 64-bit monotonic tick counter with nanosecond resolution.
// Only differences between two readings are meaningful.
func Ticks() int64 {
	return int64(time.Since(ticksBase))
}

package locks

import (
	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

// Acquire takes ownership of a spin lock, not returning until it succeeds.
// The lock is process-local unless the word lives in shared memory. kilroy
// must be non-zero and should identify the caller uniquely across every
// process sharing the word.
func (rt *Runtime) Acquire(lock *uint32, kilroy uint32) error {
	if lock == nil || kilroy == 0 {
		return errs.ErrBadParameters
	}
	var attempts int64
	for {
		if atomics.Load(lock) == 0 { // no point even trying if it is held
			if atomics.Cas(lock, 0, kilroy) == nil {
				return nil
			}
		}
		rt.Arbitrate(attempts)
		attempts++
	}
}

// TryAcquire attempts the lock once and returns errs.ErrObjectInUse if it is
// held.
func (rt *Runtime) TryAcquire(lock *uint32, kilroy uint32) error {
	if lock == nil || kilroy == 0 {
		return errs.ErrBadParameters
	}
	if atomics.Load(lock) == 0 {
		if atomics.Cas(lock, 0, kilroy) == nil {
			return nil
		}
	}
	return errs.ErrObjectInUse
}

// Release frees a held spin lock. The kilroy must match the value used to
// acquire it; releasing someone else's lock fails with
// errs.ErrBadParameters and leaves the lock untouched.
func (rt *Runtime) Release(lock *uint32, kilroy uint32) error {
	if lock == nil || kilroy == 0 {
		return errs.ErrBadParameters
	}
	if atomics.Load(lock) != kilroy {
		return errs.ErrBadParameters
	}
	atomics.Store(lock, 0)
	return nil
}

package locks

import (
	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

const (
	// ShareExclusive is the exclusive-intent flag of a share lock word.
	ShareExclusive uint32 = 0xF0000000
	// shareReaders masks the reader count out of a share lock word.
	shareReaders uint32 = 0x0FFFFFFF
)

// Share takes a share lock for reading, not returning until it succeeds.
// The hot path is a bare atomic increment; only when the exclusive flag is
// observed does the reader roll back and wait.
func (rt *Runtime) Share(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	var attempts int64
	for {
		if atomics.Load(lock)&ShareExclusive == 0 {
			atomics.Inc(lock)
			if atomics.Load(lock)&ShareExclusive == 0 {
				return nil
			}
			atomics.Dec(lock) // a writer got in; pull our increment back off
		}
		rt.Arbitrate(attempts)
		attempts++
	}
}

// TryShare attempts one trial increment, rolling back and returning
// errs.ErrObjectInUse if a writer holds or has queued the lock.
func (rt *Runtime) TryShare(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	if atomics.Load(lock)&ShareExclusive == 0 {
		atomics.Inc(lock)
		if atomics.Load(lock)&ShareExclusive == 0 {
			return nil
		}
		atomics.Dec(lock)
	}
	return errs.ErrObjectInUse
}

// ReleaseShare drops one reader from the lock.
func (rt *Runtime) ReleaseShare(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	atomics.Dec(lock)
	return nil
}

// Exclusive takes the lock for writing, blocking first until no other
// writer's flag is present and then until every reader has drained.
//
// The flag must go in by compare-and-swap: with no kilroys on share words,
// two writers could otherwise both believe they own the exclusive.
func (rt *Runtime) Exclusive(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	var attempts int64
	for {
		orig := atomics.Load(lock)
		if orig&ShareExclusive == 0 {
			if atomics.Cas(lock, orig, orig|ShareExclusive) == nil {
				break
			}
		}
		rt.Arbitrate(attempts)
		attempts++
	}
	return rt.WaitQueueExclusive(lock)
}

// TryExclusive attempts to install the exclusive flag, returning
// errs.ErrObjectInUse the moment another writer is seen. Once the flag is
// in, it still blocks until the readers drain.
func (rt *Runtime) TryExclusive(lock *uint32) error {
	if err := rt.QueueExclusive(lock); err != nil {
		return err
	}
	return rt.WaitQueueExclusive(lock)
}

// QueueExclusive installs the exclusive flag and returns immediately,
// before the readers have drained. It fails with errs.ErrObjectInUse only
// when another writer already holds or has queued the lock.
//
// A nil return does NOT mean exclusive access: readers may still be inside.
// The caller must either WaitQueueExclusive before touching the protected
// data, or cancel with RemoveQueueExclusive. Never ReleaseShare a lock whose
// exclusive you have queued.
func (rt *Runtime) QueueExclusive(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	var attempts int64
	for {
		orig := atomics.Load(lock)
		if orig&ShareExclusive != 0 {
			return errs.ErrObjectInUse // another writer beat us; bail right away
		}
		if atomics.Cas(lock, orig, orig|ShareExclusive) == nil {
			return nil
		}
		// A CAS miss can be a reader adjusting the count; retry. If it was a
		// writer we will see the flag next pass and bail.
		rt.Arbitrate(attempts)
		attempts++
	}
}

// WaitQueueExclusive blocks until a previously queued exclusive is fully
// held, that is until nothing but the caller's flag remains in the word.
func (rt *Runtime) WaitQueueExclusive(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	var attempts int64
	for atomics.Load(lock) != ShareExclusive {
		rt.Arbitrate(attempts)
		attempts++
	}
	return nil
}

// RemoveQueueExclusive cancels a queued exclusive, clearing the flag while
// preserving whatever reader count is present, so waiting readers can get
// back in.
func (rt *Runtime) RemoveQueueExclusive(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	var attempts int64
	for {
		orig := atomics.Load(lock)
		if atomics.Cas(lock, orig, orig&shareReaders) == nil {
			return nil
		}
		// Readers may be churning the count under us; retry.
		rt.Arbitrate(attempts)
		attempts++
	}
}

// ReleaseExclusive frees an exclusively held share lock. It refuses with
// errs.ErrUnsafeOperation if readers are still counted in the word, which
// can only happen when a queued exclusive is released without waiting.
func (rt *Runtime) ReleaseExclusive(lock *uint32) error {
	if lock == nil {
		return errs.ErrBadParameters
	}
	if atomics.Load(lock)&shareReaders != 0 {
		return errs.ErrUnsafeOperation
	}
	atomics.Store(lock, 0)
	return nil
}

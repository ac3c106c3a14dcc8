package main

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/sem"
	"github.com/dreamware/atlas/internal/shmem"
)

const (
	atomicOps     = 200000
	lockLoops     = 10
	lockWorkers   = 4
	semLoops      = 10
	shmemReps     = 15
	scratchResets = 2500
	scratchAllocs = 500
	scratchSize   = 1024000
	scratchGet    = 1000
)

// sectionAtomics hammers the atomic primitives from several goroutines and
// verifies the arithmetic nets out exactly.
func sectionAtomics(r *runner) error {
	var cell uint32

	if err := atomics.Cas(&cell, 0, 42); err != nil {
		return fmt.Errorf("cas on free cell: %w", err)
	}
	if err := atomics.Cas(&cell, 0, 99); !errors.Is(err, errs.ErrObjectInUse) {
		return fmt.Errorf("cas mismatch should report busy, got %v", err)
	}
	atomics.Store(&cell, 0)

	var g errgroup.Group
	for w := 0; w < lockWorkers; w++ {
		g.Go(func() error {
			for i := 0; i < atomicOps; i++ {
				atomics.Inc(&cell)
				atomics.Add(&cell, 3)
				atomics.Sub(&cell, 2)
				atomics.Dec(&cell)
				atomics.Dec(&cell)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if got := atomics.Load(&cell); got != 0 {
		return fmt.Errorf("atomic arithmetic drifted: %d", got)
	}

	t1 := atomics.Ticks()
	t2 := atomics.Ticks()
	if t2 < t1 {
		return fmt.Errorf("tick counter ran backwards: %d then %d", t1, t2)
	}
	r.log.Info().Int("workers", lockWorkers).Int("ops", atomicOps).Msg("atomics verified")
	return nil
}

// sectionSpinLocks exercises the spin lock in shared memory: contended
// acquisition, bounce behavior, and foreign-release detection.
func sectionSpinLocks(r *runner) error {
	seg, err := shmem.Create(r.cfg.IPCBase+110, 4096)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	r.onExit(func() { seg.Detach() })
	lock, err := seg.Uint32At(0)
	if err != nil {
		return err
	}
	counter, err := seg.Uint32At(8)
	if err != nil {
		return err
	}

	for rep := 0; rep < lockLoops; rep++ {
		var g errgroup.Group
		for w := 0; w < lockWorkers; w++ {
			kilroy := r.cfg.Kilroy + uint32(w) + 1
			g.Go(func() error {
				for i := 0; i < 1000; i++ {
					if err := r.rt.Acquire(lock, kilroy); err != nil {
						return err
					}
					*counter++ // unsynchronized on purpose; the lock is the fence
					if err := r.rt.Release(lock, kilroy); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	if got := atomics.Load(counter); got != uint32(lockLoops*lockWorkers*1000) {
		return fmt.Errorf("lost updates under spin lock: %d", got)
	}

	if err := r.rt.Acquire(lock, r.cfg.Kilroy); err != nil {
		return err
	}
	if err := r.rt.TryAcquire(lock, r.cfg.Kilroy+1); !errors.Is(err, errs.ErrObjectInUse) {
		return fmt.Errorf("bounce on held lock should report busy, got %v", err)
	}
	if err := r.rt.Release(lock, r.cfg.Kilroy+1); !errors.Is(err, errs.ErrBadParameters) {
		return fmt.Errorf("foreign release should be refused, got %v", err)
	}
	if err := r.rt.Release(lock, r.cfg.Kilroy); err != nil {
		return err
	}
	r.rt.Arbitrate(0) // exercised for coverage; any attempt count is legal
	r.log.Info().Msg("spin locks verified")
	return nil
}

// sectionShareLocks checks reader concurrency, writer exclusion, and the
// three-phase queued-exclusive protocol.
func sectionShareLocks(r *runner) error {
	seg, err := shmem.Create(r.cfg.IPCBase+111, 4096)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	r.onExit(func() { seg.Detach() })
	lock, err := seg.Uint32At(0)
	if err != nil {
		return err
	}

	// Readers stack; a queued exclusive reserves the word immediately and
	// is fully held once the readers drain.
	for i := 0; i < 3; i++ {
		if err := r.rt.Share(lock); err != nil {
			return err
		}
	}
	if err := r.rt.QueueExclusive(lock); err != nil {
		return fmt.Errorf("queue exclusive over readers: %w", err)
	}
	if err := r.rt.QueueExclusive(lock); !errors.Is(err, errs.ErrObjectInUse) {
		return fmt.Errorf("second queued exclusive should report busy, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.rt.ReleaseShare(lock); err != nil {
			return err
		}
	}
	if err := r.rt.WaitQueueExclusive(lock); err != nil {
		return err
	}
	if err := r.rt.TryShare(lock); !errors.Is(err, errs.ErrObjectInUse) {
		return fmt.Errorf("share under exclusive should report busy, got %v", err)
	}
	if err := r.rt.ReleaseExclusive(lock); err != nil {
		return err
	}

	// A cancelled queued exclusive lets readers back in.
	if err := r.rt.Share(lock); err != nil {
		return err
	}
	if err := r.rt.QueueExclusive(lock); err != nil {
		return fmt.Errorf("queue exclusive on busy lock: %w", err)
	}
	if err := r.rt.TryShare(lock); !errors.Is(err, errs.ErrObjectInUse) {
		return fmt.Errorf("share under queued exclusive should report busy, got %v", err)
	}
	if err := r.rt.ReleaseExclusive(lock); !errors.Is(err, errs.ErrUnsafeOperation) {
		return fmt.Errorf("releasing exclusive with readers in must be refused, got %v", err)
	}
	if err := r.rt.RemoveQueueExclusive(lock); err != nil {
		return err
	}
	if err := r.rt.TryShare(lock); err != nil {
		return fmt.Errorf("share after cancelled exclusive: %w", err)
	}
	if err := r.rt.ReleaseShare(lock); err != nil {
		return err
	}
	if err := r.rt.ReleaseShare(lock); err != nil {
		return err
	}

	// Contended: readers churn while a writer repeatedly queues through.
	var g errgroup.Group
	for w := 0; w < lockWorkers; w++ {
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				if err := r.rt.Share(lock); err != nil {
					return err
				}
				r.rt.ReleaseShare(lock)
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if err := r.rt.Exclusive(lock); err != nil {
				return err
			}
			if err := r.rt.ReleaseExclusive(lock); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if got := atomics.Load(lock); got != 0 {
		return fmt.Errorf("share lock word should end clear, got %#x", got)
	}
	r.log.Info().Msg("share locks verified")
	return nil
}

// sectionKernelSemaphores checks create/open semantics and blocking and
// non-blocking locking. Removal of the group after the last close is not
// checked here.
func sectionKernelSemaphores(r *runner) error {
	key := r.cfg.IPCBase + 62
	s := sem.NewKernelSem()
	if err := s.Create(key); err != nil {
		r.log.Info().Msg("create failed; trying open in case it already exists")
		if err := s.Open(key); err != nil {
			return fmt.Errorf("neither create nor open: %w", err)
		}
	}
	r.onExit(func() { s.Close() })

	for i := 0; i < semLoops; i++ {
		if err := s.GetLock(); err != nil {
			return fmt.Errorf("get lock: %w", err)
		}
		if err := s.TryLock(); !errors.Is(err, errs.ErrObjectInUse) {
			return fmt.Errorf("try on held sem should report busy, got %v", err)
		}
		if err := s.FreeLock(); err != nil {
			return fmt.Errorf("free lock: %w", err)
		}
	}

	// A second handle in the same process behaves like a second process.
	s2 := sem.NewKernelSem()
	if err := s2.Open(key); err != nil {
		return fmt.Errorf("second open: %w", err)
	}
	if err := s2.GetLock(); err != nil {
		return err
	}
	if err := s.TryLock(); !errors.Is(err, errs.ErrObjectInUse) {
		return fmt.Errorf("sem held by peer should bounce, got %v", err)
	}
	if err := s2.FreeLock(); err != nil {
		return err
	}
	if err := s2.Close(); err != nil {
		return err
	}
	r.log.Info().Int("loops", semLoops).Msg("kernel semaphores verified")
	return nil
}

// sectionSharedMemory creates a segment, attaches it a second time, and
// verifies both views alias the same bytes and that the segment disappears
// after the last detach.
func sectionSharedMemory(r *runner) error {
	key := r.cfg.IPCBase + 100
	for rep := 0; rep < shmemReps; rep++ {
		seg, err := shmem.Create(key, 65536)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		pattern := bytes.Repeat([]byte{byte(rep + 1)}, 4096)
		copy(seg.Bytes(), pattern)

		view, err := shmem.Attach(key)
		if err != nil {
			seg.Detach()
			return fmt.Errorf("attach: %w", err)
		}
		if !bytes.Equal(view.Bytes()[:4096], pattern) {
			return fmt.Errorf("rep %d: second attachment sees different bytes", rep)
		}
		if view.Size() != 65536 || view.Key() != key {
			return fmt.Errorf("rep %d: geometry mismatch", rep)
		}
		if err := view.Detach(); err != nil {
			return err
		}
		if err := seg.Detach(); err != nil {
			return err
		}
		if _, err := shmem.Attach(key); !errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("segment should be gone after last detach, got %v", err)
		}
	}
	r.log.Info().Int("reps", shmemReps).Msg("shared memory verified")
	return nil
}

// sectionScratchMemory cycles the arena through thousands of reset/alloc
// rounds and checks exhaustion and the high-water mark. The alignment of
// the returned buffers is not checked.
func sectionScratchMemory(r *runner) error {
	arena, err := shmem.NewScratchArena(scratchSize)
	if err != nil {
		return err
	}
	for reset := 0; reset < scratchResets; reset++ {
		arena.Reset()
		for i := 0; i < scratchAllocs; i++ {
			buf, err := arena.Alloc(scratchGet)
			if err != nil {
				return fmt.Errorf("reset %d alloc %d: %w", reset, i, err)
			}
			buf[0] = byte(i)
			buf[len(buf)-1] = byte(i)
		}
	}
	if hw := arena.HighWater(); hw < scratchAllocs*scratchGet {
		return fmt.Errorf("high water %d below expected floor", hw)
	}
	arena.Reset()
	if _, err := arena.Alloc(scratchSize + 1); !errors.Is(err, errs.ErrOutOfMemory) {
		return fmt.Errorf("oversized alloc should exhaust the pool, got %v", err)
	}
	r.log.Info().Int("resets", scratchResets).Int("highWater", arena.HighWater()).Msg("scratch memory verified")
	return nil
}

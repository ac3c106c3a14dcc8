package table

import (
	"fmt"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

// AddTuple copies src into a free slot and returns the slot's payload with
// the per-tuple lock already held; the caller must UnlockTuple once every
// dependent structure has seen the insert. Every attached index is updated
// before AddTuple returns; if any index insert fails (a primary B-tree
// rejecting a duplicate key, typically) the slot and every partial index
// entry are rolled back and the error is returned.
//
// Slot selection stripes across the add lists by kilroy; when every list is
// empty the table grows by GrowthAlloc slots under its exclusive lock.
func (t *Table) AddTuple(src []byte) ([]byte, error) {
	if t == nil || t.seg == nil {
		return nil, errs.ErrBadParameters
	}
	if len(src) != int(t.hdr.TupleSize) {
		return nil, errs.ErrBadParameters
	}
	packed := t.takeFreeSlot()
	if packed == nullRef {
		if err := t.grow(); err != nil {
			return nil, err
		}
		if packed = t.takeFreeSlot(); packed == nullRef {
			return nil, errs.ErrOutOfMemory
		}
	}
	ref := unpackRef(packed)
	hdr, payload, err := t.slotAt(ref)
	if err != nil {
		return nil, err
	}
	if err := t.rt.Acquire(&hdr.Lock, t.kilroy); err != nil {
		return nil, err
	}
	copy(payload, src)
	atomics.Store(&hdr.Flags, slotLive)
	t.cur = cursor{block: int32(ref.Block), slot: int32(ref.Slot)}

	for i, ix := range t.indexes {
		if err := ix.Insert(payload, ref); err != nil {
			for _, done := range t.indexes[:i] {
				done.Remove(payload, ref)
			}
			atomics.Store(&hdr.Flags, 0)
			t.pushFree(&t.hdr.Add[int(ref.Slot)%int(t.hdr.AddLists)], hdr, ref)
			t.rt.Release(&hdr.Lock, t.kilroy)
			return nil, err
		}
	}
	atomics.Inc(&t.hdr.LiveCount)
	return payload, nil
}

// takeFreeSlot pops a slot from the caller's striped add list, falling back
// to the other lists before giving up.
func (t *Table) takeFreeSlot() uint64 {
	n := int(t.hdr.AddLists)
	start := int(t.kilroy) % n
	for i := 0; i < n; i++ {
		if ref := t.popFree(&t.hdr.Add[(start+i)%n]); ref != nullRef {
			return ref
		}
	}
	return nullRef
}

// DeleteTuple removes the cursor tuple: it is dropped from every attached
// index, marked deleted-pending, and queued for safe reuse (or returned
// straight to the add pool when the table does not queue changes). The
// caller should hold the tuple's lock; DeleteTuple takes it if not. The
// lock is released before returning and the cursor stays in place so
// iteration continues past the hole.
func (t *Table) DeleteTuple() error {
	if t == nil || t.seg == nil {
		return errs.ErrBadParameters
	}
	ref, ok := t.cursorRef()
	if !ok {
		return errs.ErrNotFound
	}
	hdr, payload, err := t.slotAt(ref)
	if err != nil {
		return err
	}
	held := atomics.Load(&hdr.Lock) == t.kilroy
	if !held {
		if err := t.rt.Acquire(&hdr.Lock, t.kilroy); err != nil {
			return err
		}
	}
	if atomics.Load(&hdr.Flags)&slotLive == 0 {
		t.rt.Release(&hdr.Lock, t.kilroy)
		return errs.ErrNotFound
	}
	for _, ix := range t.indexes {
		if err := ix.Remove(payload, ref); err != nil {
			t.rt.Release(&hdr.Lock, t.kilroy)
			return fmt.Errorf("index remove: %w", err)
		}
	}
	atomics.Dec(&t.hdr.LiveCount)
	if t.hdr.QueueChanges != 0 {
		atomics.Store(&hdr.Flags, slotDeleted)
		di := int(t.kilroy) % int(t.hdr.DelLists)
		t.pushFree(&t.hdr.Del[di], hdr, ref)
		t.rotateDeletes(di)
	} else {
		atomics.Store(&hdr.Flags, 0)
		t.pushFree(&t.hdr.Add[int(t.kilroy)%int(t.hdr.AddLists)], hdr, ref)
	}
	return t.rt.Release(&hdr.Lock, t.kilroy)
}

// rotateDeletes recycles queued deletes. The rule: having appended to list
// di, if the next list in the ring has filled to at least half a growth
// block, that list has been sitting for a full trip around the ring and its
// slots are safe to hand back to the add pool.
func (t *Table) rotateDeletes(di int) {
	n := int(t.hdr.DelLists)
	next := (di + 1) % n
	threshold := t.hdr.GrowthAlloc / 2
	if threshold == 0 {
		threshold = 1
	}
	if atomics.Load(&t.hdr.Del[next].Count) < threshold {
		return
	}
	t.rt.Acquire(&t.hdr.TableLock, t.kilroy)
	defer t.rt.Release(&t.hdr.TableLock, t.kilroy)
	list := &t.hdr.Del[next]
	for {
		packed := t.popFree(list)
		if packed == nullRef {
			return
		}
		ref := unpackRef(packed)
		hdr, _, err := t.slotAt(ref)
		if err != nil {
			return
		}
		atomics.Store(&hdr.Flags, 0)
		t.pushFree(&t.hdr.Add[int(ref.Slot)%int(t.hdr.AddLists)], hdr, ref)
	}
}

// cursorRef reports the cursor position as a Ref when it is on a slot.
func (t *Table) cursorRef() (Ref, bool) {
	if t.cur.block < 0 {
		return Ref{}, false
	}
	return Ref{Block: uint32(t.cur.block), Slot: uint32(t.cur.slot)}, true
}

// LockTuple takes the cursor tuple's lock and returns its payload, failing
// with errs.ErrNotFound when the cursor is not on a live tuple.
func (t *Table) LockTuple() ([]byte, error) {
	return t.lockCursor(false)
}

// TryLockTuple is LockTuple without blocking: errs.ErrObjectInUse when the
// tuple's lock is held elsewhere.
func (t *Table) TryLockTuple() ([]byte, error) {
	return t.lockCursor(true)
}

// LockedGetTuple returns the cursor tuple with its lock held, taking the
// lock only if this handle does not already hold it.
func (t *Table) LockedGetTuple() ([]byte, error) {
	ref, ok := t.cursorRef()
	if !ok {
		return nil, errs.ErrNotFound
	}
	hdr, payload, err := t.slotAt(ref)
	if err != nil {
		return nil, err
	}
	if atomics.Load(&hdr.Lock) == t.kilroy {
		if atomics.Load(&hdr.Flags)&slotLive == 0 {
			return nil, errs.ErrNotFound
		}
		return payload, nil
	}
	return t.lockCursor(false)
}

func (t *Table) lockCursor(bounce bool) ([]byte, error) {
	ref, ok := t.cursorRef()
	if !ok {
		return nil, errs.ErrNotFound
	}
	hdr, payload, err := t.slotAt(ref)
	if err != nil {
		return nil, err
	}
	if bounce {
		if err := t.rt.TryAcquire(&hdr.Lock, t.kilroy); err != nil {
			return nil, err
		}
	} else if err := t.rt.Acquire(&hdr.Lock, t.kilroy); err != nil {
		return nil, err
	}
	if atomics.Load(&hdr.Flags)&slotLive == 0 { // flipped before we got the lock
		t.rt.Release(&hdr.Lock, t.kilroy)
		return nil, errs.ErrNotFound
	}
	return payload, nil
}

// UnlockTuple releases the cursor tuple's lock. Foreign locks are refused.
func (t *Table) UnlockTuple() error {
	ref, ok := t.cursorRef()
	if !ok {
		return errs.ErrNotFound
	}
	hdr, _, err := t.slotAt(ref)
	if err != nil {
		return err
	}
	return t.rt.Release(&hdr.Lock, t.kilroy)
}

// ResetCursor positions the cursor before the first slot.
func (t *Table) ResetCursor() {
	t.cur = cursor{block: curBeforeFirst}
}

// NextTuple advances to the next live tuple and returns its payload, or nil
// past the end. Freed slots are skipped; liveness is rechecked under the
// slot lock so a tuple that flips from live to free mid-step is never
// returned.
func (t *Table) NextTuple() []byte {
	n := int32(atomics.Load(&t.hdr.BlockCount))
	b, s := int32(0), int32(0)
	switch t.cur.block {
	case curBeforeFirst:
	case curAfterLast:
		return nil
	default:
		b, s = t.cur.block, t.cur.slot+1
	}
	for ; b < n; b, s = b+1, 0 {
		limit := int32(t.hdr.Blocks[b])
		for ; s < limit; s++ {
			if payload := t.checkLive(Ref{Block: uint32(b), Slot: uint32(s)}); payload != nil {
				t.cur = cursor{block: b, slot: s}
				return payload
			}
		}
	}
	t.cur = cursor{block: curAfterLast}
	return nil
}

// PrevTuple steps backwards to the previous live tuple, or nil before the
// start. Stepping back from past-the-end lands on the last live tuple.
func (t *Table) PrevTuple() []byte {
	n := int32(atomics.Load(&t.hdr.BlockCount))
	if n == 0 {
		return nil
	}
	var b, s int32
	switch t.cur.block {
	case curBeforeFirst:
		return nil
	case curAfterLast:
		b = n - 1
		s = int32(t.hdr.Blocks[b]) - 1
	default:
		b, s = t.cur.block, t.cur.slot-1
	}
	for ; b >= 0; b-- {
		for ; s >= 0; s-- {
			if payload := t.checkLive(Ref{Block: uint32(b), Slot: uint32(s)}); payload != nil {
				t.cur = cursor{block: b, slot: s}
				return payload
			}
		}
		if b > 0 {
			s = int32(t.hdr.Blocks[b-1]) - 1
		}
	}
	t.cur = cursor{block: curBeforeFirst}
	return nil
}

// checkLive returns the slot's payload iff it is live, verified under the
// slot lock (skipping the lock when this handle already holds it).
func (t *Table) checkLive(ref Ref) []byte {
	hdr, payload, err := t.slotAt(ref)
	if err != nil {
		return nil
	}
	if atomics.Load(&hdr.Flags)&slotLive == 0 { // cheap pre-check
		return nil
	}
	if atomics.Load(&hdr.Lock) == t.kilroy {
		if atomics.Load(&hdr.Flags)&slotLive == 0 {
			return nil
		}
		return payload
	}
	if err := t.rt.Acquire(&hdr.Lock, t.kilroy); err != nil {
		return nil
	}
	live := atomics.Load(&hdr.Flags)&slotLive != 0
	t.rt.Release(&hdr.Lock, t.kilroy)
	if !live {
		return nil
	}
	return payload
}

// TupleRef reports the cursor tuple's opaque (block, slot) coordinates and
// payload; the B-tree save path uses this to record leaf references.
func (t *Table) TupleRef() (Ref, []byte, error) {
	ref, ok := t.cursorRef()
	if !ok {
		return Ref{}, nil, errs.ErrNotFound
	}
	_, payload, err := t.slotAt(ref)
	if err != nil {
		return Ref{}, nil, err
	}
	return ref, payload, nil
}

// SetTuple positions the cursor by opaque coordinates and returns the
// payload there, failing with errs.ErrNotFound when the slot is not live.
func (t *Table) SetTuple(ref Ref) ([]byte, error) {
	hdr, payload, err := t.slotAt(ref)
	if err != nil {
		return nil, err
	}
	if atomics.Load(&hdr.Flags)&slotLive == 0 {
		return nil, errs.ErrNotFound
	}
	t.cur = cursor{block: int32(ref.Block), slot: int32(ref.Slot)}
	return payload, nil
}

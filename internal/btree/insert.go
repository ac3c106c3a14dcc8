package btree

import (
	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/table"
)

// pageExclusive reserves a page for modification: the exclusive intent goes
// in immediately, then we wait for the readers already on the page to
// drain. Writers are serialized by the tree lock, so the queue can never
// find a competing writer.
func (bt *BTree) pageExclusive(pg page) {
	bt.rt.QueueExclusive(&pg.hdr.Lock)
	bt.rt.WaitQueueExclusive(&pg.hdr.Lock)
}

// pageRelease drops a page's exclusive.
func (bt *BTree) pageRelease(pg page) {
	bt.rt.ReleaseExclusive(&pg.hdr.Lock)
}

// exclusiveOrdered takes exclusives on several pages in ascending
// page-index order, the fixed order that keeps multi-page writers from
// deadlocking each other.
func (bt *BTree) exclusiveOrdered(pgs ...page) {
	for swapped := true; swapped; {
		swapped = false
		for i := 1; i < len(pgs); i++ {
			if pgs[i].idx < pgs[i-1].idx {
				pgs[i], pgs[i-1] = pgs[i-1], pgs[i]
				swapped = true
			}
		}
	}
	for _, pg := range pgs {
		bt.pageExclusive(pg)
	}
}

func (bt *BTree) releaseAll(pgs ...page) {
	for _, pg := range pgs {
		bt.pageRelease(pg)
	}
}

// shiftIn opens slot pos and writes (key, ref) there. Caller holds the
// page's exclusive.
func (bt *BTree) shiftIn(pg page, pos int, key []byte, ref uint64) {
	kl := int(bt.hdr.KeyLen)
	count := int(pg.hdr.Count)
	copy(pg.keys[(pos+1)*kl:(count+1)*kl], pg.keys[pos*kl:count*kl])
	copy(pg.refs[pos+1:count+1], pg.refs[pos:count])
	copy(pg.keys[pos*kl:(pos+1)*kl], key[:kl])
	pg.refs[pos] = ref
	pg.hdr.Count = uint32(count + 1)
}

// shiftOut closes slot pos. Caller holds the page's exclusive.
func (bt *BTree) shiftOut(pg page, pos int) {
	kl := int(bt.hdr.KeyLen)
	count := int(pg.hdr.Count)
	copy(pg.keys[pos*kl:(count-1)*kl], pg.keys[(pos+1)*kl:count*kl])
	copy(pg.refs[pos:count-1], pg.refs[pos+1:count])
	pg.hdr.Count = uint32(count - 1)
}

// moveTail moves the entries from slot from onward into dst (which must be
// empty). Caller holds src's exclusive; dst is not yet reachable.
func (bt *BTree) moveTail(src, dst page, from int) {
	kl := int(bt.hdr.KeyLen)
	count := int(src.hdr.Count)
	copy(dst.keys[0:(count-from)*kl], src.keys[from*kl:count*kl])
	copy(dst.refs[0:count-from], src.refs[from:count])
	dst.hdr.Count = uint32(count - from)
	src.hdr.Count = uint32(from)
}

// childIndexOf finds which slot of parent points at child, or -1.
func (bt *BTree) childIndexOf(parent page, child uint32) int {
	for i := 0; i < int(parent.hdr.Count); i++ {
		if uint32(parent.refs[i]) == child {
			return i
		}
	}
	return -1
}

// reparent points the Parent field of every child of pg in [from, to) at
// pg.
func (bt *BTree) reparent(pg page, from, to int) error {
	for i := from; i < to; i++ {
		child, err := bt.pageAt(uint32(pg.refs[i]))
		if err != nil {
			return err
		}
		atomics.Store(&child.hdr.Parent, pg.idx)
	}
	return nil
}

// updateSeparator re-copies pg's minimum key into its parent's separator
// slot, walking upward while the change keeps landing in slot zero.
func (bt *BTree) updateSeparator(pg page) {
	kl := int(bt.hdr.KeyLen)
	for {
		pidx := atomics.Load(&pg.hdr.Parent)
		if pidx == nullPage {
			return
		}
		parent, err := bt.pageAt(pidx)
		if err != nil {
			return
		}
		ci := bt.childIndexOf(parent, pg.idx)
		if ci < 0 || pg.hdr.Count == 0 {
			return
		}
		bt.pageExclusive(parent)
		copy(bt.key(parent, ci), pg.keys[:kl])
		bt.pageRelease(parent)
		if ci != 0 {
			return
		}
		pg = parent
	}
}

// descendPlain walks root to leaf without taking share locks; only the
// structural writer (which holds the tree lock) may use it.
func (bt *BTree) descendPlain(key []byte, n int, firstBias bool) (page, error) {
	pg, err := bt.pageAt(atomics.Load(&bt.hdr.Root))
	if err != nil {
		return page{}, err
	}
	for pg.hdr.Leaf == 0 {
		ci := bt.childFor(pg, key, n, firstBias)
		pg, err = bt.pageAt(uint32(pg.refs[ci]))
		if err != nil {
			return page{}, err
		}
	}
	return pg, nil
}

// Insert adds the tuple's key and table reference to the tree. A primary
// tree fails with errs.ErrObjectInUse when the key already exists; a
// secondary tree appends after any run of equal keys, preserving insertion
// order. Called by the table for every attached index while the tuple's
// slot lock is held.
func (bt *BTree) Insert(tuple []byte, ref table.Ref) error {
	if bt == nil || bt.seg == nil {
		return errs.ErrBadParameters
	}
	kl := int(bt.hdr.KeyLen)
	keySrc := bt.ops.Extract(tuple)
	if len(keySrc) < kl {
		return errs.ErrBadParameters
	}
	key := keySrc[:kl]
	if err := bt.rt.Acquire(&bt.hdr.TreeLock, bt.kilroy); err != nil {
		return err
	}
	defer bt.rt.Release(&bt.hdr.TreeLock, bt.kilroy)

	leaf, err := bt.descendPlain(key, kl, false)
	if err != nil {
		return err
	}
	if Kind(bt.hdr.Kind) == Primary {
		i := bt.lowerBound(leaf, key, kl)
		if i < int(leaf.hdr.Count) && bt.ops.Compare(bt.key(leaf, i), key, kl) == 0 {
			return errs.ErrObjectInUse
		}
	}
	return bt.insertEntry(leaf, key, packRef(ref))
}

// insertEntry places (key, ref) into leaf, splitting when full.
func (bt *BTree) insertEntry(leaf page, key []byte, ref uint64) error {
	kl := int(bt.hdr.KeyLen)
	per := int(bt.hdr.KeysPerPage)
	if int(leaf.hdr.Count) < per {
		bt.pageExclusive(leaf)
		pos := bt.upperBound(leaf, key, kl)
		bt.shiftIn(leaf, pos, key, ref)
		bt.pageRelease(leaf)
		if pos == 0 {
			bt.updateSeparator(leaf)
		}
		return nil
	}
	return bt.splitLeafInsert(leaf, key, ref)
}

// splitLeafInsert splits a full leaf, redistributes, inserts, rewires the
// leaf chain, and propagates the new sibling's separator upward.
func (bt *BTree) splitLeafInsert(leaf page, key []byte, ref uint64) error {
	kl := int(bt.hdr.KeyLen)
	per := int(bt.hdr.KeysPerPage)
	right, err := bt.allocPage(true)
	if err != nil {
		return err
	}
	pos := bt.upperBound(leaf, key, kl)
	half := per / 2

	var oldNext page
	haveNext := leaf.hdr.Next != nullPage
	if haveNext {
		if oldNext, err = bt.pageAt(leaf.hdr.Next); err != nil {
			return err
		}
		bt.exclusiveOrdered(leaf, oldNext)
	} else {
		bt.pageExclusive(leaf)
	}

	bt.moveTail(leaf, right, half)
	right.hdr.Parent = atomics.Load(&leaf.hdr.Parent)
	right.hdr.Prev = leaf.idx
	right.hdr.Next = leaf.hdr.Next
	leaf.hdr.Next = right.idx
	if haveNext {
		oldNext.hdr.Prev = right.idx
	} else {
		atomics.Store(&bt.hdr.Rightmost, right.idx)
	}
	if pos <= half {
		bt.shiftIn(leaf, pos, key, ref)
	} else {
		bt.shiftIn(right, pos-half, key, ref)
	}
	if haveNext {
		bt.releaseAll(leaf, oldNext)
	} else {
		bt.pageRelease(leaf)
	}
	if pos == 0 {
		bt.updateSeparator(leaf)
	}
	return bt.insertIntoParent(leaf, right)
}

// insertIntoParent hangs right next to left in their parent, growing a new
// root when left was the root, and splitting the parent when it is full.
func (bt *BTree) insertIntoParent(left, right page) error {
	kl := int(bt.hdr.KeyLen)
	per := int(bt.hdr.KeysPerPage)
	if atomics.Load(&left.hdr.Parent) == nullPage {
		root, err := bt.allocPage(false)
		if err != nil {
			return err
		}
		copy(root.keys[0:kl], left.keys[:kl])
		root.refs[0] = uint64(left.idx)
		copy(root.keys[kl:2*kl], right.keys[:kl])
		root.refs[1] = uint64(right.idx)
		root.hdr.Count = 2
		atomics.Store(&left.hdr.Parent, root.idx)
		atomics.Store(&right.hdr.Parent, root.idx)
		atomics.Store(&bt.hdr.Root, root.idx)
		return nil
	}
	parent, err := bt.pageAt(atomics.Load(&left.hdr.Parent))
	if err != nil {
		return err
	}
	ci := bt.childIndexOf(parent, left.idx)
	if ci < 0 {
		return errs.ErrOperationFailed
	}
	if int(parent.hdr.Count) < per {
		bt.pageExclusive(parent)
		bt.shiftIn(parent, ci+1, right.keys[:kl], uint64(right.idx))
		bt.pageRelease(parent)
		atomics.Store(&right.hdr.Parent, parent.idx)
		return nil
	}
	return bt.splitInternalInsert(parent, ci+1, right)
}

// splitInternalInsert splits a full internal page to make room for child at
// slot pos, then recurses upward.
func (bt *BTree) splitInternalInsert(parent page, pos int, child page) error {
	kl := int(bt.hdr.KeyLen)
	per := int(bt.hdr.KeysPerPage)
	right, err := bt.allocPage(false)
	if err != nil {
		return err
	}
	half := per / 2
	bt.pageExclusive(parent)
	bt.moveTail(parent, right, half)
	right.hdr.Parent = atomics.Load(&parent.hdr.Parent)
	if pos <= half {
		bt.shiftIn(parent, pos, child.keys[:kl], uint64(child.idx))
		atomics.Store(&child.hdr.Parent, parent.idx)
	} else {
		bt.shiftIn(right, pos-half, child.keys[:kl], uint64(child.idx))
		atomics.Store(&child.hdr.Parent, right.idx)
	}
	bt.pageRelease(parent)
	if err := bt.reparent(right, 0, int(right.hdr.Count)); err != nil {
		return err
	}
	return bt.insertIntoParent(parent, right)
}

package btree

import (
	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/table"
)

// Remove deletes the entry for (tuple, ref) from the tree, rebalancing by
// borrow or merge when a page underflows below half its key budget. Called
// by the table for every attached index while the tuple's slot lock is
// held.
func (bt *BTree) Remove(tuple []byte, ref table.Ref) error {
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

	leaf, pos, err := bt.findEntry(key, packRef(ref))
	if err != nil {
		return err
	}
	bt.pageExclusive(leaf)
	bt.shiftOut(leaf, pos)
	bt.pageRelease(leaf)
	if pos == 0 && leaf.hdr.Count > 0 {
		bt.updateSeparator(leaf)
	}
	return bt.rebalance(leaf)
}

// findEntry locates the exact (key, ref) slot, scanning forward through a
// run of equal keys — across leaf boundaries when duplicates spill over.
// Runs under the tree lock with plain reads.
func (bt *BTree) findEntry(key []byte, ref uint64) (page, int, error) {
	kl := int(bt.hdr.KeyLen)
	leaf, err := bt.descendPlain(key, kl, true)
	if err != nil {
		return page{}, 0, err
	}
	pos := bt.lowerBound(leaf, key, kl)
	for {
		if pos >= int(leaf.hdr.Count) {
			if leaf.hdr.Next == nullPage {
				return page{}, 0, errs.ErrNotFound
			}
			if leaf, err = bt.pageAt(leaf.hdr.Next); err != nil {
				return page{}, 0, err
			}
			pos = 0
			continue
		}
		if bt.ops.Compare(bt.key(leaf, pos), key, kl) != 0 {
			return page{}, 0, errs.ErrNotFound
		}
		if leaf.refs[pos] == ref {
			return leaf, pos, nil
		}
		pos++
	}
}

// rebalance restores the minimum-occupancy invariant from pg upward.
func (bt *BTree) rebalance(pg page) error {
	half := int(bt.hdr.KeysPerPage) / 2
	for {
		if atomics.Load(&bt.hdr.Root) == pg.idx {
			// An internal root with a single child collapses into it.
			if pg.hdr.Leaf == 0 && pg.hdr.Count == 1 {
				child, err := bt.pageAt(uint32(pg.refs[0]))
				if err != nil {
					return err
				}
				atomics.Store(&child.hdr.Parent, nullPage)
				atomics.Store(&bt.hdr.Root, child.idx)
				bt.pageExclusive(pg)
				bt.freePage(pg)
				bt.pageRelease(pg)
			}
			return nil
		}
		if int(pg.hdr.Count) >= half {
			return nil
		}
		parent, err := bt.pageAt(atomics.Load(&pg.hdr.Parent))
		if err != nil {
			return err
		}
		ci := bt.childIndexOf(parent, pg.idx)
		if ci < 0 {
			return errs.ErrOperationFailed
		}
		if ci > 0 {
			left, err := bt.pageAt(uint32(parent.refs[ci-1]))
			if err != nil {
				return err
			}
			if int(left.hdr.Count) > half {
				return bt.borrowFromLeft(left, pg)
			}
		}
		if ci < int(parent.hdr.Count)-1 {
			right, err := bt.pageAt(uint32(parent.refs[ci+1]))
			if err != nil {
				return err
			}
			if int(right.hdr.Count) > half {
				return bt.borrowFromRight(pg, right)
			}
		}
		// Neither sibling can lend; merge with one. The right page of the
		// pair is always the one freed, so the leftmost leaf never moves.
		if ci > 0 {
			left, err := bt.pageAt(uint32(parent.refs[ci-1]))
			if err != nil {
				return err
			}
			if err := bt.merge(parent, ci-1, left, pg); err != nil {
				return err
			}
		} else {
			right, err := bt.pageAt(uint32(parent.refs[ci+1]))
			if err != nil {
				return err
			}
			if err := bt.merge(parent, ci, pg, right); err != nil {
				return err
			}
		}
		pg = parent
	}
}

// borrowFromLeft shifts left's greatest entry onto the front of pg.
func (bt *BTree) borrowFromLeft(left, pg page) error {
	kl := int(bt.hdr.KeyLen)
	bt.exclusiveOrdered(left, pg)
	last := int(left.hdr.Count) - 1
	movedKey := make([]byte, kl)
	copy(movedKey, bt.key(left, last))
	movedRef := left.refs[last]
	left.hdr.Count = uint32(last)
	bt.shiftIn(pg, 0, movedKey, movedRef)
	bt.releaseAll(left, pg)
	if pg.hdr.Leaf == 0 {
		if err := bt.reparent(pg, 0, 1); err != nil {
			return err
		}
	}
	bt.updateSeparator(pg)
	return nil
}

// borrowFromRight shifts right's least entry onto the end of pg.
func (bt *BTree) borrowFromRight(pg, right page) error {
	kl := int(bt.hdr.KeyLen)
	bt.exclusiveOrdered(pg, right)
	movedKey := make([]byte, kl)
	copy(movedKey, bt.key(right, 0))
	movedRef := right.refs[0]
	bt.shiftOut(right, 0)
	bt.shiftIn(pg, int(pg.hdr.Count), movedKey, movedRef)
	bt.releaseAll(pg, right)
	if pg.hdr.Leaf == 0 {
		if err := bt.reparent(pg, int(pg.hdr.Count)-1, int(pg.hdr.Count)); err != nil {
			return err
		}
	}
	bt.updateSeparator(right)
	return nil
}

// merge folds right into left and drops right's separator from parent.
// left and right are adjacent children of parent at slots li and li+1. The
// child exclusives are fully released before the parent's is taken, so a
// crab reader holding the parent's share while waiting on a child can
// never be on the other side of a cycle with us.
func (bt *BTree) merge(parent page, li int, left, right page) error {
	kl := int(bt.hdr.KeyLen)
	leafMerge := left.hdr.Leaf == 1

	var after page
	haveAfter := leafMerge && right.hdr.Next != nullPage
	if haveAfter {
		var err error
		if after, err = bt.pageAt(right.hdr.Next); err != nil {
			return err
		}
		bt.exclusiveOrdered(left, right, after)
	} else {
		bt.exclusiveOrdered(left, right)
	}

	lc, rc := int(left.hdr.Count), int(right.hdr.Count)
	copy(left.keys[lc*kl:(lc+rc)*kl], right.keys[:rc*kl])
	copy(left.refs[lc:lc+rc], right.refs[:rc])
	left.hdr.Count = uint32(lc + rc)
	right.hdr.Count = 0
	if leafMerge {
		left.hdr.Next = right.hdr.Next
		if haveAfter {
			after.hdr.Prev = left.idx
		} else {
			atomics.Store(&bt.hdr.Rightmost, left.idx)
		}
	} else if err := bt.reparent(left, lc, lc+rc); err != nil {
		bt.releaseAll(left, right)
		return err
	}
	if haveAfter {
		bt.releaseAll(left, right, after)
	} else {
		bt.releaseAll(left, right)
	}

	bt.pageExclusive(parent)
	bt.shiftOut(parent, li+1)
	bt.pageRelease(parent)
	// When left came in empty its minimum is now right's old minimum and
	// the parent separator must follow.
	bt.updateSeparator(left)

	// Wait out any reader that reached right through the stale separator
	// before the page goes back on the free list.
	bt.pageExclusive(right)
	bt.freePage(right)
	bt.pageRelease(right)
	return nil
}

package btree

import (
	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/locks"
)

// Cursors hold a share lock on exactly one leaf between steps. A writer
// that needs the leaf escalates with a queued exclusive; the cursor's next
// step observes the intent, drops its share so the writer can drain, and
// repositions itself by the key it last returned. A tuple that flips from
// live to free between steps is silently skipped.

// setAt records the cursor position and remembers the entry's key and ref
// for repositioning.
func (bt *BTree) setAt(leaf page, slot int) {
	kl := int(bt.hdr.KeyLen)
	if cap(bt.cur.lastKey) < kl {
		bt.cur.lastKey = make([]byte, kl)
	}
	bt.cur.lastKey = bt.cur.lastKey[:kl]
	copy(bt.cur.lastKey, bt.key(leaf, slot))
	bt.cur.lastRef = leaf.refs[slot]
	bt.cur.page = leaf.idx
	bt.cur.slot = slot
	bt.cur.locked = true
}

// SetCursor positions the cursor by key (Direct, or FindFirst/FindLast on
// an n-byte prefix), takes the leaf's share lock, sets the table cursor on
// the hit, and returns the tuple payload.
func (bt *BTree) SetCursor(key []byte, match MatchMode, n int) ([]byte, error) {
	if bt == nil || bt.seg == nil || len(key) == 0 {
		return nil, errs.ErrBadParameters
	}
	bt.FreeCursor()
	if n <= 0 || n > int(bt.hdr.KeyLen) {
		n = int(bt.hdr.KeyLen)
	}
	for {
		leaf, err := bt.descend(key, n, CrabLock, match == FindFirst)
		if err != nil {
			return nil, err
		}
		got, slot, ok, err := bt.locate(leaf, key, n, match)
		if err != nil {
			if ok {
				bt.rt.ReleaseShare(&got.hdr.Lock)
			}
			return nil, err
		}
		if !ok {
			continue
		}
		bt.setAt(got, slot)
		payload, err := bt.tbl.SetTuple(unpackRef(got.refs[slot]))
		if err != nil {
			bt.rt.ReleaseShare(&got.hdr.Lock)
			bt.cur.locked = false
			return nil, errs.ErrNotFound
		}
		return payload, nil
	}
}

// SetCursorToStart positions on the tree's smallest entry.
func (bt *BTree) SetCursorToStart() ([]byte, error) {
	return bt.setCursorEdge(true)
}

// SetCursorToEnd positions on the tree's largest entry.
func (bt *BTree) SetCursorToEnd() ([]byte, error) {
	return bt.setCursorEdge(false)
}

func (bt *BTree) setCursorEdge(start bool) ([]byte, error) {
	if bt == nil || bt.seg == nil {
		return nil, errs.ErrBadParameters
	}
	bt.FreeCursor()
	var attempts int64
	for {
		var idx uint32
		if start {
			idx = atomics.Load(&bt.hdr.Leftmost)
		} else {
			idx = atomics.Load(&bt.hdr.Rightmost)
		}
		leaf, err := bt.pageAt(idx)
		if err != nil {
			return nil, err
		}
		if err := bt.rt.Share(&leaf.hdr.Lock); err != nil {
			return nil, err
		}
		stale := leaf.hdr.Leaf != pageLeaf
		if start {
			stale = stale || leaf.hdr.Prev != nullPage
		} else {
			stale = stale || leaf.hdr.Next != nullPage
		}
		if stale { // an edge split or merge moved under us
			bt.rt.ReleaseShare(&leaf.hdr.Lock)
			bt.rt.Arbitrate(attempts)
			attempts++
			continue
		}
		if leaf.hdr.Count == 0 { // only an empty root leaf can be here
			bt.rt.ReleaseShare(&leaf.hdr.Lock)
			return nil, errs.ErrNotFound
		}
		slot := 0
		if !start {
			slot = int(leaf.hdr.Count) - 1
		}
		bt.setAt(leaf, slot)
		payload, err := bt.tbl.SetTuple(unpackRef(leaf.refs[slot]))
		if err != nil {
			bt.rt.ReleaseShare(&leaf.hdr.Lock)
			bt.cur.locked = false
			return nil, errs.ErrNotFound
		}
		return payload, nil
	}
}

// reposition re-finds the cursor's last entry after its leaf lock was given
// up to a writer. When the exact entry is gone it settles on the successor
// (forward) or predecessor (backward) and reports exact=false, meaning the
// cursor already sits on the next entry to return. When the tree is
// exhausted in the travel direction the cursor is left unlocked.
func (bt *BTree) reposition(forward bool) (page, bool) {
	kl := int(bt.hdr.KeyLen)
	key := bt.cur.lastKey
	for {
		leaf, err := bt.descend(key, kl, CrabLock, forward)
		if err != nil {
			return page{}, false
		}
		if forward {
			pos := bt.lowerBound(leaf, key, kl)
			restart := false
			for {
				if pos >= int(leaf.hdr.Count) {
					if leaf.hdr.Next == nullPage {
						bt.rt.ReleaseShare(&leaf.hdr.Lock)
						bt.cur.locked = false
						return page{}, false
					}
					stepped, ok, err := bt.stepLeaf(leaf, leaf.hdr.Next)
					if err != nil {
						bt.cur.locked = false
						return page{}, false
					}
					if !ok {
						restart = true
						break
					}
					leaf = stepped
					pos = 0
					continue
				}
				if bt.ops.Compare(bt.key(leaf, pos), key, kl) != 0 {
					bt.setAt(leaf, pos) // entry gone; this is the successor
					return leaf, false
				}
				if leaf.refs[pos] == bt.cur.lastRef {
					bt.setAt(leaf, pos)
					return leaf, true
				}
				pos++
			}
			if restart {
				continue
			}
		}
		pos := bt.upperBound(leaf, key, kl) - 1
		restart := false
		for {
			if pos < 0 {
				if leaf.hdr.Prev == nullPage {
					bt.rt.ReleaseShare(&leaf.hdr.Lock)
					bt.cur.locked = false
					return page{}, false
				}
				stepped, ok, err := bt.stepLeaf(leaf, leaf.hdr.Prev)
				if err != nil {
					bt.cur.locked = false
					return page{}, false
				}
				if !ok {
					restart = true
					break
				}
				leaf = stepped
				pos = int(leaf.hdr.Count) - 1
				continue
			}
			if bt.ops.Compare(bt.key(leaf, pos), key, kl) != 0 {
				bt.setAt(leaf, pos) // entry gone; this is the predecessor
				return leaf, false
			}
			if leaf.refs[pos] == bt.cur.lastRef {
				bt.setAt(leaf, pos)
				return leaf, true
			}
			pos--
		}
		if restart {
			continue
		}
	}
}

// CursorNext advances to the next entry in key order and returns its tuple,
// or nil past the end. Crossing a leaf boundary takes the neighbor's share
// lock before releasing the prior one; a queued writer on the current leaf
// forces a release-and-reposition instead.
func (bt *BTree) CursorNext() []byte {
	return bt.cursorStep(true)
}

// CursorPrev steps backwards, the mirror of CursorNext.
func (bt *BTree) CursorPrev() []byte {
	return bt.cursorStep(false)
}

func (bt *BTree) cursorStep(forward bool) []byte {
	if bt == nil || bt.seg == nil || !bt.cur.locked {
		return nil
	}
	leaf, err := bt.pageAt(bt.cur.page)
	if err != nil {
		bt.cur.locked = false
		return nil
	}
	needAdvance := true
	if atomics.Load(&leaf.hdr.Lock)&locks.ShareExclusive != 0 {
		// A writer queued on our leaf; get out of its way.
		bt.rt.ReleaseShare(&leaf.hdr.Lock)
		bt.cur.locked = false
		var exact bool
		leaf, exact = bt.reposition(forward)
		if !bt.cur.locked {
			return nil
		}
		needAdvance = exact
	}
	for {
		if needAdvance {
			moved, stillLocked := bt.advance(&leaf, forward)
			if !stillLocked {
				var exact bool
				leaf, exact = bt.reposition(forward)
				if !bt.cur.locked {
					return nil
				}
				needAdvance = exact
				continue
			}
			if !moved {
				return nil
			}
		}
		needAdvance = true
		ref := unpackRef(leaf.refs[bt.cur.slot])
		bt.setAt(leaf, bt.cur.slot)
		payload, err := bt.tbl.SetTuple(ref)
		if err != nil {
			continue // the tuple flipped live to free; skip it
		}
		return payload
	}
}

// advance moves the cursor one slot in the travel direction, crossing leaf
// boundaries as needed. Returns moved=false (with the lock released and the
// cursor cleared) at either end of the tree, and stillLocked=false when a
// contended crossing forced the lock to be given up.
func (bt *BTree) advance(leaf *page, forward bool) (moved, stillLocked bool) {
	if forward {
		if bt.cur.slot+1 < int(leaf.hdr.Count) {
			bt.cur.slot++
			return true, true
		}
		next := leaf.hdr.Next
		if next == nullPage {
			bt.rt.ReleaseShare(&leaf.hdr.Lock)
			bt.cur.locked = false
			return false, true
		}
		stepped, ok, err := bt.stepLeaf(*leaf, next)
		if err != nil || !ok {
			bt.cur.locked = false
			if err != nil {
				return false, true
			}
			return false, false
		}
		*leaf = stepped
		bt.cur.page = stepped.idx
		bt.cur.slot = 0
		return true, true
	}
	if bt.cur.slot > 0 {
		bt.cur.slot--
		return true, true
	}
	prev := leaf.hdr.Prev
	if prev == nullPage {
		bt.rt.ReleaseShare(&leaf.hdr.Lock)
		bt.cur.locked = false
		return false, true
	}
	stepped, ok, err := bt.stepLeaf(*leaf, prev)
	if err != nil || !ok {
		bt.cur.locked = false
		if err != nil {
			return false, true
		}
		return false, false
	}
	*leaf = stepped
	bt.cur.page = stepped.idx
	bt.cur.slot = int(stepped.hdr.Count) - 1
	return true, true
}

// FreeCursor releases the cursor's leaf lock, if any.
func (bt *BTree) FreeCursor() {
	if bt == nil || bt.seg == nil || !bt.cur.locked {
		return
	}
	if leaf, err := bt.pageAt(bt.cur.page); err == nil {
		bt.rt.ReleaseShare(&leaf.hdr.Lock)
	}
	bt.cur.locked = false
}

package btree

import (
	"sort"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

// lowerBound returns the first slot whose key is >= key on the first n
// bytes.
func (bt *BTree) lowerBound(pg page, key []byte, n int) int {
	count := int(pg.hdr.Count)
	return sort.Search(count, func(i int) bool {
		return bt.ops.Compare(bt.key(pg, i), key, n) >= 0
	})
}

// upperBound returns the first slot whose key is > key on the first n
// bytes.
func (bt *BTree) upperBound(pg page, key []byte, n int) int {
	count := int(pg.hdr.Count)
	return sort.Search(count, func(i int) bool {
		return bt.ops.Compare(bt.key(pg, i), key, n) > 0
	})
}

// childFor picks the child to descend into. Separator i is a copy of the
// smallest key in child i, so the natural target is the last child whose
// separator is <= the search key. With firstBias (find-first searches) the
// walk aims one child earlier, because a run of equal keys can begin in the
// child before the first equal separator.
func (bt *BTree) childFor(pg page, key []byte, n int, firstBias bool) int {
	var i int
	if firstBias {
		i = bt.lowerBound(pg, key, n) - 1
	} else {
		i = bt.upperBound(pg, key, n) - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// descend walks from the root to the leaf that should hold key, returning
// the leaf with its share lock held.
//
// Optimistic descent locks only the page being read: it releases the parent
// before taking the child, then verifies the child still hangs off that
// parent and restarts from the root when a structural change moved it.
// Crab descent overlaps the two share locks instead, trading throughput for
// freedom from restarts.
func (bt *BTree) descend(key []byte, n int, mode ReadMode, firstBias bool) (page, error) {
	var attempts int64
restart:
	for {
		pg, err := bt.pageAt(atomics.Load(&bt.hdr.Root))
		if err != nil {
			return page{}, err
		}
		if err := bt.rt.Share(&pg.hdr.Lock); err != nil {
			return page{}, err
		}
		if pg.hdr.Parent != nullPage || pg.hdr.Leaf == pageFree { // root moved while we were locking
			bt.rt.ReleaseShare(&pg.hdr.Lock)
			bt.rt.Arbitrate(attempts)
			attempts++
			continue
		}
		for pg.hdr.Leaf == pageInternal {
			ci := bt.childFor(pg, key, n, firstBias)
			childIdx := uint32(pg.refs[ci])
			child, err := bt.pageAt(childIdx)
			if err != nil {
				bt.rt.ReleaseShare(&pg.hdr.Lock)
				return page{}, err
			}
			if mode == Optimistic {
				bt.rt.ReleaseShare(&pg.hdr.Lock)
				if err := bt.rt.Share(&child.hdr.Lock); err != nil {
					return page{}, err
				}
				if child.hdr.Parent != pg.idx { // the tree shifted under us
					bt.rt.ReleaseShare(&child.hdr.Lock)
					bt.rt.Arbitrate(attempts)
					attempts++
					continue restart
				}
			} else {
				if err := bt.rt.Share(&child.hdr.Lock); err != nil {
					bt.rt.ReleaseShare(&pg.hdr.Lock)
					return page{}, err
				}
				bt.rt.ReleaseShare(&pg.hdr.Lock)
			}
			pg = child
		}
		return pg, nil
	}
}

// stepLeaf moves a share lock from cur to the neighbor leaf next. It never
// waits while holding: when the neighbor is contended it releases cur
// and reports ok=false so the caller restarts, so lock cycles against
// writers swinging leaf links cannot form.
func (bt *BTree) stepLeaf(cur page, next uint32) (pg page, ok bool, err error) {
	if next == nullPage {
		return page{}, false, errs.ErrNotFound
	}
	npg, err := bt.pageAt(next)
	if err != nil {
		bt.rt.ReleaseShare(&cur.hdr.Lock)
		return page{}, false, err
	}
	if err := bt.rt.TryShare(&npg.hdr.Lock); err != nil {
		bt.rt.ReleaseShare(&cur.hdr.Lock)
		return page{}, false, nil // caller restarts from the root
	}
	if npg.hdr.Leaf != pageLeaf { // freed under our feet
		bt.rt.ReleaseShare(&npg.hdr.Lock)
		bt.rt.ReleaseShare(&cur.hdr.Lock)
		return page{}, false, nil
	}
	bt.rt.ReleaseShare(&cur.hdr.Lock)
	return npg, true, nil
}

// locateFirst finds the leftmost slot equal to key on n bytes, starting
// from a share-locked leaf and walking neighbors as needed. Returns the
// leaf (still locked) and slot, or ok=false when a lock conflict demands a
// restart.
func (bt *BTree) locateFirst(leaf page, key []byte, n int) (page, int, bool, error) {
	for {
		idx := bt.lowerBound(leaf, key, n)
		if idx < int(leaf.hdr.Count) {
			if bt.ops.Compare(bt.key(leaf, idx), key, n) != 0 {
				return leaf, 0, true, errs.ErrNotFound
			}
			// Equal runs can spill backwards across the leaf boundary.
			for idx == 0 && leaf.hdr.Prev != nullPage {
				prev, err := bt.pageAt(leaf.hdr.Prev)
				if err != nil {
					return leaf, 0, true, err
				}
				if prev.hdr.Count == 0 ||
					bt.ops.Compare(bt.key(prev, int(prev.hdr.Count)-1), key, n) != 0 {
					break
				}
				stepped, ok, err := bt.stepLeaf(leaf, leaf.hdr.Prev)
				if err != nil || !ok {
					return page{}, 0, ok, err
				}
				leaf = stepped
				idx = bt.lowerBound(leaf, key, n)
			}
			return leaf, idx, true, nil
		}
		// Everything here is smaller; the run, if any, starts next door.
		stepped, ok, err := bt.stepLeaf(leaf, leaf.hdr.Next)
		if err != nil {
			if err == errs.ErrNotFound {
				return leaf, 0, true, errs.ErrNotFound
			}
			return page{}, 0, false, err
		}
		if !ok {
			return page{}, 0, false, nil
		}
		leaf = stepped
	}
}

// locateLast finds the rightmost slot equal to key on n bytes, the mirror
// of locateFirst.
func (bt *BTree) locateLast(leaf page, key []byte, n int) (page, int, bool, error) {
	for {
		idx := bt.upperBound(leaf, key, n) - 1
		if idx >= 0 {
			if bt.ops.Compare(bt.key(leaf, idx), key, n) != 0 {
				return leaf, 0, true, errs.ErrNotFound
			}
			for idx == int(leaf.hdr.Count)-1 && leaf.hdr.Next != nullPage {
				next, err := bt.pageAt(leaf.hdr.Next)
				if err != nil {
					return leaf, 0, true, err
				}
				if next.hdr.Count == 0 ||
					bt.ops.Compare(bt.key(next, 0), key, n) != 0 {
					break
				}
				stepped, ok, err := bt.stepLeaf(leaf, leaf.hdr.Next)
				if err != nil || !ok {
					return page{}, 0, ok, err
				}
				leaf = stepped
				idx = bt.upperBound(leaf, key, n) - 1
			}
			return leaf, idx, true, nil
		}
		// Everything here is larger; no equal run can precede it.
		return leaf, 0, true, errs.ErrNotFound
	}
}

// locate positions on the slot matching key under matchMode, starting from
// a share-locked leaf.
func (bt *BTree) locate(leaf page, key []byte, n int, match MatchMode) (page, int, bool, error) {
	switch match {
	case Direct:
		kl := int(bt.hdr.KeyLen)
		idx := bt.lowerBound(leaf, key, kl)
		if idx < int(leaf.hdr.Count) && bt.ops.Compare(bt.key(leaf, idx), key, kl) == 0 {
			return leaf, idx, true, nil
		}
		return leaf, 0, true, errs.ErrNotFound
	case FindFirst:
		return bt.locateFirst(leaf, key, n)
	case FindLast:
		return bt.locateLast(leaf, key, n)
	}
	return leaf, 0, true, errs.ErrBadParameters
}

// FindTuple searches the tree and returns the matching tuple's payload,
// positioning the table's cursor on it so the caller can chain LockTuple or
// DeleteTuple. With Direct matching the full key length must compare equal;
// FindFirst and FindLast treat n as a prefix length and return the
// smallest/largest key whose prefix compares equal.
//
// The returned slice points into the table's shared memory; copy it before
// mutating anything, or hold a cursor instead.
func (bt *BTree) FindTuple(key []byte, mode ReadMode, match MatchMode, n int) ([]byte, error) {
	if bt == nil || bt.seg == nil || len(key) == 0 {
		return nil, errs.ErrBadParameters
	}
	if n <= 0 || n > int(bt.hdr.KeyLen) {
		n = int(bt.hdr.KeyLen)
	}
	for {
		leaf, err := bt.descend(key, n, mode, match == FindFirst)
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
			continue // lock conflict during a leaf walk; start over
		}
		ref := unpackRef(got.refs[slot])
		payload, err := bt.tbl.SetTuple(ref)
		bt.rt.ReleaseShare(&got.hdr.Lock)
		if err != nil {
			return nil, err
		}
		return payload, nil
	}
}

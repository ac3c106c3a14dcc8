package btree

import (
	"fmt"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

// Check walks the whole tree and verifies its structural invariants: key
// ordering within every page, separator keys matching each child's minimum,
// uniform leaf depth, the leaf chain consistent forwards and backwards, and
// every leaf entry referring to a live table slot whose extracted key still
// matches. A primary tree is additionally checked for key uniqueness.
//
// Writers are held off for the duration; intended for tests and rare user
// request, not steady state.
func (bt *BTree) Check() error {
	if bt == nil || bt.seg == nil {
		return errs.ErrBadParameters
	}
	if err := bt.rt.Acquire(&bt.hdr.TreeLock, bt.kilroy); err != nil {
		return err
	}
	defer bt.rt.Release(&bt.hdr.TreeLock, bt.kilroy)

	kl := int(bt.hdr.KeyLen)
	var leaves []uint32
	leafDepth := -1

	var walk func(idx, parent uint32, depth int) error
	walk = func(idx, parent uint32, depth int) error {
		pg, err := bt.pageAt(idx)
		if err != nil {
			return fmt.Errorf("page %d unresolvable: %w", idx, err)
		}
		if atomics.Load(&pg.hdr.Parent) != parent {
			return fmt.Errorf("page %d parent pointer: %w", idx, errs.ErrOperationFailed)
		}
		count := int(pg.hdr.Count)
		for i := 1; i < count; i++ {
			if bt.ops.Compare(bt.key(pg, i-1), bt.key(pg, i), kl) > 0 {
				return fmt.Errorf("page %d keys out of order at %d: %w", idx, i, errs.ErrOperationFailed)
			}
		}
		if pg.hdr.Leaf == pageLeaf {
			if leafDepth == -1 {
				leafDepth = depth
			} else if depth != leafDepth {
				return fmt.Errorf("leaf %d at depth %d, want %d: %w", idx, depth, leafDepth, errs.ErrOperationFailed)
			}
			leaves = append(leaves, idx)
			for i := 0; i < count; i++ {
				ref := unpackRef(pg.refs[i])
				payload, err := bt.tbl.SetTuple(ref)
				if err != nil {
					return fmt.Errorf("leaf %d slot %d dead tuple (%d,%d): %w", idx, i, ref.Block, ref.Slot, errs.ErrOperationFailed)
				}
				if bt.ops.Compare(bt.ops.Extract(payload), bt.key(pg, i), kl) != 0 {
					return fmt.Errorf("leaf %d slot %d stored key diverges from tuple: %w", idx, i, errs.ErrOperationFailed)
				}
			}
			return nil
		}
		if pg.hdr.Leaf != pageInternal {
			return fmt.Errorf("page %d on the free list is reachable: %w", idx, errs.ErrOperationFailed)
		}
		if count == 0 {
			return fmt.Errorf("internal page %d empty: %w", idx, errs.ErrOperationFailed)
		}
		for i := 0; i < count; i++ {
			child, err := bt.pageAt(uint32(pg.refs[i]))
			if err != nil {
				return fmt.Errorf("page %d child %d: %w", idx, i, err)
			}
			if child.hdr.Count > 0 &&
				bt.ops.Compare(bt.key(pg, i), bt.key(child, 0), kl) != 0 {
				return fmt.Errorf("page %d separator %d diverges from child minimum: %w", idx, i, errs.ErrOperationFailed)
			}
			if err := walk(uint32(pg.refs[i]), idx, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(atomics.Load(&bt.hdr.Root), nullPage, 0); err != nil {
		return err
	}

	// The leaf chain must mirror the in-order walk, both directions.
	if len(leaves) > 0 {
		if atomics.Load(&bt.hdr.Leftmost) != leaves[0] {
			return fmt.Errorf("leftmost pointer: %w", errs.ErrOperationFailed)
		}
		if atomics.Load(&bt.hdr.Rightmost) != leaves[len(leaves)-1] {
			return fmt.Errorf("rightmost pointer: %w", errs.ErrOperationFailed)
		}
	}
	for i, idx := range leaves {
		pg, err := bt.pageAt(idx)
		if err != nil {
			return err
		}
		wantPrev, wantNext := nullPage, nullPage
		if i > 0 {
			wantPrev = leaves[i-1]
		}
		if i < len(leaves)-1 {
			wantNext = leaves[i+1]
		}
		if pg.hdr.Prev != wantPrev || pg.hdr.Next != wantNext {
			return fmt.Errorf("leaf %d chain links: %w", idx, errs.ErrOperationFailed)
		}
	}

	// Adjacent keys across the leaf sequence must be non-decreasing, and
	// strictly increasing on a primary tree.
	var prevKey []byte
	for _, idx := range leaves {
		pg, err := bt.pageAt(idx)
		if err != nil {
			return err
		}
		for i := 0; i < int(pg.hdr.Count); i++ {
			k := bt.key(pg, i)
			if prevKey != nil {
				c := bt.ops.Compare(prevKey, k, kl)
				if c > 0 {
					return fmt.Errorf("leaf sequence out of order at page %d: %w", idx, errs.ErrOperationFailed)
				}
				if c == 0 && Kind(bt.hdr.Kind) == Primary {
					return fmt.Errorf("duplicate key in primary tree at page %d: %w", idx, errs.ErrOperationFailed)
				}
			}
			prevKey = append(prevKey[:0], k...)
		}
	}
	return nil
}

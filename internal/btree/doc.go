// Package btree implements the Atlas shared-memory B-tree: an
// order-preserving index over a shared table, living in its own segments
// and coordinated by the same user-space locks as everything else.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│ header segment (key)                         │
//	│   geometry · kind · root/leftmost/rightmost  │
//	│   tree lock · free page list                 │
//	├──────────────────────────────────────────────┤
//	│ page blocks (key+1 … key+n)                  │
//	│   page = {share lock, parent, leaf, count,   │
//	│           prev, next} + keys + refs          │
//	└──────────────────────────────────────────────┘
//
// Keys are fixed-width copies extracted from tuples by the KeyOps callbacks
// bound at construction. Leaf refs identify table slots by (block, slot);
// internal refs are child page indices. Separator key i of an internal page
// is a copy of the smallest key under child i. Leaves are doubly linked in
// key order.
//
// # Concurrency model
//
// Structural writers (insert, delete, load) serialize on the tree's
// exclusive lock; readers never take it. Each page carries a share lock:
//
//   - Searches descend optimistically (lock one page at a time, restart if
//     the tree shifted) or crab-style (overlap parent and child locks).
//   - A writer modifies a page only under a queued exclusive, so readers
//     already on the page drain out before bytes move.
//   - Cursors hold one leaf share lock between steps; a queued writer
//     forces the cursor's next step to release and reposition by its last
//     key. Multi-page writers take their exclusives in ascending
//     page-index order and never wait on a parent while holding a child.
//
// A reader that races a split or merge can transiently miss an entry that
// is mid-flight between pages; retries (and the optimistic restart path)
// absorb this. Readers never observe torn pages.
//
// # Primary and secondary trees
//
// A primary tree refuses duplicate keys, which the table turns into a
// rolled-back AddTuple. A secondary tree accepts duplicates and preserves
// insertion order within a run of equal keys; FindFirst/FindLast plus the
// leaf chain bound range scans over such runs.
package btree

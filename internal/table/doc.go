// Package table implements the Atlas shared-memory table: a growable arena
// of fixed-size tuples that multiple processes on one host operate on
// concurrently, coordinated entirely by user-space locks embedded in the
// shared region.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│ header segment (key)                         │
//	│   geometry · table lock · block directory    │
//	│   striped add lists · striped delete lists   │
//	├──────────────────────────────────────────────┤
//	│ block segments (key+1 … key+n)               │
//	│   slot = {lock, flags, next} + tuple payload │
//	└──────────────────────────────────────────────┘
//
// The header segment holds everything shared: the tuple geometry, the block
// directory, and the free-list heads, each list with its own spin lock. Each
// tuple block is its own segment so the table can grow without remapping;
// handles attach blocks lazily as they touch them.
//
// # Concurrency model
//
// The table's exclusive lock guards growth and free-list restructuring
// only. Steady-state work contends on nothing wider than a single free list
// or a single tuple:
//
//   - Inserts pop a slot from the caller's striped add list (chosen by
//     kilroy), so cooperating processes spread across the lists.
//   - Every live-tuple mutation happens under that slot's spin lock.
//   - Scans take no global lock; a cursor verifies each candidate slot's
//     liveness under the slot lock before returning it, so a tuple that
//     flips from live to free mid-step is skipped, never returned.
//
// Deleted tuples are queued on timed delete lists (when QueueChanges is
// set) rather than recycled immediately, so a cursor that saw a slot live
// cannot have the payload rewritten under it by an immediate reuse; a
// delete list is drained into the add pool once it holds at least half a
// growth block, checked whenever the list before it in the ring receives
// a delete.
//
// # Indexes
//
// Secondary structures (B-trees) register through Attach. AddTuple updates
// every attached index before it returns, rolling the insert back
// completely when any index refuses (a primary key collision, typically);
// DeleteTuple drops the tuple from every index before queueing the slot.
//
// # Persistence
//
// ExportTable/ImportTable move raw fixed-size records through a flat file.
// WriteTable/LoadTable snapshot the full structure — block layout, slot
// headers, free-list membership — for a warm restart.
package table

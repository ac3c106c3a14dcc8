// Package locks implements the user-space synchronization primitives Atlas
// uses to coordinate processes over shared memory: exclusive spin locks and
// reader-writer share locks, both operating on a single 32-bit word that may
// live anywhere — typically inside a mapped shared segment.
//
// # Lock words
//
// A lock word has two overlaid interpretations:
//
//   - Spin form: 0 means free; any non-zero value is the holder's kilroy, a
//     caller-chosen non-zero identity (for example the process id mixed with
//     a thread id). Release verifies the kilroy, so a foreign release is
//     detected rather than silently corrupting the lock.
//   - Share form: the low 28 bits count readers; the top four bits carry the
//     exclusive-intent flag (ShareExclusive, 0xF0000000). A writer holds the
//     lock iff the flag is set and the reader count is zero.
//
// # Blocking
//
// No primitive here ever enters the kernel to block. Contended acquisitions
// loop through an adaptive back-off owned by a Runtime: short busy spins
// first (only worthwhile on multi-processor hosts, where the holder can make
// progress on another core), then escalating micro-sleeps, finally whole
// seconds. Runtime.Arbitrate exposes the same schedule to callers that must
// back off while renegotiating several locks to avoid a deadlock.
//
// # Queued exclusives
//
// QueueExclusive installs write intent on a share lock and returns before
// the readers have drained. The caller later blocks in WaitQueueExclusive,
// or cancels with RemoveQueueExclusive. The B-tree uses this to reserve a
// page for modification while cursors already on the page finish their step.
package locks

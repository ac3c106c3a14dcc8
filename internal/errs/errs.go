// Package errs defines the stable error kinds shared by every layer of the
// Atlas core, from the atomic primitives up through the B-tree index.
//
// The core reports failures exclusively through these sentinels (possibly
// wrapped with additional context). It never aborts the process and never
// logs; recovery is always the caller's decision.
//
// Usage pattern:
//
//	if err := rt.Release(&word, kilroy); errors.Is(err, errs.ErrBadParameters) {
//	    // attempted to free a lock we do not own
//	}
package errs

import "errors"

// ErrBadParameters reports a nil pointer, an illegal key, or an attempt to
// release a lock the caller does not own.
var ErrBadParameters = errors.New("bad parameters")

// ErrOutOfMemory reports an allocation failure, either in host memory or in
// a shared segment (table full, page pool exhausted, arena exhausted).
var ErrOutOfMemory = errors.New("out of memory")

// ErrNotFound reports a key absent from an index, or a cursor positioned
// past either end of its table or tree.
var ErrNotFound = errors.New("not found")

// ErrObjectInUse reports that a non-blocking operation would have blocked,
// or that a create collided with an existing object of the same key.
var ErrObjectInUse = errors.New("object in use")

// ErrOperationFailed reports that an OS primitive rejected the request.
var ErrOperationFailed = errors.New("operation failed")

// ErrFile reports an I/O failure during import, export, save, or load.
var ErrFile = errors.New("file error")

// ErrUnsafeOperation reports an attempt to free a share lock's exclusive
// while readers remain, or to close an object that is still in use.
var ErrUnsafeOperation = errors.New("unsafe operation")

// ErrMaximumUsers is reserved for session-layer consumers of the core; the
// core itself never raises it.
var ErrMaximumUsers = errors.New("maximum users")

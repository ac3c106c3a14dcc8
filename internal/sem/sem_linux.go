// Package sem provides counted kernel semaphores shared between processes,
// named by a system-wide integer key.
//
// Unlike the user-space locks in internal/locks, waiting here happens in the
// kernel, and every operation carries undo-on-exit semantics: a holder that
// dies releases its lock and its attach count automatically.
//
// The implementation rides on SysV semaphores. Each Atlas semaphore is a
// group of three: sem 0 is the counted value, sem 1 is a process counter
// used to decide who removes the group on last detach, and sem 2 is a
// creation lock guarding initialization races. The protocol follows the
// classic Stevens treatment of making SysV groups safe to create
// concurrently.
package sem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dreamware/atlas/internal/errs"
)

// bigCount is the initial value of the process-counter sem. Every open
// decrements it; when a close brings it back here, the closer is the last
// process out and removes the group.
const bigCount = 10000

const (
	semValue   = 0 // the counted semaphore itself
	semProcs   = 1 // attach counter
	semCreate  = 2 // creation lock
	numSems    = 3
	semUndo    = 0x1000 // SEM_UNDO: kernel reverses the op if we exit
	semGetVal  = 12     // GETVAL
	semSetVal  = 16     // SETVAL
	semPerms   = 0o666
	semNoWait  = unix.IPC_NOWAIT
	semKeyNone = -1
)

// sembuf mirrors struct sembuf for semop(2).
type sembuf struct {
	num uint16
	op  int16
	flg int16
}

// KernelSem is a handle on one semaphore group. The zero value is unopened;
// call Create or Open before anything else, and Close when done.
type KernelSem struct {
	id int
}

// NewKernelSem returns an unopened handle.
func NewKernelSem() *KernelSem {
	return &KernelSem{id: -1}
}

func semget(key, nsems, flag int) (int, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), uintptr(flag))
	if errno != 0 {
		return -1, errno
	}
	return int(id), nil
}

func semop(id int, ops []sembuf) error {
	_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(id), uintptr(unsafe.Pointer(&ops[0])), uintptr(len(ops)))
	if errno != 0 {
		return errno
	}
	return nil
}

func semctl(id, num, cmd, val int) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(id), uintptr(num), uintptr(cmd), uintptr(val), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// Create makes a named kernel semaphore, initializing the counted value to 1
// and the process counter to the big sentinel. It is safe against a
// concurrent creator of the same key: the group lock plus a double-init
// check ensure exactly one initialization. Fails with errs.ErrObjectInUse on
// a handle that is already open and errs.ErrOperationFailed when the key
// already exists in the kernel.
func (s *KernelSem) Create(key int) error {
	if s.id > -1 {
		return errs.ErrObjectInUse
	}
	if key == unix.IPC_PRIVATE || key == semKeyNone || key == 0 {
		return errs.ErrBadParameters // not for private sems
	}
	for {
		id, err := semget(key, numSems, semPerms|unix.IPC_CREAT|unix.IPC_EXCL)
		if err != nil {
			return errs.ErrOperationFailed
		}
		// Lock the group against a racing creator.
		lock := []sembuf{
			{num: semCreate, op: 0, flg: 0},
			{num: semCreate, op: 1, flg: semUndo},
		}
		if err := semop(id, lock); err != nil {
			if err == unix.EINVAL { // the other creator removed it under us
				continue
			}
			return errs.ErrOperationFailed
		}
		val, err := semctl(id, semProcs, semGetVal, 0)
		if err != nil {
			return errs.ErrOperationFailed
		}
		if val == 0 { // nobody has initialized yet; that is our job
			if _, err := semctl(id, semValue, semSetVal, 1); err != nil {
				return errs.ErrOperationFailed
			}
			if _, err := semctl(id, semProcs, semSetVal, bigCount); err != nil {
				return errs.ErrOperationFailed
			}
		}
		// Count ourselves in and drop the creation lock.
		end := []sembuf{
			{num: semProcs, op: -1, flg: semUndo},
			{num: semCreate, op: -1, flg: semUndo},
		}
		if err := semop(id, end); err != nil {
			return errs.ErrOperationFailed
		}
		s.id = id
		return nil
	}
}

// Open attaches to an existing kernel semaphore, failing with
// errs.ErrOperationFailed when the key does not exist.
func (s *KernelSem) Open(key int) error {
	if s.id > -1 {
		return errs.ErrObjectInUse
	}
	if key == unix.IPC_PRIVATE || key == semKeyNone || key == 0 {
		return errs.ErrBadParameters
	}
	id, err := semget(key, numSems, 0)
	if err != nil {
		return errs.ErrOperationFailed
	}
	ops := []sembuf{{num: semProcs, op: -1, flg: semUndo}}
	if err := semop(id, ops); err != nil {
		return errs.ErrOperationFailed
	}
	s.id = id
	return nil
}

// GetLock decrements the semaphore, blocking until it succeeds.
func (s *KernelSem) GetLock() error {
	return s.op(-1, 0)
}

// TryLock decrements the semaphore without blocking, returning
// errs.ErrObjectInUse when the semaphore is already held.
func (s *KernelSem) TryLock() error {
	if err := s.op(-1, semNoWait); err != nil {
		return errs.ErrObjectInUse
	}
	return nil
}

// FreeLock increments the semaphore, releasing one waiter.
func (s *KernelSem) FreeLock() error {
	return s.op(1, 0)
}

func (s *KernelSem) op(delta int16, extraFlags int16) error {
	if s.id == -1 {
		return errs.ErrBadParameters
	}
	if delta == 0 {
		return errs.ErrBadParameters // zero assign is bad mojo
	}
	ops := []sembuf{{num: semValue, op: delta, flg: semUndo | extraFlags}}
	if err := semop(s.id, ops); err != nil {
		return errs.ErrOperationFailed
	}
	return nil
}

// Close detaches from the semaphore. The last process out removes the group
// from the kernel; everyone else just bumps the process counter back up.
func (s *KernelSem) Close() error {
	if s.id == -1 {
		return nil
	}
	ops := []sembuf{
		{num: semCreate, op: 0, flg: 0},
		{num: semCreate, op: 1, flg: semUndo},
		{num: semProcs, op: 1, flg: semUndo},
	}
	if err := semop(s.id, ops); err != nil {
		return errs.ErrOperationFailed
	}
	val, err := semctl(s.id, semProcs, semGetVal, 0)
	if err != nil {
		return errs.ErrOperationFailed
	}
	if val == bigCount {
		if _, err := semctl(s.id, semValue, unix.IPC_RMID, 0); err != nil {
			return errs.ErrOperationFailed
		}
	} else {
		unlock := []sembuf{{num: semCreate, op: -1, flg: semUndo}}
		if err := semop(s.id, unlock); err != nil {
			return errs.ErrOperationFailed
		}
	}
	s.id = -1
	return nil
}

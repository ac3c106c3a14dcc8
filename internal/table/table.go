// Package table implements the Atlas shared-memory table: a growable arena
// of fixed-size tuples shared by every process attached to its segments.
// See doc.go for the package overview.
package table

import (
	"unsafe"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/locks"
	"github.com/dreamware/atlas/internal/shmem"
)

const (
	tableMagic   = 0x42545441 // "ATTB", little-endian
	tableVersion = 1

	// maxBlocks bounds the block directory held in the table header.
	maxBlocks = 1024
	// maxLists bounds the add/delete free-list fan-out.
	maxLists = 16

	slotHdrSize = 16
)

// Slot flag bits.
const (
	slotLive    uint32 = 0x1
	slotDeleted uint32 = 0x2 // freed but queued for safe reuse
)

// nullRef is the nil value of a packed slot reference.
const nullRef = ^uint64(0)

// Ref identifies a tuple slot by opaque (block, slot) coordinates. B-tree
// leaves store these, and cursors can be positioned from them.
type Ref struct {
	Block uint32
	Slot  uint32
}

func (r Ref) pack() uint64   { return uint64(r.Block)<<32 | uint64(r.Slot) }
func unpackRef(v uint64) Ref { return Ref{Block: uint32(v >> 32), Slot: uint32(v)} }

// Index is the hook a secondary structure registers with Attach so the
// table can keep it current: AddTuple inserts into every attached index,
// rolling back on partial failure, and DeleteTuple removes from each; a
// failed Remove stops DeleteTuple without restoring entries already removed.
type Index interface {
	// Insert adds the tuple at ref to the index. A primary index fails with
	// errs.ErrObjectInUse when the tuple's key is already present.
	Insert(tuple []byte, ref Ref) error
	// Remove deletes the tuple at ref from the index.
	Remove(tuple []byte, ref Ref) error
}

// listHead is one striped free list: its own spin lock, an entry count, and
// the head of a chain linked through the slots' next fields.
type listHead struct {
	Lock  uint32
	Count uint32
	Head  uint64
}

// tableHdr sits at the base of the table's header segment and is shared by
// every attached process. Mutable fields are guarded by TableLock, by the
// individual list locks, or are accessed atomically.
type tableHdr struct {
	Magic        uint32
	Version      uint32
	Key          int32
	TupleSize    uint32
	InitialAlloc uint32
	GrowthAlloc  uint32
	QueueChanges uint32
	AddLists     uint32
	DelLists     uint32
	BlockCount   uint32
	LiveCount    uint32
	KilroyCount  uint32
	TableLock    uint32            // guards growth and free-list restructuring
	Blocks       [maxBlocks]uint32 // slot count per block
	Add          [maxLists]listHead
	Del          [maxLists]listHead
}

// slotHdr precedes every tuple payload in a block.
type slotHdr struct {
	Lock  uint32
	Flags uint32
	Next  uint64
}

// Config is the construction-time shape of a table.
type Config struct {
	// Key is the system-wide shared-memory id; blocks use Key+1+i.
	Key int
	// TupleSize is the payload size in bytes.
	TupleSize int
	// InitialAlloc and GrowthAlloc are slot counts for the first block and
	// each growth block.
	InitialAlloc int
	GrowthAlloc  int
	// QueueChanges holds deleted tuples on timed delete lists before
	// recycling them; when false deletes return straight to the add pool.
	QueueChanges bool
	// DeleteLists and AddLists set the free-list fan-out used to spread
	// contention; each list carries its own lock.
	DeleteLists int
	AddLists    int
	// Kilroy is the caller's non-zero identity.
	Kilroy uint32
}

// cursor tracks the handle's iteration position.
type cursor struct {
	block int32 // -1 before first, -2 after last
	slot  int32
}

const (
	curBeforeFirst int32 = -1
	curAfterLast   int32 = -2
)

// Table is one process's handle on a shared table. Handles are not safe for
// concurrent use; give each worker its own (the shared state underneath is
// what the locks protect).
type Table struct {
	rt      *locks.Runtime
	seg     *shmem.Segment
	hdr     *tableHdr
	blocks  []*shmem.Segment
	kilroy  uint32
	indexes []Index
	cur     cursor
}

// Stats is a point-in-time snapshot of table occupancy.
type Stats struct {
	Live   int // live tuples
	Free   int // slots on add lists
	Queued int // slots awaiting safe reuse on delete lists
	Blocks int // allocated blocks
	Slots  int // total slots across all blocks
}

func align8(n int) int { return (n + 7) &^ 7 }

// stride returns the byte stride of one slot in a block.
func (t *Table) stride() int {
	return slotHdrSize + align8(int(t.hdr.TupleSize))
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Key == 0,
		cfg.TupleSize <= 0,
		cfg.InitialAlloc <= 0,
		cfg.GrowthAlloc <= 0,
		cfg.AddLists <= 0 || cfg.AddLists > maxLists,
		cfg.DeleteLists <= 0 || cfg.DeleteLists > maxLists,
		cfg.Kilroy == 0:
		return errs.ErrBadParameters
	}
	return nil
}

// Create makes a new shared table: the header segment under cfg.Key and the
// first tuple block under cfg.Key+1. Fails with errs.ErrObjectInUse when the
// key is taken.
func Create(rt *locks.Runtime, cfg Config) (*Table, error) {
	if rt == nil {
		return nil, errs.ErrBadParameters
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	seg, err := shmem.Create(cfg.Key, int(unsafe.Sizeof(tableHdr{})))
	if err != nil {
		return nil, err
	}
	p, err := seg.Pointer(0, int(unsafe.Sizeof(tableHdr{})))
	if err != nil {
		seg.Detach()
		return nil, err
	}
	t := &Table{
		rt:     rt,
		seg:    seg,
		hdr:    (*tableHdr)(p),
		kilroy: cfg.Kilroy,
		cur:    cursor{block: curBeforeFirst},
	}
	h := t.hdr
	h.Version = tableVersion
	h.Key = int32(cfg.Key)
	h.TupleSize = uint32(cfg.TupleSize)
	h.InitialAlloc = uint32(cfg.InitialAlloc)
	h.GrowthAlloc = uint32(cfg.GrowthAlloc)
	if cfg.QueueChanges {
		h.QueueChanges = 1
	}
	h.AddLists = uint32(cfg.AddLists)
	h.DelLists = uint32(cfg.DeleteLists)
	for i := range h.Add {
		h.Add[i].Head = nullRef
	}
	for i := range h.Del {
		h.Del[i].Head = nullRef
	}
	h.KilroyCount = 1
	if err := t.addBlock(int(h.InitialAlloc)); err != nil {
		seg.Detach()
		return nil, err
	}
	// The magic goes in last so a concurrent Open never sees a half-built
	// header.
	atomics.Store(&h.Magic, tableMagic)
	return t, nil
}

// Open attaches to an existing shared table.
func Open(rt *locks.Runtime, key int, kilroy uint32) (*Table, error) {
	if rt == nil || key == 0 || kilroy == 0 {
		return nil, errs.ErrBadParameters
	}
	seg, err := shmem.Attach(key)
	if err != nil {
		return nil, err
	}
	p, err := seg.Pointer(0, int(unsafe.Sizeof(tableHdr{})))
	if err != nil {
		seg.Detach()
		return nil, err
	}
	t := &Table{
		rt:     rt,
		seg:    seg,
		hdr:    (*tableHdr)(p),
		kilroy: kilroy,
		cur:    cursor{block: curBeforeFirst},
	}
	if atomics.Load(&t.hdr.Magic) != tableMagic {
		seg.Detach()
		return nil, errs.ErrBadParameters
	}
	atomics.Inc(&t.hdr.KilroyCount)
	return t, nil
}

// Close detaches the handle from every segment. The table itself lives on
// until the last attached process closes it.
func (t *Table) Close() error {
	if t == nil || t.seg == nil {
		return errs.ErrBadParameters
	}
	atomics.Dec(&t.hdr.KilroyCount)
	for _, b := range t.blocks {
		if b != nil {
			b.Detach()
		}
	}
	t.blocks = nil
	err := t.seg.Detach()
	t.seg = nil
	t.hdr = nil
	t.indexes = nil
	return err
}

// Attach registers an index for maintenance by AddTuple and DeleteTuple.
func (t *Table) Attach(ix Index) {
	if ix == nil {
		return
	}
	t.indexes = append(t.indexes, ix)
}

// Detach unregisters a previously attached index.
func (t *Table) Detach(ix Index) {
	for i, have := range t.indexes {
		if have == ix {
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			return
		}
	}
}

// TupleSize returns the payload size this table was created with.
func (t *Table) TupleSize() int { return int(t.hdr.TupleSize) }

// Key returns the table's shared-memory key.
func (t *Table) Key() int { return int(t.hdr.Key) }

// Kilroy returns the identity this handle operates under.
func (t *Table) Kilroy() uint32 { return t.kilroy }

// Stats scans the free lists and block directory for a snapshot.
func (t *Table) Stats() Stats {
	var s Stats
	s.Live = int(atomics.Load(&t.hdr.LiveCount))
	n := int(atomics.Load(&t.hdr.BlockCount))
	s.Blocks = n
	for i := 0; i < n; i++ {
		s.Slots += int(t.hdr.Blocks[i])
	}
	for i := 0; i < int(t.hdr.AddLists); i++ {
		s.Free += int(atomics.Load(&t.hdr.Add[i].Count))
	}
	for i := 0; i < int(t.hdr.DelLists); i++ {
		s.Queued += int(atomics.Load(&t.hdr.Del[i].Count))
	}
	return s
}

// blockSeg resolves (attaching on demand) the segment holding block i.
func (t *Table) blockSeg(i int) (*shmem.Segment, error) {
	if i < 0 || i >= int(atomics.Load(&t.hdr.BlockCount)) {
		return nil, errs.ErrBadParameters
	}
	for len(t.blocks) <= i {
		t.blocks = append(t.blocks, nil)
	}
	if t.blocks[i] == nil {
		seg, err := shmem.Attach(int(t.hdr.Key) + 1 + i)
		if err != nil {
			return nil, err
		}
		t.blocks[i] = seg
	}
	return t.blocks[i], nil
}

// slotAt resolves a slot's header and payload, bounds-checked against the
// block geometry.
func (t *Table) slotAt(ref Ref) (*slotHdr, []byte, error) {
	if ref.Block >= atomics.Load(&t.hdr.BlockCount) || ref.Slot >= t.hdr.Blocks[ref.Block] {
		return nil, nil, errs.ErrBadParameters
	}
	seg, err := t.blockSeg(int(ref.Block))
	if err != nil {
		return nil, nil, err
	}
	off := int(ref.Slot) * t.stride()
	p, err := seg.Pointer(off, t.stride())
	if err != nil {
		return nil, nil, err
	}
	payload := seg.Bytes()[off+slotHdrSize : off+slotHdrSize+int(t.hdr.TupleSize)]
	return (*slotHdr)(p), payload, nil
}

// addBlock allocates and chains a fresh tuple block. Caller must hold the
// table lock (or be the creating process before the table is published).
func (t *Table) addBlock(slots int) error {
	n := int(t.hdr.BlockCount)
	if n >= maxBlocks {
		return errs.ErrOutOfMemory
	}
	seg, err := shmem.Create(int(t.hdr.Key)+1+n, slots*t.stride())
	if err != nil {
		return err
	}
	for len(t.blocks) <= n {
		t.blocks = append(t.blocks, nil)
	}
	t.blocks[n] = seg
	t.hdr.Blocks[n] = uint32(slots)
	atomics.Store(&t.hdr.BlockCount, uint32(n+1))
	// Chain every new slot across the add lists round-robin.
	for s := 0; s < slots; s++ {
		ref := Ref{Block: uint32(n), Slot: uint32(s)}
		hdr, _, err := t.slotAt(ref)
		if err != nil {
			return err
		}
		hdr.Lock = 0
		hdr.Flags = 0
		t.pushFree(&t.hdr.Add[s%int(t.hdr.AddLists)], hdr, ref)
	}
	return nil
}

// pushFree links a slot onto a free list under that list's lock.
func (t *Table) pushFree(list *listHead, hdr *slotHdr, ref Ref) {
	t.rt.Acquire(&list.Lock, t.kilroy)
	hdr.Next = list.Head
	list.Head = ref.pack()
	atomics.Inc(&list.Count)
	t.rt.Release(&list.Lock, t.kilroy)
}

// popFree unlinks the head slot of a free list, returning nullRef when the
// list is empty.
func (t *Table) popFree(list *listHead) uint64 {
	t.rt.Acquire(&list.Lock, t.kilroy)
	head := list.Head
	if head != nullRef {
		hdr, _, err := t.slotAt(unpackRef(head))
		if err != nil {
			head = nullRef // directory raced ahead of us; treat as empty
		} else {
			list.Head = hdr.Next
			atomics.Dec(&list.Count)
			hdr.Next = nullRef
		}
	}
	t.rt.Release(&list.Lock, t.kilroy)
	return head
}

// grow extends the table by one growth block under the table's exclusive
// lock, rechecking the add lists first in case another process grew while
// we waited.
func (t *Table) grow() error {
	t.rt.Acquire(&t.hdr.TableLock, t.kilroy)
	defer t.rt.Release(&t.hdr.TableLock, t.kilroy)
	for i := 0; i < int(t.hdr.AddLists); i++ {
		if atomics.Load(&t.hdr.Add[i].Count) > 0 {
			return nil
		}
	}
	return t.addBlock(int(t.hdr.GrowthAlloc))
}

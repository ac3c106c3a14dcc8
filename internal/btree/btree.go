// Package btree implements the Atlas shared-memory B-tree index.
// See doc.go for the package overview.
package btree

import (
	"unsafe"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/locks"
	"github.com/dreamware/atlas/internal/shmem"
	"github.com/dreamware/atlas/internal/table"
)

const (
	btreeMagic   = 0x54425441 // "ATBT", little-endian
	btreeVersion = 1

	// maxPageBlocks bounds the page-block directory.
	maxPageBlocks = 1024

	pageHdrSize = 24

	// nullPage is the nil page index.
	nullPage = ^uint32(0)

	// Leaf-flag values. pageFree marks a page on the free list so a stale
	// cursor or descent that reaches it knows to restart.
	pageInternal = 0
	pageLeaf     = 1
	pageFree     = 2
)

// Kind selects between a unique and a duplicate-accepting index.
type Kind uint32

const (
	// Primary rejects inserts whose key already exists.
	Primary Kind = 1
	// Secondary accepts duplicate keys, preserving insertion order within
	// runs of equal keys.
	Secondary Kind = 2
)

// ReadMode selects the descent discipline for searches.
type ReadMode int

const (
	// Optimistic descends without holding parent locks, rechecking after
	// each step and restarting from the root when a structural change moved
	// the child. Fastest on read-mostly trees.
	Optimistic ReadMode = iota
	// CrabLock holds the parent's share lock until the child's is taken.
	// Slower, but immune to restarts.
	CrabLock
)

// MatchMode selects how a search key must relate to the stored keys.
type MatchMode int

const (
	// Direct requires exact equality over the full key length.
	Direct MatchMode = iota
	// FindFirst locates the smallest key equal to the search prefix.
	FindFirst
	// FindLast locates the largest key equal to the search prefix.
	FindLast
)

// KeyOps supplies the key callbacks a tree is built around: extraction of
// the key bytes from a tuple, and an ordering over key bytes. Compare must
// be a total order and consistent between calls; an inconsistent comparator
// leaves the tree undefined (Check will detect the damage).
type KeyOps interface {
	// Extract returns the key bytes of a tuple. At least KeyLen bytes must
	// be valid.
	Extract(tuple []byte) []byte
	// Compare orders a against b, considering the first n bytes; negative
	// when a < b, zero when equal, positive when a > b.
	Compare(a, b []byte, n int) int
}

// Config is the construction-time shape of a tree.
type Config struct {
	// Key is the system-wide shared-memory id; page blocks use Key+1+i.
	Key int
	// Table is the table the tree indexes. The tree registers itself with
	// the table so inserts and deletes keep it current.
	Table *table.Table
	// Ops supplies key extraction and comparison.
	Ops KeyOps
	// KeyLen is the fixed width of stored keys in bytes.
	KeyLen int
	// KeysPerPage is the per-page key budget.
	KeysPerPage int
	// PagesPerBlock is how many pages each growth allocation adds.
	PagesPerBlock int
	// Kind selects Primary or Secondary behavior.
	Kind Kind
	// Kilroy is the caller's non-zero identity.
	Kilroy uint32
}

// btreeHdr sits at the base of the tree's header segment.
type btreeHdr struct {
	Magic         uint32
	Version       uint32
	Key           int32
	TableKey      int32
	KeyLen        uint32
	KeysPerPage   uint32
	PagesPerBlock uint32
	Kind          uint32
	Root          uint32
	Leftmost      uint32
	Rightmost     uint32
	PageCount     uint32 // pages ever allocated, free ones included
	BlockCount    uint32
	FreeHead      uint32 // free page list, linked through page Next
	TreeLock      uint32 // spin: serializes structural writers
	KilroyCount   uint32
}

// pageHdr leads every page. When a page is on the free list, Next carries
// the free-list link.
type pageHdr struct {
	Lock   uint32 // share lock; writers use the queued-exclusive protocol
	Parent uint32
	Leaf   uint32
	Count  uint32
	Prev   uint32
	Next   uint32
}

// page is a resolved view of one page: header plus key and ref areas.
type page struct {
	idx  uint32
	hdr  *pageHdr
	keys []byte   // KeysPerPage keys of KeyLen bytes each
	refs []uint64 // leaf: packed table refs; internal: child page indices
}

// cursorState tracks the handle's position in the tree. lastKey/lastRef
// allow repositioning when a queued writer forces the cursor off its leaf.
type cursorState struct {
	page    uint32
	slot    int
	locked  bool
	lastKey []byte
	lastRef uint64
}

// BTree is one process's handle on a shared tree. Like table handles, a
// BTree handle is not safe for concurrent use; the shared structure
// underneath is what the page locks protect.
type BTree struct {
	rt     *locks.Runtime
	seg    *shmem.Segment
	hdr    *btreeHdr
	blocks []*shmem.Segment
	tbl    *table.Table
	ops    KeyOps
	kilroy uint32
	cur    cursorState
}

func align8(n int) int { return (n + 7) &^ 7 }

func (bt *BTree) keysOff() int { return pageHdrSize }
func (bt *BTree) refsOff() int {
	return pageHdrSize + align8(int(bt.hdr.KeysPerPage)*int(bt.hdr.KeyLen))
}
func (bt *BTree) pageStride() int {
	return align8(bt.refsOff() + int(bt.hdr.KeysPerPage)*8)
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Key == 0,
		cfg.Table == nil,
		cfg.Ops == nil,
		cfg.KeyLen <= 0,
		cfg.KeysPerPage < 4,
		cfg.PagesPerBlock <= 0,
		cfg.Kind != Primary && cfg.Kind != Secondary,
		cfg.Kilroy == 0:
		return errs.ErrBadParameters
	}
	return nil
}

// Create makes a new shared tree over cfg.Table and registers it with the
// table. The tree starts as a single empty leaf.
func Create(rt *locks.Runtime, cfg Config) (*BTree, error) {
	if rt == nil {
		return nil, errs.ErrBadParameters
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	seg, err := shmem.Create(cfg.Key, int(unsafe.Sizeof(btreeHdr{})))
	if err != nil {
		return nil, err
	}
	p, err := seg.Pointer(0, int(unsafe.Sizeof(btreeHdr{})))
	if err != nil {
		seg.Detach()
		return nil, err
	}
	bt := &BTree{
		rt:     rt,
		seg:    seg,
		hdr:    (*btreeHdr)(p),
		tbl:    cfg.Table,
		ops:    cfg.Ops,
		kilroy: cfg.Kilroy,
	}
	h := bt.hdr
	h.Version = btreeVersion
	h.Key = int32(cfg.Key)
	h.TableKey = int32(cfg.Table.Key())
	h.KeyLen = uint32(cfg.KeyLen)
	h.KeysPerPage = uint32(cfg.KeysPerPage)
	h.PagesPerBlock = uint32(cfg.PagesPerBlock)
	h.Kind = uint32(cfg.Kind)
	h.Root = nullPage
	h.Leftmost = nullPage
	h.Rightmost = nullPage
	h.FreeHead = nullPage
	h.KilroyCount = 1
	root, err := bt.allocPage(true)
	if err != nil {
		seg.Detach()
		return nil, err
	}
	root.hdr.Parent = nullPage
	h.Root = root.idx
	h.Leftmost = root.idx
	h.Rightmost = root.idx
	atomics.Store(&h.Magic, btreeMagic)
	cfg.Table.Attach(bt)
	return bt, nil
}

// Open attaches to an existing shared tree and registers it with the table.
// The key callbacks must be the same ones the tree was created with; the
// tree can only verify the geometry, not the code.
func Open(rt *locks.Runtime, key int, tbl *table.Table, ops KeyOps, kilroy uint32) (*BTree, error) {
	if rt == nil || key == 0 || tbl == nil || ops == nil || kilroy == 0 {
		return nil, errs.ErrBadParameters
	}
	seg, err := shmem.Attach(key)
	if err != nil {
		return nil, err
	}
	p, err := seg.Pointer(0, int(unsafe.Sizeof(btreeHdr{})))
	if err != nil {
		seg.Detach()
		return nil, err
	}
	bt := &BTree{
		rt:     rt,
		seg:    seg,
		hdr:    (*btreeHdr)(p),
		tbl:    tbl,
		ops:    ops,
		kilroy: kilroy,
	}
	if atomics.Load(&bt.hdr.Magic) != btreeMagic || int(bt.hdr.TableKey) != tbl.Key() {
		seg.Detach()
		return nil, errs.ErrBadParameters
	}
	atomics.Inc(&bt.hdr.KilroyCount)
	tbl.Attach(bt)
	return bt, nil
}

// CreateFromFile creates a tree and loads a WriteBTree image into it.
func CreateFromFile(rt *locks.Runtime, path string, cfg Config) (*BTree, error) {
	bt, err := Create(rt, cfg)
	if err != nil {
		return nil, err
	}
	if err := bt.LoadBTree(path); err != nil {
		bt.Close()
		return nil, err
	}
	return bt, nil
}

// Close releases the cursor, unregisters from the table, and detaches. The
// shared tree lives on until the last attached process closes it.
func (bt *BTree) Close() error {
	if bt == nil || bt.seg == nil {
		return errs.ErrBadParameters
	}
	bt.FreeCursor()
	bt.tbl.Detach(bt)
	atomics.Dec(&bt.hdr.KilroyCount)
	for _, b := range bt.blocks {
		if b != nil {
			b.Detach()
		}
	}
	bt.blocks = nil
	err := bt.seg.Detach()
	bt.seg = nil
	bt.hdr = nil
	return err
}

// Kind reports whether the tree is primary or secondary.
func (bt *BTree) Kind() Kind { return Kind(bt.hdr.Kind) }

// KeyLen reports the fixed key width.
func (bt *BTree) KeyLen() int { return int(bt.hdr.KeyLen) }

// blockSeg resolves (attaching on demand) the segment holding page block i.
func (bt *BTree) blockSeg(i int) (*shmem.Segment, error) {
	if i < 0 || i >= int(atomics.Load(&bt.hdr.BlockCount)) {
		return nil, errs.ErrBadParameters
	}
	for len(bt.blocks) <= i {
		bt.blocks = append(bt.blocks, nil)
	}
	if bt.blocks[i] == nil {
		seg, err := shmem.Attach(int(bt.hdr.Key) + 1 + i)
		if err != nil {
			return nil, err
		}
		bt.blocks[i] = seg
	}
	return bt.blocks[i], nil
}

// pageAt resolves a page view by index.
func (bt *BTree) pageAt(idx uint32) (page, error) {
	if idx == nullPage || idx >= atomics.Load(&bt.hdr.PageCount) {
		return page{}, errs.ErrBadParameters
	}
	per := int(bt.hdr.PagesPerBlock)
	seg, err := bt.blockSeg(int(idx) / per)
	if err != nil {
		return page{}, err
	}
	off := (int(idx) % per) * bt.pageStride()
	p, err := seg.Pointer(off, bt.pageStride())
	if err != nil {
		return page{}, err
	}
	buf := seg.Bytes()
	keys := buf[off+bt.keysOff() : off+bt.refsOff()]
	refs := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[off+bt.refsOff()])), int(bt.hdr.KeysPerPage))
	return page{idx: idx, hdr: (*pageHdr)(p), keys: keys, refs: refs}, nil
}

// key returns the i'th key of a page.
func (bt *BTree) key(pg page, i int) []byte {
	kl := int(bt.hdr.KeyLen)
	return pg.keys[i*kl : (i+1)*kl]
}

// addPageBlock grows the page pool by one block, chaining every new page
// onto the free list. Caller holds the tree lock.
func (bt *BTree) addPageBlock() error {
	n := int(bt.hdr.BlockCount)
	if n >= maxPageBlocks {
		return errs.ErrOutOfMemory
	}
	per := int(bt.hdr.PagesPerBlock)
	seg, err := shmem.Create(int(bt.hdr.Key)+1+n, per*bt.pageStride())
	if err != nil {
		return err
	}
	for len(bt.blocks) <= n {
		bt.blocks = append(bt.blocks, nil)
	}
	bt.blocks[n] = seg
	atomics.Store(&bt.hdr.BlockCount, uint32(n+1))
	base := atomics.Load(&bt.hdr.PageCount)
	atomics.Store(&bt.hdr.PageCount, base+uint32(per))
	for i := per - 1; i >= 0; i-- {
		pg, err := bt.pageAt(base + uint32(i))
		if err != nil {
			return err
		}
		pg.hdr.Lock = 0
		pg.hdr.Leaf = pageFree
		pg.hdr.Count = 0
		pg.hdr.Parent = nullPage
		pg.hdr.Prev = nullPage
		pg.hdr.Next = bt.hdr.FreeHead
		bt.hdr.FreeHead = pg.idx
	}
	return nil
}

// allocPage takes a page off the free list, growing the pool when empty,
// and initializes it. Caller holds the tree lock (or is the creator before
// the tree is published).
func (bt *BTree) allocPage(leaf bool) (page, error) {
	if bt.hdr.FreeHead == nullPage {
		if err := bt.addPageBlock(); err != nil {
			return page{}, err
		}
	}
	pg, err := bt.pageAt(bt.hdr.FreeHead)
	if err != nil {
		return page{}, err
	}
	bt.hdr.FreeHead = pg.hdr.Next
	pg.hdr.Lock = 0
	pg.hdr.Count = 0
	pg.hdr.Parent = nullPage
	pg.hdr.Prev = nullPage
	pg.hdr.Next = nullPage
	if leaf {
		pg.hdr.Leaf = pageLeaf
	} else {
		pg.hdr.Leaf = pageInternal
	}
	return pg, nil
}

// freePage returns a page to the free list. Caller holds the tree lock.
func (bt *BTree) freePage(pg page) {
	pg.hdr.Leaf = pageFree
	pg.hdr.Count = 0
	pg.hdr.Parent = nullPage
	pg.hdr.Prev = nullPage
	pg.hdr.Next = bt.hdr.FreeHead
	bt.hdr.FreeHead = pg.idx
}

// packRef packs a table reference for a leaf entry.
func packRef(r table.Ref) uint64 { return uint64(r.Block)<<32 | uint64(r.Slot) }

// unpackRef recovers a table reference from a leaf entry.
func unpackRef(v uint64) table.Ref { return table.Ref{Block: uint32(v >> 32), Slot: uint32(v)} }

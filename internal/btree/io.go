package btree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

func fileErr(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrFile, err)
}

// WriteBTree serializes the tree to a file, pages in index order after a
// geometry header, little-endian throughout. Leaf refs are written as
// (block, slot) pairs, internal refs as child page indices; page lock
// words are not persisted. Writers are held off for the duration.
func (bt *BTree) WriteBTree(path string) error {
	if bt == nil || bt.seg == nil || path == "" {
		return errs.ErrBadParameters
	}
	if err := bt.rt.Acquire(&bt.hdr.TreeLock, bt.kilroy); err != nil {
		return err
	}
	defer bt.rt.Release(&bt.hdr.TreeLock, bt.kilroy)

	f, err := os.Create(path)
	if err != nil {
		return fileErr(err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 65536)

	if _, err := w.Write([]byte("ATBT")); err != nil {
		return fileErr(err)
	}
	for _, v := range []uint32{btreeVersion, bt.hdr.KeyLen, bt.hdr.KeysPerPage, bt.hdr.PagesPerBlock} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fileErr(err)
		}
	}
	if err := w.WriteByte(byte(bt.hdr.Kind)); err != nil {
		return fileErr(err)
	}
	pageCount := atomics.Load(&bt.hdr.PageCount)
	for _, v := range []uint32{
		atomics.Load(&bt.hdr.Root),
		atomics.Load(&bt.hdr.Leftmost),
		atomics.Load(&bt.hdr.Rightmost),
		pageCount,
		uint32(bt.hdr.TableKey),
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fileErr(err)
		}
	}

	kl := int(bt.hdr.KeyLen)
	for idx := uint32(0); idx < pageCount; idx++ {
		pg, err := bt.pageAt(idx)
		if err != nil {
			return err
		}
		if err := w.WriteByte(byte(pg.hdr.Leaf)); err != nil {
			return fileErr(err)
		}
		count := int(pg.hdr.Count)
		for _, v := range []uint32{pg.hdr.Parent, uint32(count), pg.hdr.Prev, pg.hdr.Next} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return fileErr(err)
			}
		}
		if _, err := w.Write(pg.keys[:count*kl]); err != nil {
			return fileErr(err)
		}
		for i := 0; i < count; i++ {
			if pg.hdr.Leaf == pageLeaf {
				ref := unpackRef(pg.refs[i])
				if err := binary.Write(w, binary.LittleEndian, ref.Block); err != nil {
					return fileErr(err)
				}
				if err := binary.Write(w, binary.LittleEndian, ref.Slot); err != nil {
					return fileErr(err)
				}
			} else {
				if err := binary.Write(w, binary.LittleEndian, uint32(pg.refs[i])); err != nil {
					return fileErr(err)
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fileErr(err)
	}
	return nil
}

// LoadBTree restores a WriteBTree image into this tree, which must be
// freshly created with the same geometry and kind over the same table
// layout. The free-page list is rebuilt from the image's free pages.
func (bt *BTree) LoadBTree(path string) error {
	if bt == nil || bt.seg == nil || path == "" {
		return errs.ErrBadParameters
	}
	if err := bt.rt.Acquire(&bt.hdr.TreeLock, bt.kilroy); err != nil {
		return err
	}
	defer bt.rt.Release(&bt.hdr.TreeLock, bt.kilroy)

	// Only an empty tree may be loaded into.
	root, err := bt.pageAt(atomics.Load(&bt.hdr.Root))
	if err != nil {
		return err
	}
	if root.hdr.Leaf != pageLeaf || root.hdr.Count != 0 {
		return errs.ErrObjectInUse
	}

	f, err := os.Open(path)
	if err != nil {
		return fileErr(err)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 65536)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fileErr(err)
	}
	if string(magic[:]) != "ATBT" {
		return errs.ErrBadParameters
	}
	var version, keyLen, keysPer, pagesPer uint32
	if err := readU32s(r, &version, &keyLen, &keysPer, &pagesPer); err != nil {
		return err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return fileErr(err)
	}
	if version != btreeVersion || keyLen != bt.hdr.KeyLen ||
		keysPer != bt.hdr.KeysPerPage || pagesPer != bt.hdr.PagesPerBlock ||
		uint32(kindByte) != bt.hdr.Kind {
		return errs.ErrBadParameters
	}
	var rootIdx, leftmost, rightmost, pageCount, tableKey uint32
	if err := readU32s(r, &rootIdx, &leftmost, &rightmost, &pageCount, &tableKey); err != nil {
		return err
	}
	if tableKey != uint32(bt.hdr.TableKey) {
		return errs.ErrBadParameters
	}
	if pageCount%pagesPer != 0 || pageCount == 0 {
		return errs.ErrBadParameters
	}
	for atomics.Load(&bt.hdr.PageCount) < pageCount {
		if err := bt.addPageBlock(); err != nil {
			return err
		}
	}
	if atomics.Load(&bt.hdr.PageCount) != pageCount {
		return errs.ErrBadParameters
	}

	kl := int(keyLen)
	bt.hdr.FreeHead = nullPage
	for idx := uint32(0); idx < pageCount; idx++ {
		pg, err := bt.pageAt(idx)
		if err != nil {
			return err
		}
		leafByte, err := r.ReadByte()
		if err != nil {
			return fileErr(err)
		}
		var parent, count, prev, next uint32
		if err := readU32s(r, &parent, &count, &prev, &next); err != nil {
			return err
		}
		if count > keysPer {
			return errs.ErrBadParameters
		}
		if _, err := io.ReadFull(r, pg.keys[:int(count)*kl]); err != nil {
			return fileErr(err)
		}
		for i := 0; i < int(count); i++ {
			if leafByte == pageLeaf {
				var block, slot uint32
				if err := readU32s(r, &block, &slot); err != nil {
					return err
				}
				pg.refs[i] = uint64(block)<<32 | uint64(slot)
			} else {
				var child uint32
				if err := readU32s(r, &child); err != nil {
					return err
				}
				pg.refs[i] = uint64(child)
			}
		}
		pg.hdr.Lock = 0
		pg.hdr.Leaf = uint32(leafByte)
		pg.hdr.Count = count
		pg.hdr.Parent = parent
		pg.hdr.Prev = prev
		pg.hdr.Next = next
	}
	// Chain the image's free pages back into the free list.
	for idx := pageCount; idx > 0; idx-- {
		pg, err := bt.pageAt(idx - 1)
		if err != nil {
			return err
		}
		if pg.hdr.Leaf == pageFree {
			pg.hdr.Next = bt.hdr.FreeHead
			bt.hdr.FreeHead = pg.idx
		}
	}
	atomics.Store(&bt.hdr.Root, rootIdx)
	atomics.Store(&bt.hdr.Leftmost, leftmost)
	atomics.Store(&bt.hdr.Rightmost, rightmost)
	return nil
}

func readU32s(r io.Reader, vs ...*uint32) error {
	for _, v := range vs {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fileErr(err)
		}
	}
	return nil
}

package table

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dreamware/atlas/internal/atomics"
	"github.com/dreamware/atlas/internal/errs"
)

// fileErr wraps an OS failure under the stable file-error kind.
func fileErr(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrFile, err)
}

// ExportTable writes every live tuple, in iteration order, to a fixed-record
// flat file: a raw stream of tuple-size byte records with no header. Only
// len(buf) is used: it sets the size of the write buffer (32-64k
// recommended); a nil or sub-tuple buf selects 64k.
func (t *Table) ExportTable(path string, buf []byte) error {
	if t == nil || t.seg == nil || path == "" {
		return errs.ErrBadParameters
	}
	if len(buf) < int(t.hdr.TupleSize) {
		buf = make([]byte, 65536)
	}
	f, err := os.Create(path)
	if err != nil {
		return fileErr(err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, len(buf))
	t.ResetCursor()
	for payload := t.NextTuple(); payload != nil; payload = t.NextTuple() {
		if _, err := w.Write(payload); err != nil {
			return fileErr(err)
		}
	}
	if err := w.Flush(); err != nil {
		return fileErr(err)
	}
	return nil
}

// ImportTable bulk-loads tuples from a fixed-record flat file of the kind
// ExportTable writes. Each record is added through the normal AddTuple path,
// so attached indexes are maintained and a primary-key collision aborts the
// import with the offending record un-added.
func (t *Table) ImportTable(path string, buf []byte) error {
	if t == nil || t.seg == nil || path == "" {
		return errs.ErrBadParameters
	}
	size := int(t.hdr.TupleSize)
	if len(buf) < size {
		buf = make([]byte, 65536)
	}
	f, err := os.Open(path)
	if err != nil {
		return fileErr(err)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, len(buf))
	rec := make([]byte, size)
	for {
		if _, err := io.ReadFull(r, rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fileErr(err)
		}
		if _, err := t.AddTuple(rec); err != nil {
			return err
		}
		if err := t.UnlockTuple(); err != nil {
			return err
		}
	}
}

// WriteTable saves the full internal structure — header geometry, block
// layout, slot headers, and payloads — for a fast warm start via LoadTable.
// Lock words are written as zero. The format is little-endian:
//
//	magic "ATTB", version u32, tuple_size u32, block_count u32,
//	blocks_slots[block_count] u32, add_list_count u32, del_list_count u32,
//	flush_policy u8, then per block: slot_count u32 and per slot
//	{lock=0 u32, flags u32, next u64, tuple bytes}.
func (t *Table) WriteTable(path string) error {
	if t == nil || t.seg == nil || path == "" {
		return errs.ErrBadParameters
	}
	f, err := os.Create(path)
	if err != nil {
		return fileErr(err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 65536)

	t.rt.Acquire(&t.hdr.TableLock, t.kilroy)
	defer t.rt.Release(&t.hdr.TableLock, t.kilroy)

	n := int(atomics.Load(&t.hdr.BlockCount))
	if _, err := w.Write([]byte("ATTB")); err != nil {
		return fileErr(err)
	}
	head := make([]uint32, 0, 5+n)
	head = append(head, tableVersion, t.hdr.TupleSize, uint32(n))
	for i := 0; i < n; i++ {
		head = append(head, t.hdr.Blocks[i])
	}
	head = append(head, t.hdr.AddLists, t.hdr.DelLists)
	for _, v := range head {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fileErr(err)
		}
	}
	if err := w.WriteByte(byte(t.hdr.QueueChanges)); err != nil {
		return fileErr(err)
	}
	for b := 0; b < n; b++ {
		slots := int(t.hdr.Blocks[b])
		if err := binary.Write(w, binary.LittleEndian, uint32(slots)); err != nil {
			return fileErr(err)
		}
		for s := 0; s < slots; s++ {
			hdr, payload, err := t.slotAt(Ref{Block: uint32(b), Slot: uint32(s)})
			if err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil {
				return fileErr(err)
			}
			if err := binary.Write(w, binary.LittleEndian, atomics.Load(&hdr.Flags)); err != nil {
				return fileErr(err)
			}
			if err := binary.Write(w, binary.LittleEndian, hdr.Next); err != nil {
				return fileErr(err)
			}
			if _, err := w.Write(payload); err != nil {
				return fileErr(err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fileErr(err)
	}
	return nil
}

// LoadTable restores a WriteTable image into this table, which must be
// freshly created with the same tuple size and initial allocation. Block
// layout, slot contents, and free-list membership are reproduced; free
// slots are relinked across the striped lists in scan order.
func (t *Table) LoadTable(path string) error {
	if t == nil || t.seg == nil || path == "" {
		return errs.ErrBadParameters
	}
	if atomics.Load(&t.hdr.LiveCount) != 0 {
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
	if string(magic[:]) != "ATTB" {
		return errs.ErrBadParameters
	}
	var version, tupleSize, blockCount uint32
	if err := readU32s(r, &version, &tupleSize, &blockCount); err != nil {
		return err
	}
	if version != tableVersion || tupleSize != t.hdr.TupleSize ||
		blockCount == 0 || blockCount > maxBlocks {
		return errs.ErrBadParameters
	}
	slots := make([]uint32, blockCount)
	for i := range slots {
		if err := readU32s(r, &slots[i]); err != nil {
			return err
		}
	}
	var addLists, delLists uint32
	if err := readU32s(r, &addLists, &delLists); err != nil {
		return err
	}
	if addLists != t.hdr.AddLists || delLists != t.hdr.DelLists {
		return errs.ErrBadParameters
	}
	policy, err := r.ReadByte()
	if err != nil {
		return fileErr(err)
	}

	t.rt.Acquire(&t.hdr.TableLock, t.kilroy)
	defer t.rt.Release(&t.hdr.TableLock, t.kilroy)

	if slots[0] != t.hdr.Blocks[0] {
		return errs.ErrBadParameters
	}
	for int(atomics.Load(&t.hdr.BlockCount)) < len(slots) {
		if err := t.addBlock(int(slots[atomics.Load(&t.hdr.BlockCount)])); err != nil {
			return err
		}
	}
	t.hdr.QueueChanges = uint32(policy)

	// Everything is about to be relinked; empty the lists first.
	for i := range t.hdr.Add {
		t.hdr.Add[i] = listHead{Head: nullRef}
	}
	for i := range t.hdr.Del {
		t.hdr.Del[i] = listHead{Head: nullRef}
	}

	var live, addAt, delAt uint32
	for b := uint32(0); b < blockCount; b++ {
		var count uint32
		if err := readU32s(r, &count); err != nil {
			return err
		}
		if count != slots[b] {
			return errs.ErrBadParameters
		}
		for s := uint32(0); s < count; s++ {
			ref := Ref{Block: b, Slot: s}
			hdr, payload, err := t.slotAt(ref)
			if err != nil {
				return err
			}
			var lock, flags uint32
			var next uint64
			if err := readU32s(r, &lock, &flags); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
				return fileErr(err)
			}
			if _, err := io.ReadFull(r, payload); err != nil {
				return fileErr(err)
			}
			hdr.Lock = 0
			hdr.Next = nullRef
			atomics.Store(&hdr.Flags, flags)
			switch {
			case flags&slotLive != 0:
				live++
			case flags&slotDeleted != 0:
				t.pushFree(&t.hdr.Del[delAt%delLists], hdr, ref)
				delAt++
			default:
				t.pushFree(&t.hdr.Add[addAt%addLists], hdr, ref)
				addAt++
			}
		}
	}
	atomics.Store(&t.hdr.LiveCount, live)
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

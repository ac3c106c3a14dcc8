package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/atlas/internal/btree"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/sem"
	"github.com/dreamware/atlas/internal/table"
)

// Key offsets within the configured IPC base. Tables and trees consume a
// run of keys (one per block) above their base, so the bases are spaced
// well apart.
const (
	keyTablesSem   = 61
	keyBTreesSem   = 63
	keyTablesData  = 2000
	keyTablesLoad  = 3000
	keyBTreeTable  = 4000
	keyBTreePrim   = 6000
	keyBTreeEmail  = 8000
	keyConcurrency = 10000
)

// coordinate joins the two-process choreography for a section: the first
// process up creates the semaphore and holds it; a second process opens it
// and blocks until the first releases at its concurrency phase.
func (r *runner) coordinate(key int) (s *sem.KernelSem, first bool, err error) {
	s = sem.NewKernelSem()
	if err := s.Create(key); err == nil {
		r.onExit(func() { s.Close() })
		if err := s.GetLock(); err != nil {
			return nil, false, err
		}
		return s, true, nil
	}
	r.log.Info().Msg("semaphore exists; joining as second process")
	if err := s.Open(key); err != nil {
		return nil, false, err
	}
	r.onExit(func() { s.Close() })
	if err := s.GetLock(); err != nil {
		return nil, false, err
	}
	if err := s.FreeLock(); err != nil {
		return nil, false, err
	}
	return s, false, nil
}

// buildDemoData generates rows records deterministically.
func buildDemoData(rows int, seed int64) [][]byte {
	rnd := rand.New(rand.NewSource(seed))
	data := make([][]byte, rows)
	for i := range data {
		data[i] = makeDemo(uint32(i), rnd)
	}
	return data
}

func demoTableConfig(key int, kilroy uint32) table.Config {
	return table.Config{
		Key:          key,
		TupleSize:    demoSize,
		InitialAlloc: 100,
		GrowthAlloc:  150,
		QueueChanges: true,
		DeleteLists:  3,
		AddLists:     3,
		Kilroy:       kilroy,
	}
}

// sectionTables runs the single-process table checks, then the concurrency
// phase — alone, or against a second harness process if one joins.
func sectionTables(r *runner) error {
	s, first, err := r.coordinate(r.cfg.IPCBase + keyTablesSem)
	if err != nil {
		return err
	}
	key := r.cfg.IPCBase + keyConcurrency
	var tbl *table.Table
	if first {
		if err := r.tablesSingleProcess(); err != nil {
			return err
		}
		// The shared structures must exist before a waiting second
		// process is released into the concurrency phase.
		cfg := demoTableConfig(key, r.cfg.Kilroy)
		cfg.InitialAlloc = 9
		cfg.GrowthAlloc = 11
		if tbl, err = table.Create(r.rt, cfg); err != nil {
			return fmt.Errorf("concurrency table: %w", err)
		}
		r.onExit(func() { tbl.Close() })
		if err := s.FreeLock(); err != nil {
			return err
		}
	} else {
		if tbl, err = table.Open(r.rt, key, r.cfg.Kilroy); err != nil {
			return fmt.Errorf("concurrency table: %w", err)
		}
		r.onExit(func() { tbl.Close() })
	}
	base := uint32(0)
	if !first {
		base = concWorkingSet
	}
	if err := churnTable(r, tbl, base, concWorkingSet, r.cfg.ConcurrencyReps, int64(base)+7); err != nil {
		return err
	}
	r.log.Info().Msg("concurrency phase passed")
	return nil
}

func (r *runner) tablesSingleProcess() error {
	rows := r.cfg.TableRows
	users := buildDemoData(rows, 1)

	dir, err := os.MkdirTemp("", "atlas-tables")
	if err != nil {
		return err
	}
	r.onExit(func() { os.RemoveAll(dir) })
	rawPath := filepath.Join(dir, "testdata.dat")
	raw := make([]byte, 0, rows*demoSize)
	for _, rec := range users {
		raw = append(raw, rec...)
	}
	if err := os.WriteFile(rawPath, raw, 0o644); err != nil {
		return err
	}

	tbl, err := table.Create(r.rt, demoTableConfig(r.cfg.IPCBase+keyTablesData, r.cfg.Kilroy))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	r.onExit(func() { tbl.Close() })

	r.log.Info().Int("rows", rows).Msg("importing")
	buf := make([]byte, 65536)
	if err := tbl.ImportTable(rawPath, buf); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	exportPath := filepath.Join(dir, "testdata2.dat")
	if err := tbl.ExportTable(exportPath, buf); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	exported, err := os.ReadFile(exportPath)
	if err != nil {
		return err
	}
	if !bytes.Equal(raw, exported) {
		return fmt.Errorf("export does not round-trip the imported records")
	}

	// Forward and backward integrity: every record seen exactly once.
	count := func(forward bool) (int, error) {
		seen := make(map[uint32]int, rows)
		if forward {
			tbl.ResetCursor()
		}
		n := 0
		for {
			var rec []byte
			if forward {
				rec = tbl.NextTuple()
			} else {
				rec = tbl.PrevTuple()
			}
			if rec == nil {
				break
			}
			n++
			seen[demoID(rec)]++
		}
		for id, c := range seen {
			if c != 1 {
				return n, fmt.Errorf("record %d seen %d times", id, c)
			}
		}
		return n, nil
	}
	if n, err := count(true); err != nil || n != rows {
		return fmt.Errorf("forward scan: %d records, %v", n, err)
	}
	// The cursor sits past the end; scrolling back walks the whole table.
	if n, err := count(false); err != nil || n != rows {
		return fmt.Errorf("backward scan: %d records, %v", n, err)
	}

	// Delete a run off the front, verify the count, put them back.
	tips := rows / 5
	dels := make([][]byte, 0, tips)
	tbl.ResetCursor()
	rec := tbl.NextTuple()
	for i := 0; i < tips; i++ {
		if rec == nil {
			return fmt.Errorf("ran out of tuples deleting tip %d", i)
		}
		if _, err := tbl.LockTuple(); err != nil {
			return err
		}
		dels = append(dels, append([]byte(nil), rec...))
		if err := tbl.DeleteTuple(); err != nil {
			return fmt.Errorf("delete tip %d: %w", i, err)
		}
		rec = tbl.NextTuple()
	}
	if n, err := count(true); err != nil || n != rows-tips {
		return fmt.Errorf("after tip deletes: %d records, %v", n, err)
	}
	for i, d := range dels {
		if _, err := tbl.AddTuple(d); err != nil {
			return fmt.Errorf("re-add %d: %w", i, err)
		}
		if err := tbl.UnlockTuple(); err != nil {
			return err
		}
	}
	if n, err := count(true); err != nil || n != rows {
		return fmt.Errorf("after re-adds: %d records, %v", n, err)
	}

	// Tuple lock surface and opaque positioning.
	tbl.ResetCursor()
	rec = tbl.NextTuple()
	if rec == nil {
		return fmt.Errorf("table unexpectedly empty")
	}
	if _, err := tbl.LockTuple(); err != nil {
		return err
	}
	if err := tbl.UnlockTuple(); err != nil {
		return err
	}
	if _, err := tbl.LockedGetTuple(); err != nil {
		return err
	}
	if err := tbl.UnlockTuple(); err != nil {
		return err
	}
	if _, err := tbl.TryLockTuple(); err != nil {
		return err
	}
	if err := tbl.UnlockTuple(); err != nil {
		return err
	}
	ref, payload, err := tbl.TupleRef()
	if err != nil {
		return err
	}
	tbl.ResetCursor()
	again, err := tbl.SetTuple(ref)
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, again) {
		return fmt.Errorf("SetTuple did not land on the same tuple")
	}

	// Full-structure save and warm-start restore into a second table.
	savePath := filepath.Join(dir, "testtable.tab")
	if err := tbl.WriteTable(savePath); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	tbl2, err := table.Create(r.rt, demoTableConfig(r.cfg.IPCBase+keyTablesLoad, r.cfg.Kilroy))
	if err != nil {
		return err
	}
	r.onExit(func() { tbl2.Close() })
	if err := tbl2.LoadTable(savePath); err != nil {
		return fmt.Errorf("load table: %w", err)
	}
	want := make(map[uint32][]byte, rows)
	tbl.ResetCursor()
	for rec := tbl.NextTuple(); rec != nil; rec = tbl.NextTuple() {
		want[demoID(rec)] = append([]byte(nil), rec...)
	}
	n := 0
	tbl2.ResetCursor()
	for rec := tbl2.NextTuple(); rec != nil; rec = tbl2.NextTuple() {
		n++
		if !bytes.Equal(want[demoID(rec)], rec) {
			return fmt.Errorf("loaded tuple %d diverges", demoID(rec))
		}
	}
	if n != rows {
		return fmt.Errorf("loaded table has %d live tuples, want %d", n, rows)
	}
	r.log.Info().Msg("single-process table checks passed")
	return nil
}

// concWorkingSet is the per-participant id range of the concurrency
// phases.
const concWorkingSet = 1000

// churnTable randomly inserts and deletes rows in [base, base+n) and then
// verifies presence against the shadow. Records are found for deletion by
// table scan position captured at insert time.
func churnTable(r *runner, tbl *table.Table, base uint32, n, reps int, seed int64) error {
	rnd := rand.New(rand.NewSource(seed))
	type shadowEntry struct {
		present bool
		ref     table.Ref
	}
	shadow := make([]shadowEntry, n)
	for i := 0; i < reps; i++ {
		slot := rnd.Intn(n)
		if rnd.Intn(10) != 5 {
			continue // a 10% churn chance per visit keeps contention high
		}
		id := base + uint32(slot)
		if shadow[slot].present {
			if _, err := tbl.SetTuple(shadow[slot].ref); err != nil {
				return fmt.Errorf("rep %d: shadow says %d present: %w", i, id, err)
			}
			if _, err := tbl.LockTuple(); err != nil {
				return err
			}
			if err := tbl.DeleteTuple(); err != nil {
				return fmt.Errorf("rep %d: delete %d: %w", i, id, err)
			}
			shadow[slot].present = false
		} else {
			rec := makeDemo(id, rnd)
			if _, err := tbl.AddTuple(rec); err != nil {
				return fmt.Errorf("rep %d: add %d: %w", i, id, err)
			}
			ref, _, err := tbl.TupleRef()
			if err != nil {
				return err
			}
			if err := tbl.UnlockTuple(); err != nil {
				return err
			}
			shadow[slot] = shadowEntry{present: true, ref: ref}
		}
	}
	// Verify the final state matches the shadow.
	for slot, sh := range shadow {
		id := base + uint32(slot)
		if !sh.present {
			continue
		}
		rec, err := tbl.SetTuple(sh.ref)
		if err != nil {
			return fmt.Errorf("%d should be present: %w", id, err)
		}
		if demoID(rec) != id {
			return fmt.Errorf("slot for %d now holds %d", id, demoID(rec))
		}
	}
	return nil
}

// sectionBTrees runs the index checks: a primary over longs, then primary
// plus secondary over demo records with range cursors, deletes, and
// persistence, then the indexed concurrency phase.
func sectionBTrees(r *runner) error {
	s, first, err := r.coordinate(r.cfg.IPCBase + keyBTreesSem)
	if err != nil {
		return err
	}
	if first {
		if err := r.btreeLongs(); err != nil {
			return err
		}
		if err := r.btreeEmails(); err != nil {
			return err
		}
	}
	return r.btreesConcurrency(s, first)
}

// btreeLongs is the basic index check: integers under a
// primary index, exercised through both read modes and both cursor
// directions.
func (r *runner) btreeLongs() error {
	rows := r.cfg.BTreeRows
	tbl, err := table.Create(r.rt, table.Config{
		Key:          r.cfg.IPCBase + keyBTreeTable,
		TupleSize:    8,
		InitialAlloc: rows / 3,
		GrowthAlloc:  rows / 3,
		QueueChanges: true,
		DeleteLists:  3,
		AddLists:     3,
		Kilroy:       r.cfg.Kilroy,
	})
	if err != nil {
		return fmt.Errorf("create longs table: %w", err)
	}
	defer tbl.Close()
	bt, err := btree.Create(r.rt, btree.Config{
		Key:           r.cfg.IPCBase + keyBTreePrim,
		Table:         tbl,
		Ops:           u64Key{},
		KeyLen:        8,
		KeysPerPage:   100,
		PagesPerBlock: 8,
		Kind:          btree.Primary,
		Kilroy:        r.cfg.Kilroy,
	})
	if err != nil {
		return fmt.Errorf("create longs tree: %w", err)
	}
	defer bt.Close()

	rec := make([]byte, 8)
	for i := 0; i < rows; i++ {
		binary.LittleEndian.PutUint64(rec, uint64(i))
		if _, err := tbl.AddTuple(rec); err != nil {
			return fmt.Errorf("add %d: %w", i, err)
		}
		if err := tbl.UnlockTuple(); err != nil {
			return err
		}
	}
	r.log.Info().Int("rows", rows).Msg("longs inserted; probing both read modes")

	key := make([]byte, 8)
	for i := 0; i < rows; i++ {
		binary.LittleEndian.PutUint64(key, uint64(i))
		for _, mode := range []btree.ReadMode{btree.Optimistic, btree.CrabLock} {
			got, err := bt.FindTuple(key, mode, btree.Direct, 8)
			if err != nil {
				return fmt.Errorf("find %d (mode %d): %w", i, mode, err)
			}
			if binary.LittleEndian.Uint64(got) != uint64(i) {
				return fmt.Errorf("find %d returned %d", i, binary.LittleEndian.Uint64(got))
			}
		}
	}
	binary.LittleEndian.PutUint64(key, uint64(rows))
	if _, err := bt.FindTuple(key, btree.Optimistic, btree.Direct, 8); !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("absent key should not be found, got %v", err)
	}

	// Scroll the full index forward from 0 and backward from the top.
	binary.LittleEndian.PutUint64(key, 0)
	got, err := bt.SetCursor(key, btree.Direct, 8)
	if err != nil {
		return fmt.Errorf("set cursor at 0: %w", err)
	}
	for i := 1; i < rows; i++ {
		if got = bt.CursorNext(); got == nil {
			return fmt.Errorf("cursor ended early at %d", i)
		}
		if binary.LittleEndian.Uint64(got) != uint64(i) {
			return fmt.Errorf("cursor out of order at %d: %d", i, binary.LittleEndian.Uint64(got))
		}
	}
	if got = bt.CursorNext(); got != nil {
		return fmt.Errorf("cursor ran past the end")
	}
	binary.LittleEndian.PutUint64(key, uint64(rows-1))
	if _, err := bt.SetCursor(key, btree.Direct, 8); err != nil {
		return fmt.Errorf("set cursor at top: %w", err)
	}
	for i := rows - 2; i >= 0; i-- {
		if got = bt.CursorPrev(); got == nil {
			return fmt.Errorf("reverse cursor ended early at %d", i)
		}
		if binary.LittleEndian.Uint64(got) != uint64(i) {
			return fmt.Errorf("reverse cursor out of order at %d", i)
		}
	}
	if got = bt.CursorPrev(); got != nil {
		return fmt.Errorf("reverse cursor ran past the start")
	}
	bt.FreeCursor()

	if err := bt.Check(); err != nil {
		return fmt.Errorf("check: %w", err)
	}
	r.log.Info().Msg("longs tree verified")
	return nil
}

// btreeEmails is the full index check: demo records under a
// primary customer-id index and a secondary, duplicate-accepting email
// index, with prefix cursors, deletes, and save/load.
func (r *runner) btreeEmails() error {
	rows := r.cfg.BTreeRows + 100
	users := buildDemoData(rows, 2)
	tbl, err := table.Create(r.rt, demoTableConfig(r.cfg.IPCBase+keyBTreeTable, r.cfg.Kilroy))
	if err != nil {
		return fmt.Errorf("create email table: %w", err)
	}
	defer tbl.Close()
	prim, err := btree.Create(r.rt, btree.Config{
		Key:           r.cfg.IPCBase + keyBTreePrim,
		Table:         tbl,
		Ops:           customerIDKey{},
		KeyLen:        4,
		KeysPerPage:   50,
		PagesPerBlock: 6,
		Kind:          btree.Primary,
		Kilroy:        r.cfg.Kilroy,
	})
	if err != nil {
		return fmt.Errorf("create primary: %w", err)
	}
	defer prim.Close()
	email, err := btree.Create(r.rt, btree.Config{
		Key:           r.cfg.IPCBase + keyBTreeEmail,
		Table:         tbl,
		Ops:           emailKey{},
		KeyLen:        demoEmailLen,
		KeysPerPage:   50,
		PagesPerBlock: 6,
		Kind:          btree.Secondary,
		Kilroy:        r.cfg.Kilroy,
	})
	if err != nil {
		return fmt.Errorf("create secondary: %w", err)
	}
	defer email.Close()

	for i, rec := range users {
		if _, err := tbl.AddTuple(rec); err != nil {
			return fmt.Errorf("add %d: %w", i, err)
		}
		if err := tbl.UnlockTuple(); err != nil {
			return err
		}
	}
	// Duplicate customer ids must be rejected without damage.
	for i := 0; i < 50; i++ {
		if _, err := tbl.AddTuple(users[i]); !errors.Is(err, errs.ErrObjectInUse) {
			return fmt.Errorf("duplicate %d should be rejected, got %v", i, err)
		}
	}
	if err := prim.Check(); err != nil {
		return fmt.Errorf("primary check: %w", err)
	}
	if err := email.Check(); err != nil {
		return fmt.Errorf("secondary check: %w", err)
	}

	idKey := make([]byte, 4)
	for i := 0; i < rows; i++ {
		binary.LittleEndian.PutUint32(idKey, uint32(i))
		got, err := prim.FindTuple(idKey, btree.Optimistic, btree.Direct, 4)
		if err != nil {
			return fmt.Errorf("primary find %d: %w", i, err)
		}
		if demoID(got) != uint32(i) {
			return fmt.Errorf("primary find %d returned %d", i, demoID(got))
		}
	}

	// Prefix scan from the first "a" email to the end, case-insensitively
	// ordered.
	emailsSeen := make([][]byte, 0, rows)
	rec, err := email.SetCursor([]byte("a"), btree.FindFirst, 1)
	if err != nil {
		return fmt.Errorf("set cursor on 'a': %w", err)
	}
	for rec != nil {
		emailsSeen = append(emailsSeen, append([]byte(nil), demoEmail(rec)...))
		rec = email.CursorNext()
	}
	email.FreeCursor()
	if !slices.IsSortedFunc(emailsSeen, func(a, b []byte) int {
		return (emailKey{}).Compare(a, b, demoEmailLen)
	}) {
		return fmt.Errorf("prefix scan not in comparator order")
	}
	if len(emailsSeen) < rows-1 {
		return fmt.Errorf("prefix scan visited only %d records", len(emailsSeen))
	}

	// Full scans from both edges.
	n := 0
	for rec, err = email.SetCursorToStart(); err == nil && rec != nil; rec = email.CursorNext() {
		n++
	}
	email.FreeCursor()
	if n != rows {
		return fmt.Errorf("start scan visited %d of %d", n, rows)
	}
	n = 0
	for rec, err = email.SetCursorToEnd(); err == nil && rec != nil; rec = email.CursorPrev() {
		n++
	}
	email.FreeCursor()
	if n != rows {
		return fmt.Errorf("end scan visited %d of %d", n, rows)
	}

	// A find-last partial on a known email's first bytes lands on an
	// equal-prefix record.
	probe := demoEmail(users[rows/2])[:3]
	rec, err = email.SetCursor(probe, btree.FindLast, 3)
	if err != nil {
		return fmt.Errorf("find-last partial: %w", err)
	}
	if (emailKey{}).Compare(demoEmail(rec), probe, 3) != 0 {
		return fmt.Errorf("find-last landed off the prefix")
	}
	email.FreeCursor()

	// Delete every 5th record and verify both indexes forget it.
	for i := 0; i < rows; i += 5 {
		binary.LittleEndian.PutUint32(idKey, uint32(i))
		if _, err := prim.FindTuple(idKey, btree.Optimistic, btree.Direct, 4); err != nil {
			return fmt.Errorf("find %d for delete: %w", i, err)
		}
		if err := tbl.DeleteTuple(); err != nil {
			return fmt.Errorf("delete %d: %w", i, err)
		}
	}
	for i := 0; i < rows; i++ {
		binary.LittleEndian.PutUint32(idKey, uint32(i))
		_, err := prim.FindTuple(idKey, btree.Optimistic, btree.Direct, 4)
		if i%5 == 0 {
			if !errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("deleted %d still found: %v", i, err)
			}
			// The secondary must not surface the deleted record either.
			for rec, serr := email.SetCursor(demoEmail(users[i]), btree.FindFirst, 3); serr == nil && rec != nil; rec = email.CursorNext() {
				if (emailKey{}).Compare(demoEmail(rec), demoEmail(users[i]), 3) != 0 {
					break
				}
				if demoID(rec) == uint32(i) {
					return fmt.Errorf("secondary still yields deleted %d", i)
				}
			}
			email.FreeCursor()
		} else if err != nil {
			return fmt.Errorf("surviving %d lost: %w", i, err)
		}
	}
	if err := prim.Check(); err != nil {
		return fmt.Errorf("primary check after deletes: %w", err)
	}
	if err := email.Check(); err != nil {
		return fmt.Errorf("secondary check after deletes: %w", err)
	}

	// Save both trees, rebuild the primary from its file, and verify the
	// surviving ids are still found. The secondary's image is written but
	// not reloaded.
	dir, err := os.MkdirTemp("", "atlas-btrees")
	if err != nil {
		return err
	}
	r.onExit(func() { os.RemoveAll(dir) })
	primPath := filepath.Join(dir, "prim.btr")
	emailPath := filepath.Join(dir, "email.btr")
	if err := prim.WriteBTree(primPath); err != nil {
		return fmt.Errorf("write primary: %w", err)
	}
	if err := email.WriteBTree(emailPath); err != nil {
		return fmt.Errorf("write secondary: %w", err)
	}
	primCfg := btree.Config{
		Key:           r.cfg.IPCBase + keyBTreePrim,
		Table:         tbl,
		Ops:           customerIDKey{},
		KeyLen:        4,
		KeysPerPage:   50,
		PagesPerBlock: 6,
		Kind:          btree.Primary,
		Kilroy:        r.cfg.Kilroy,
	}
	if err := prim.Close(); err != nil {
		return err
	}
	prim, err = btree.CreateFromFile(r.rt, primPath, primCfg)
	if err != nil {
		return fmt.Errorf("create primary from file: %w", err)
	}
	if err := prim.Check(); err != nil {
		return fmt.Errorf("restored primary check: %w", err)
	}
	for i := 1; i < rows; i += 5 {
		binary.LittleEndian.PutUint32(idKey, uint32(i))
		if _, err := prim.FindTuple(idKey, btree.CrabLock, btree.Direct, 4); err != nil {
			return fmt.Errorf("restored primary lost %d: %w", i, err)
		}
	}
	r.log.Info().Msg("email trees verified")
	return nil
}

// btreesConcurrency churns a table carrying both indexes, each participant
// on a disjoint id range, and structurally checks the trees afterwards.
func (r *runner) btreesConcurrency(s *sem.KernelSem, first bool) error {
	key := r.cfg.IPCBase + keyConcurrency
	var tbl *table.Table
	var err error
	if first {
		tbl, err = table.Create(r.rt, demoTableConfig(key, r.cfg.Kilroy))
	} else {
		tbl, err = table.Open(r.rt, key, r.cfg.Kilroy)
	}
	if err != nil {
		return fmt.Errorf("concurrency table: %w", err)
	}
	r.onExit(func() { tbl.Close() })

	mkTree := func(treeKey int, ops btree.KeyOps, keyLen int, kind btree.Kind) (*btree.BTree, error) {
		if first {
			return btree.Create(r.rt, btree.Config{
				Key: treeKey, Table: tbl, Ops: ops, KeyLen: keyLen,
				KeysPerPage: 25, PagesPerBlock: 10, Kind: kind, Kilroy: r.cfg.Kilroy,
			})
		}
		return btree.Open(r.rt, treeKey, tbl, ops, r.cfg.Kilroy)
	}
	prim, err := mkTree(key+2000, customerIDKey{}, 4, btree.Primary)
	if err != nil {
		return err
	}
	r.onExit(func() { prim.Close() })
	email, err := mkTree(key+4000, emailKey{}, demoEmailLen, btree.Secondary)
	if err != nil {
		return err
	}
	r.onExit(func() { email.Close() })
	if first {
		// Structures are up; release a waiting second process.
		if err := s.FreeLock(); err != nil {
			return err
		}
	}

	// Two local workers churn disjoint halves of this process's range
	// concurrently; a second harness process works the range above.
	base := uint32(0)
	if !first {
		base = 2 * concWorkingSet
	}
	var g errgroup.Group
	for w := 0; w < 2; w++ {
		wbase := base + uint32(w)*concWorkingSet/2
		seed := int64(wbase) + 11
		g.Go(func() error {
			h, err := table.Open(r.rt, key, r.cfg.Kilroy+1+wbase)
			if err != nil {
				return err
			}
			defer h.Close()
			hp, err := btree.Open(r.rt, key+2000, h, customerIDKey{}, r.cfg.Kilroy+1+wbase)
			if err != nil {
				return err
			}
			defer hp.Close()
			he, err := btree.Open(r.rt, key+4000, h, emailKey{}, r.cfg.Kilroy+1+wbase)
			if err != nil {
				return err
			}
			defer he.Close()
			return churnTable(r, h, wbase, concWorkingSet/2, r.cfg.ConcurrencyReps, seed)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := prim.Check(); err != nil {
		return fmt.Errorf("primary check after churn: %w", err)
	}
	if err := email.Check(); err != nil {
		return fmt.Errorf("secondary check after churn: %w", err)
	}
	r.log.Info().Msg("indexed concurrency phase passed")
	return nil
}

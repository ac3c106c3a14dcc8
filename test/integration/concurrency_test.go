// Package integration drives the whole toolkit the way cooperating
// processes do: multiple independent handles over the same shared table and
// indexes, churning concurrently, then verified against per-worker shadows,
// structural checks, and a save/load round trip.
package integration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/atlas/internal/btree"
	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/locks"
	"github.com/dreamware/atlas/internal/table"
)

const (
	tupleSize  = 64
	emailOff   = 8
	emailLen   = 32
	workingSet = 500 // per worker
	churnReps  = 60000
)

func testKey(offset int) int {
	return 940000000 + (os.Getpid()%10000)*30000 + offset*1000
}

// idOps keys on the 8-byte record id.
type idOps struct{}

func (idOps) Extract(tuple []byte) []byte { return tuple[:8] }

func (idOps) Compare(a, b []byte, n int) int {
	av := binary.LittleEndian.Uint64(a[:8])
	bv := binary.LittleEndian.Uint64(b[:8])
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// emailOps keys on the fixed-width email field, NUL-terminated.
type emailOps struct{}

func (emailOps) Extract(tuple []byte) []byte { return tuple[emailOff : emailOff+emailLen] }

func (emailOps) Compare(a, b []byte, n int) int {
	for i := 0; i < n; i++ {
		var ca, cb byte
		if i < len(a) {
			ca = a[i]
		}
		if i < len(b) {
			cb = b[i]
		}
		if ca != cb {
			return int(ca) - int(cb)
		}
		if ca == 0 {
			return 0
		}
	}
	return 0
}

func record(id uint64) []byte {
	rec := make([]byte, tupleSize)
	binary.LittleEndian.PutUint64(rec, id)
	copy(rec[emailOff:], fmt.Sprintf("user%06d@example.com", id))
	return rec
}

func recordID(rec []byte) uint64 { return binary.LittleEndian.Uint64(rec) }

type handles struct {
	tbl   *table.Table
	prim  *btree.BTree
	email *btree.BTree
}

func (h *handles) close() {
	if h.email != nil {
		h.email.Close()
	}
	if h.prim != nil {
		h.prim.Close()
	}
	if h.tbl != nil {
		h.tbl.Close()
	}
}

func openHandles(rt *locks.Runtime, base int, kilroy uint32, create bool) (*handles, error) {
	h := &handles{}
	var err error
	if create {
		h.tbl, err = table.Create(rt, table.Config{
			Key:          base,
			TupleSize:    tupleSize,
			InitialAlloc: 64,
			GrowthAlloc:  64,
			QueueChanges: true,
			DeleteLists:  4,
			AddLists:     4,
			Kilroy:       kilroy,
		})
	} else {
		h.tbl, err = table.Open(rt, base, kilroy)
	}
	if err != nil {
		return nil, err
	}
	if create {
		h.prim, err = btree.Create(rt, btree.Config{
			Key: base + 400, Table: h.tbl, Ops: idOps{}, KeyLen: 8,
			KeysPerPage: 16, PagesPerBlock: 16, Kind: btree.Primary, Kilroy: kilroy,
		})
	} else {
		h.prim, err = btree.Open(rt, base+400, h.tbl, idOps{}, kilroy)
	}
	if err != nil {
		h.close()
		return nil, err
	}
	if create {
		h.email, err = btree.Create(rt, btree.Config{
			Key: base + 800, Table: h.tbl, Ops: emailOps{}, KeyLen: emailLen,
			KeysPerPage: 16, PagesPerBlock: 16, Kind: btree.Secondary, Kilroy: kilroy,
		})
	} else {
		h.email, err = btree.Open(rt, base+800, h.tbl, emailOps{}, kilroy)
	}
	if err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

// TestConcurrentChurn is the long-haul scenario: two workers, each with its
// own handles (as two processes would have), randomly insert and delete
// over disjoint working sets. Afterwards the table must match each
// worker's shadow exactly, the secondary index must surface exactly the
// present records, and the structural check must pass.
func TestConcurrentChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("long-haul churn skipped in short mode")
	}
	base := testKey(1)
	rt := locks.NewRuntime()
	owner, err := openHandles(rt, base, 1, true)
	if err != nil {
		t.Fatalf("create shared structures: %v", err)
	}
	defer owner.close()

	shadows := make([][]bool, 2)
	var g errgroup.Group
	for w := 0; w < 2; w++ {
		g.Go(func() error {
			h, err := openHandles(locks.NewRuntime(), base, uint32(10+w), false)
			if err != nil {
				return fmt.Errorf("worker %d handles: %w", w, err)
			}
			defer h.close()
			wbase := uint64(w * workingSet)
			shadow := make([]bool, workingSet)
			shadows[w] = shadow
			rnd := rand.New(rand.NewSource(int64(w) + 42))
			key := make([]byte, 8)
			for i := 0; i < churnReps; i++ {
				slot := rnd.Intn(workingSet)
				if rnd.Intn(10) != 5 {
					continue
				}
				id := wbase + uint64(slot)
				binary.LittleEndian.PutUint64(key, id)
				if shadow[slot] {
					if _, err := h.prim.FindTuple(key, btree.CrabLock, btree.Direct, 8); err != nil {
						return fmt.Errorf("worker %d rep %d: find %d for delete: %w", w, i, id, err)
					}
					if err := h.tbl.DeleteTuple(); err != nil {
						return fmt.Errorf("worker %d rep %d: delete %d: %w", w, i, id, err)
					}
					shadow[slot] = false
				} else {
					if _, err := h.tbl.AddTuple(record(id)); err != nil {
						return fmt.Errorf("worker %d rep %d: add %d: %w", w, i, id, err)
					}
					if err := h.tbl.UnlockTuple(); err != nil {
						return err
					}
					shadow[slot] = true
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	verify := func(h *handles) {
		t.Helper()
		key := make([]byte, 8)
		for w := 0; w < 2; w++ {
			for slot, present := range shadows[w] {
				id := uint64(w*workingSet + slot)
				binary.LittleEndian.PutUint64(key, id)
				_, err := h.prim.FindTuple(key, btree.Optimistic, btree.Direct, 8)
				if present && err != nil {
					t.Fatalf("id %d should be present: %v", id, err)
				}
				if !present && err == nil {
					t.Fatalf("id %d should be absent", id)
				}
				// The secondary agrees with the primary for this record.
				rec := record(id)
				got, err := h.email.FindTuple(rec[emailOff:emailOff+emailLen], btree.CrabLock, btree.Direct, emailLen)
				if present {
					if err != nil {
						t.Fatalf("email for %d should be indexed: %v", id, err)
					}
					if recordID(got) != id {
						t.Fatalf("email for %d resolves to %d", id, recordID(got))
					}
				} else if err == nil {
					t.Fatalf("email for absent %d still indexed", id)
				}
			}
		}
		if err := h.prim.Check(); err != nil {
			t.Fatalf("primary structure: %v", err)
		}
		if err := h.email.Check(); err != nil {
			t.Fatalf("secondary structure: %v", err)
		}
	}
	verify(owner)

	// Scenario 5: the surviving state must round-trip through the save
	// files and re-verify identically.
	dir := t.TempDir()
	primPath := filepath.Join(dir, "prim.btr")
	emailPath := filepath.Join(dir, "email.btr")
	if err := owner.prim.WriteBTree(primPath); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := owner.email.WriteBTree(emailPath); err != nil {
		t.Fatalf("write secondary: %v", err)
	}
	primCfg := btree.Config{
		Key: base + 400, Table: owner.tbl, Ops: idOps{}, KeyLen: 8,
		KeysPerPage: 16, PagesPerBlock: 16, Kind: btree.Primary, Kilroy: 1,
	}
	emailCfg := btree.Config{
		Key: base + 800, Table: owner.tbl, Ops: emailOps{}, KeyLen: emailLen,
		KeysPerPage: 16, PagesPerBlock: 16, Kind: btree.Secondary, Kilroy: 1,
	}
	if err := owner.prim.Close(); err != nil {
		t.Fatal(err)
	}
	if err := owner.email.Close(); err != nil {
		t.Fatal(err)
	}
	owner.prim, err = btree.CreateFromFile(rt, primPath, primCfg)
	if err != nil {
		t.Fatalf("restore primary: %v", err)
	}
	owner.email, err = btree.CreateFromFile(rt, emailPath, emailCfg)
	if err != nil {
		t.Fatalf("restore secondary: %v", err)
	}
	verify(owner)

	// The live tuple set itself is unchanged by the index round trip.
	live := 0
	owner.tbl.ResetCursor()
	for rec := owner.tbl.NextTuple(); rec != nil; rec = owner.tbl.NextTuple() {
		live++
	}
	wantLive := 0
	for w := 0; w < 2; w++ {
		for _, p := range shadows[w] {
			if p {
				wantLive++
			}
		}
	}
	if live != wantLive {
		t.Fatalf("live tuples = %d, want %d", live, wantLive)
	}
	if got := owner.tbl.Stats().Live; got != wantLive {
		t.Fatalf("stats live = %d, want %d", got, wantLive)
	}
}

// TestLockDiscipline spot-checks the cross-handle lock interactions the
// churn test relies on.
func TestLockDiscipline(t *testing.T) {
	base := testKey(2)
	rt := locks.NewRuntime()
	owner, err := openHandles(rt, base, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	defer owner.close()

	if _, err := owner.tbl.AddTuple(record(7)); err != nil {
		t.Fatal(err)
	}
	// The tuple is still locked from the add; a peer cannot take it.
	peer, err := table.Open(locks.NewRuntime(), base, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	ref, _, err := owner.tbl.TupleRef()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peer.SetTuple(ref); err != nil {
		t.Fatal(err)
	}
	if _, err := peer.TryLockTuple(); err == nil {
		t.Fatal("peer locked a tuple still held by the adder")
	}
	if err := owner.tbl.UnlockTuple(); err != nil {
		t.Fatal(err)
	}
	if _, err := peer.TryLockTuple(); err != nil {
		t.Fatalf("peer lock after release: %v", err)
	}
	if err := peer.UnlockTuple(); err != nil {
		t.Fatal(err)
	}

	// A duplicate insert through the peer is rejected by the shared
	// primary without disturbing the original.
	peerTree, err := btree.Open(locks.NewRuntime(), base+400, peer, idOps{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer peerTree.Close()
	if _, err := peer.AddTuple(record(7)); err == nil {
		t.Fatal("duplicate through second handle accepted")
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, 7)
	if _, err := peerTree.FindTuple(key, btree.Optimistic, btree.Direct, 8); err != nil {
		t.Fatalf("original lost after rejected duplicate: %v", err)
	}
	binary.LittleEndian.PutUint64(key, 8)
	if _, err := peerTree.FindTuple(key, btree.Optimistic, btree.Direct, 8); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("absent key = %v, want ErrNotFound", err)
	}
}

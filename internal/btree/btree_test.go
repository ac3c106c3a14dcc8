package btree

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/atlas/internal/errs"
	"github.com/dreamware/atlas/internal/locks"
	"github.com/dreamware/atlas/internal/table"
)

// Test tuples are 24 bytes: an 8-byte little-endian id, an 8-byte group
// key (for duplicate tests), and an 8-byte sequence number.
const tupleSize = 24

func testKey(offset int) int {
	return 930000000 + (os.Getpid()%10000)*20000 + offset*800
}

// idOps keys on the unique tuple id.
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

// groupOps keys on the non-unique group field.
type groupOps struct{}

func (groupOps) Extract(tuple []byte) []byte { return tuple[8:16] }

func (groupOps) Compare(a, b []byte, n int) int {
	return (idOps{}).Compare(a, b, n)
}

func tuple(id, group, seq uint64) []byte {
	rec := make([]byte, tupleSize)
	binary.LittleEndian.PutUint64(rec[0:], id)
	binary.LittleEndian.PutUint64(rec[8:], group)
	binary.LittleEndian.PutUint64(rec[16:], seq)
	return rec
}

func tupleID(rec []byte) uint64   { return binary.LittleEndian.Uint64(rec[0:]) }
func tupleSeq(rec []byte) uint64  { return binary.LittleEndian.Uint64(rec[16:]) }

func key64(v uint64) []byte {
	k := make([]byte, 8)
	binary.LittleEndian.PutUint64(k, v)
	return k
}

type fixture struct {
	rt    *locks.Runtime
	tbl   *table.Table
	prim  *BTree
	group *BTree
}

// newFixture builds a table with a primary id index and, when withGroup is
// set, a secondary group index. Small pages force real splits quickly.
func newFixture(t *testing.T, offset int, withGroup bool) *fixture {
	t.Helper()
	rt := locks.NewRuntime()
	tbl, err := table.Create(rt, table.Config{
		Key:          testKey(offset),
		TupleSize:    tupleSize,
		InitialAlloc: 64,
		GrowthAlloc:  64,
		QueueChanges: true,
		DeleteLists:  3,
		AddLists:     3,
		Kilroy:       1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })

	f := &fixture{rt: rt, tbl: tbl}
	f.prim, err = Create(rt, Config{
		Key:           testKey(offset) + 300,
		Table:         tbl,
		Ops:           idOps{},
		KeyLen:        8,
		KeysPerPage:   8,
		PagesPerBlock: 16,
		Kind:          Primary,
		Kilroy:        1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.prim.Close() })

	if withGroup {
		f.group, err = Create(rt, Config{
			Key:           testKey(offset) + 600,
			Table:         tbl,
			Ops:           groupOps{},
			KeyLen:        8,
			KeysPerPage:   8,
			PagesPerBlock: 16,
			Kind:          Secondary,
			Kilroy:        1,
		})
		require.NoError(t, err)
		t.Cleanup(func() { f.group.Close() })
	}
	return f
}

func (f *fixture) add(t *testing.T, id, group, seq uint64) {
	t.Helper()
	_, err := f.tbl.AddTuple(tuple(id, group, seq))
	require.NoError(t, err, "add %d", id)
	require.NoError(t, f.tbl.UnlockTuple())
}

func TestCreateValidation(t *testing.T) {
	rt := locks.NewRuntime()
	_, err := Create(rt, Config{})
	assert.ErrorIs(t, err, errs.ErrBadParameters)

	f := newFixture(t, 1, false)
	_, err = Open(rt, testKey(1)+300, f.tbl, nil, 1)
	assert.ErrorIs(t, err, errs.ErrBadParameters, "nil ops refused")
}

func TestPrimaryFind(t *testing.T) {
	const n = 1400
	f := newFixture(t, 2, false)
	// Shuffled inserts make the splits non-trivial.
	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		f.add(t, uint64(i), 0, 0)
	}
	require.NoError(t, f.prim.Check())

	for i := 0; i < n; i++ {
		for _, mode := range []ReadMode{Optimistic, CrabLock} {
			got, err := f.prim.FindTuple(key64(uint64(i)), mode, Direct, 8)
			require.NoError(t, err, "find %d mode %d", i, mode)
			assert.Equal(t, uint64(i), tupleID(got))
		}
	}
	_, err := f.prim.FindTuple(key64(uint64(n)), Optimistic, Direct, 8)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.prim.FindTuple(key64(uint64(n+5000)), CrabLock, Direct, 8)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPrimaryUniqueness(t *testing.T) {
	f := newFixture(t, 3, false)
	f.add(t, 10, 0, 0)
	_, err := f.tbl.AddTuple(tuple(10, 1, 1))
	assert.ErrorIs(t, err, errs.ErrObjectInUse, "duplicate key must fail the add")

	// The failed insert must leave no trace in table or tree.
	got, err := f.prim.FindTuple(key64(10), Optimistic, Direct, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tupleSeq(got), "original tuple untouched")
	require.NoError(t, f.prim.Check())
	assert.Equal(t, 1, f.tbl.Stats().Live)
}

func TestCursorScan(t *testing.T) {
	const n = 500
	f := newFixture(t, 4, false)
	for _, i := range rand.New(rand.NewSource(2)).Perm(n) {
		f.add(t, uint64(i), 0, 0)
	}

	t.Run("forward from zero", func(t *testing.T) {
		rec, err := f.prim.SetCursor(key64(0), Direct, 8)
		require.NoError(t, err)
		for i := 1; i < n; i++ {
			rec = f.prim.CursorNext()
			require.NotNil(t, rec, "cursor ended early at %d", i)
			assert.Equal(t, uint64(i), tupleID(rec))
		}
		assert.Nil(t, f.prim.CursorNext(), "cursor must stop past the end")
		f.prim.FreeCursor()
	})

	t.Run("reverse from the top", func(t *testing.T) {
		rec, err := f.prim.SetCursor(key64(uint64(n-1)), Direct, 8)
		require.NoError(t, err)
		_ = rec
		for i := n - 2; i >= 0; i-- {
			rec = f.prim.CursorPrev()
			require.NotNil(t, rec, "reverse cursor ended early at %d", i)
			assert.Equal(t, uint64(i), tupleID(rec))
		}
		assert.Nil(t, f.prim.CursorPrev(), "cursor must stop before the start")
		f.prim.FreeCursor()
	})

	t.Run("edges", func(t *testing.T) {
		rec, err := f.prim.SetCursorToStart()
		require.NoError(t, err)
		assert.Equal(t, uint64(0), tupleID(rec))
		f.prim.FreeCursor()
		rec, err = f.prim.SetCursorToEnd()
		require.NoError(t, err)
		assert.Equal(t, uint64(n-1), tupleID(rec))
		f.prim.FreeCursor()
	})
}

func TestSecondaryDuplicates(t *testing.T) {
	f := newFixture(t, 5, true)
	// Groups of ten share a key; seq records insertion order.
	const groups, per = 40, 10
	id := uint64(0)
	for g := 0; g < groups; g++ {
		for s := 0; s < per; s++ {
			f.add(t, id, uint64(g), uint64(s))
			id++
		}
	}
	require.NoError(t, f.group.Check())

	t.Run("find first and last of a group", func(t *testing.T) {
		rec, err := f.group.SetCursor(key64(7), FindFirst, 8)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), tupleSeq(rec), "find-first lands on the earliest duplicate")
		for s := 1; s < per; s++ {
			rec = f.group.CursorNext()
			require.NotNil(t, rec)
			assert.Equal(t, uint64(s), tupleSeq(rec), "insertion order preserved within equals")
		}
		f.group.FreeCursor()

		rec, err = f.group.SetCursor(key64(7), FindLast, 8)
		require.NoError(t, err)
		assert.Equal(t, uint64(per-1), tupleSeq(rec), "find-last lands on the latest duplicate")
		f.group.FreeCursor()
	})

	t.Run("whole-tree order is non-decreasing", func(t *testing.T) {
		rec, err := f.group.SetCursorToStart()
		require.NoError(t, err)
		count := 1
		prev := binary.LittleEndian.Uint64(rec[8:16])
		for rec = f.group.CursorNext(); rec != nil; rec = f.group.CursorNext() {
			g := binary.LittleEndian.Uint64(rec[8:16])
			require.GreaterOrEqual(t, g, prev)
			prev = g
			count++
		}
		f.group.FreeCursor()
		assert.Equal(t, groups*per, count)
	})

	t.Run("direct match on a duplicate key", func(t *testing.T) {
		got, err := f.group.FindTuple(key64(12), CrabLock, Direct, 8)
		require.NoError(t, err)
		assert.Equal(t, uint64(12), binary.LittleEndian.Uint64(got[8:16]))
	})
}

func TestDeleteAndRebalance(t *testing.T) {
	const n = 600
	f := newFixture(t, 6, true)
	for _, i := range rand.New(rand.NewSource(3)).Perm(n) {
		f.add(t, uint64(i), uint64(i%7), uint64(i))
	}
	require.NoError(t, f.prim.Check())
	require.NoError(t, f.group.Check())

	// Remove in random order, checking structure as the tree shrinks
	// through borrows, merges, and root collapses.
	order := rand.New(rand.NewSource(4)).Perm(n)
	for cut, i := range order {
		_, err := f.prim.FindTuple(key64(uint64(i)), CrabLock, Direct, 8)
		require.NoError(t, err, "find %d for delete", i)
		require.NoError(t, f.tbl.DeleteTuple(), "delete %d", i)
		if cut%97 == 0 {
			require.NoError(t, f.prim.Check(), "structure after %d deletes", cut+1)
			require.NoError(t, f.group.Check())
		}
	}
	require.NoError(t, f.prim.Check())
	require.NoError(t, f.group.Check())
	assert.Equal(t, 0, f.tbl.Stats().Live)

	_, err := f.prim.FindTuple(key64(5), Optimistic, Direct, 8)
	assert.ErrorIs(t, err, errs.ErrNotFound, "empty tree finds nothing")
	_, err = f.prim.SetCursorToStart()
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// The tree must be fully reusable after total deletion.
	for i := 0; i < 50; i++ {
		f.add(t, uint64(i), 0, 0)
	}
	require.NoError(t, f.prim.Check())
}

func TestEveryFifthDeleted(t *testing.T) {
	const n = 300
	f := newFixture(t, 7, true)
	for i := 0; i < n; i++ {
		f.add(t, uint64(i), uint64(i), uint64(i))
	}
	for i := 0; i < n; i += 5 {
		_, err := f.prim.FindTuple(key64(uint64(i)), Optimistic, Direct, 8)
		require.NoError(t, err)
		require.NoError(t, f.tbl.DeleteTuple())
	}
	for i := 0; i < n; i++ {
		_, err := f.prim.FindTuple(key64(uint64(i)), Optimistic, Direct, 8)
		if i%5 == 0 {
			assert.ErrorIs(t, err, errs.ErrNotFound, "deleted %d", i)
			// The secondary must not yield the deleted tuple either.
			rec, serr := f.group.SetCursor(key64(uint64(i)), FindFirst, 8)
			if serr == nil {
				for ; rec != nil; rec = f.group.CursorNext() {
					if binary.LittleEndian.Uint64(rec[8:16]) != uint64(i) {
						break
					}
					t.Fatalf("secondary still yields deleted %d", i)
				}
				f.group.FreeCursor()
			}
		} else {
			assert.NoError(t, err, "surviving %d", i)
		}
	}
	require.NoError(t, f.prim.Check())
	require.NoError(t, f.group.Check())
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	const n = 400
	f := newFixture(t, 8, false)
	for i := 0; i < n; i++ {
		f.add(t, uint64(i), 0, 0)
	}

	done := make(chan struct{})
	readErrs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		go func(w int) {
			rt := locks.NewRuntime()
			h, err := table.Open(rt, f.tbl.Key(), uint32(200+w))
			if err != nil {
				readErrs <- err
				return
			}
			defer h.Close()
			bt, err := Open(rt, testKey(8)+300, h, idOps{}, uint32(200+w))
			if err != nil {
				readErrs <- err
				return
			}
			defer bt.Close()
			rng := rand.New(rand.NewSource(int64(w)))
			for {
				select {
				case <-done:
					readErrs <- nil
					return
				default:
				}
				i := rng.Intn(n)
				mode := Optimistic
				if i%2 == 0 {
					mode = CrabLock
				}
				got, err := bt.FindTuple(key64(uint64(i)), mode, Direct, 8)
				if err == nil && tupleID(got) != uint64(i) {
					readErrs <- fmt.Errorf("reader %d: find %d returned %d", w, i, tupleID(got))
					return
				}
				// ErrNotFound is legal: the writer may have the key out
				// mid-churn.
			}
		}(w)
	}

	// The writer churns a band of keys while the readers hammer lookups.
	writer, err := table.Open(f.rt, f.tbl.Key(), 99)
	require.NoError(t, err)
	defer writer.Close()
	wtree, err := Open(f.rt, testKey(8)+300, writer, idOps{}, 99)
	require.NoError(t, err)
	defer wtree.Close()
	rng := rand.New(rand.NewSource(9))
	present := make([]bool, n)
	for i := range present {
		present[i] = true
	}
	for rep := 0; rep < 2000; rep++ {
		i := rng.Intn(n)
		if present[i] {
			if _, err := wtree.FindTuple(key64(uint64(i)), CrabLock, Direct, 8); err != nil {
				t.Fatalf("writer find %d: %v", i, err)
			}
			require.NoError(t, writer.DeleteTuple())
			present[i] = false
		} else {
			_, err := writer.AddTuple(tuple(uint64(i), 0, uint64(rep)))
			require.NoError(t, err)
			require.NoError(t, writer.UnlockTuple())
			present[i] = true
		}
	}
	close(done)
	for w := 0; w < 4; w++ {
		if err := <-readErrs; err != nil {
			t.Fatal(err)
		}
	}
	require.NoError(t, wtree.Check())
	for i, p := range present {
		_, err := wtree.FindTuple(key64(uint64(i)), Optimistic, Direct, 8)
		if p {
			assert.NoError(t, err, "key %d should be present", i)
		} else {
			assert.ErrorIs(t, err, errs.ErrNotFound, "key %d should be absent", i)
		}
	}
}

package btree

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/atlas/internal/errs"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	const n = 450
	dir := t.TempDir()
	f := newFixture(t, 10, false)
	for _, i := range rand.New(rand.NewSource(5)).Perm(n) {
		f.add(t, uint64(i), 0, 0)
	}
	// Holes make the page pool and free list non-trivial.
	for i := 0; i < n; i += 9 {
		_, err := f.prim.FindTuple(key64(uint64(i)), CrabLock, Direct, 8)
		require.NoError(t, err)
		require.NoError(t, f.tbl.DeleteTuple())
	}
	require.NoError(t, f.prim.Check())

	path := filepath.Join(dir, "prim.btr")
	require.NoError(t, f.prim.WriteBTree(path))

	// Rebuild the tree from the image and verify it is structurally whole
	// and answers identically.
	cfg := Config{
		Key:           testKey(10) + 300,
		Table:         f.tbl,
		Ops:           idOps{},
		KeyLen:        8,
		KeysPerPage:   8,
		PagesPerBlock: 16,
		Kind:          Primary,
		Kilroy:        1,
	}
	require.NoError(t, f.prim.Close())
	restored, err := CreateFromFile(f.rt, path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { restored.Close() })
	f.prim = restored // fixture cleanup will close the new handle harmlessly

	require.NoError(t, restored.Check())
	for i := 0; i < n; i++ {
		_, err := restored.FindTuple(key64(uint64(i)), Optimistic, Direct, 8)
		if i%9 == 0 {
			assert.ErrorIs(t, err, errs.ErrNotFound, "hole %d reappeared", i)
		} else {
			assert.NoError(t, err, "key %d lost in the round trip", i)
		}
	}

	// The restored tree must keep working as an index.
	f.add(t, uint64(n+1), 0, 0)
	_, err = restored.FindTuple(key64(uint64(n+1)), CrabLock, Direct, 8)
	assert.NoError(t, err)
	require.NoError(t, restored.Check())
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, 11, false)
	f.add(t, 1, 0, 0)
	path := filepath.Join(dir, "tree.btr")
	require.NoError(t, f.prim.WriteBTree(path))

	t.Run("load refuses a non-empty tree", func(t *testing.T) {
		assert.ErrorIs(t, f.prim.LoadBTree(path), errs.ErrObjectInUse)
	})

	t.Run("load refuses mismatched geometry", func(t *testing.T) {
		other, err := Create(f.rt, Config{
			Key:           testKey(11) + 600,
			Table:         f.tbl,
			Ops:           idOps{},
			KeyLen:        8,
			KeysPerPage:   16, // differs from the written tree
			PagesPerBlock: 16,
			Kind:          Primary,
			Kilroy:        1,
		})
		require.NoError(t, err)
		t.Cleanup(func() { other.Close() })
		assert.ErrorIs(t, other.LoadBTree(path), errs.ErrBadParameters)
	})

	t.Run("load refuses garbage", func(t *testing.T) {
		bad := filepath.Join(dir, "garbage.btr")
		require.NoError(t, os.WriteFile(bad, []byte("definitely not a tree"), 0o644))
		other, err := Create(f.rt, Config{
			Key:           testKey(11) + 900,
			Table:         f.tbl,
			Ops:           idOps{},
			KeyLen:        8,
			KeysPerPage:   8,
			PagesPerBlock: 16,
			Kind:          Primary,
			Kilroy:        1,
		})
		require.NoError(t, err)
		t.Cleanup(func() { other.Close() })
		assert.Error(t, other.LoadBTree(bad))
	})
}

package sem

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/atlas/internal/errs"
)

func testKey(offset int) int {
	return 910000000 + (os.Getpid()%100000)*100 + offset
}

func TestKernelSemLifecycle(t *testing.T) {
	key := testKey(1)
	s := NewKernelSem()
	require.NoError(t, s.Create(key))
	t.Cleanup(func() { s.Close() })

	assert.ErrorIs(t, s.Create(key), errs.ErrObjectInUse, "handle already open")

	other := NewKernelSem()
	assert.Error(t, other.Create(key), "key exists in the kernel")
	require.NoError(t, other.Open(key))
	require.NoError(t, other.Close())
}

func TestKernelSemLocking(t *testing.T) {
	key := testKey(2)
	s := NewKernelSem()
	require.NoError(t, s.Create(key))
	t.Cleanup(func() { s.Close() })

	for i := 0; i < 10; i++ {
		require.NoError(t, s.GetLock())
		require.NoError(t, s.FreeLock())
	}

	// A second handle stands in for a second process.
	peer := NewKernelSem()
	require.NoError(t, peer.Open(key))
	require.NoError(t, peer.GetLock())
	assert.ErrorIs(t, s.TryLock(), errs.ErrObjectInUse)
	require.NoError(t, peer.FreeLock())
	require.NoError(t, s.TryLock())
	require.NoError(t, s.FreeLock())
	require.NoError(t, peer.Close())
}

func TestKernelSemRemovedOnLastClose(t *testing.T) {
	key := testKey(3)
	s := NewKernelSem()
	require.NoError(t, s.Create(key))
	require.NoError(t, s.Close())

	probe := NewKernelSem()
	err := probe.Open(key)
	assert.True(t, errors.Is(err, errs.ErrOperationFailed),
		"group should be gone after the last close, open said: %v", err)
}

func TestKernelSemBadParameters(t *testing.T) {
	s := NewKernelSem()
	assert.ErrorIs(t, s.Create(0), errs.ErrBadParameters)
	assert.ErrorIs(t, s.Open(0), errs.ErrBadParameters)
	assert.Error(t, s.GetLock(), "unopened handle cannot lock")
}

func TestKernelSemOpenMissing(t *testing.T) {
	s := NewKernelSem()
	assert.ErrorIs(t, s.Open(testKey(99)), errs.ErrOperationFailed)
}

package ids

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

func newTestAllocator(t *testing.T) (*Allocator, *layout.Layout) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "transactions"), 0755))
	lt := &layout.Layout{Root: dir}
	locks := fslock.NewManager(lt)
	return NewAllocator(lt, locks), lt
}

func TestNextTxnIDLegacy(t *testing.T) {
	a, _ := newTestAllocator(t)
	id1, err := a.NextTxnID(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "5-1", id1)

	id2, err := a.NextTxnID(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "5-2", id2)
}

func TestNextTxnIDModernCounter(t *testing.T) {
	a, lt := newTestAllocator(t)
	require.NoError(t, writeBase36Counter(lt.TxnCurrentPath(), 0))

	id1, err := a.NextTxnID(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "5-1", id1)

	id2, err := a.NextTxnID(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "7-2", id2)
}

func TestAllocateNodeAndCopyID(t *testing.T) {
	a, lt := newTestAllocator(t)
	require.NoError(t, os.MkdirAll(lt.TxnDir("0-1"), 0755))

	n1, err := a.AllocateNodeID("0-1")
	require.NoError(t, err)
	require.Equal(t, "_0", n1)

	n2, err := a.AllocateNodeID("0-1")
	require.NoError(t, err)
	require.Equal(t, "_1", n2)

	c1, err := a.AllocateCopyID("0-1")
	require.NoError(t, err)
	require.Equal(t, "_0", c1)
}

func TestFreshUniquifierIsDistinct(t *testing.T) {
	a, _ := newTestAllocator(t)
	u1 := a.FreshUniquifier("0-1")
	u2 := a.FreshUniquifier("0-1")
	require.NotEqual(t, u1, u2)
}

func TestRewriteIDScopedVsLegacy(t *testing.T) {
	scoped, err := RewriteID("_a", 42, 0, true)
	require.NoError(t, err)
	require.Equal(t, "a-42", scoped)

	legacy, err := RewriteID("_5", 42, 100, false)
	require.NoError(t, err)
	require.Equal(t, "2x", legacy) // 5+100 = 105 decimal, base36("105") = "2x"

	permanent, err := RewriteID("abc-3", 42, 0, true)
	require.NoError(t, err)
	require.Equal(t, "abc-3", permanent)
}

func TestUUIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lt := &layout.Layout{Root: dir}
	id := NewRepositoryUUID()
	require.NoError(t, WriteUUID(lt, id))

	got, err := ReadUUID(lt)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

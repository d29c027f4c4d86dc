package repcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	lt := &layout.Layout{Root: t.TempDir()}
	db, err := Open(lt)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sha1Of(b byte) [20]byte {
	var s [20]byte
	s[0] = b
	return s
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.Lookup(context.Background(), sha1Of(0x01))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertBatchThenLookup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entries := []Entry{
		{SHA1: sha1Of(0x02), Revision: 4, Offset: 100, Size: 10, ExpandedSize: 10},
		{SHA1: sha1Of(0x03), Revision: 5, Offset: 200, Size: 20, ExpandedSize: 40},
	}
	require.NoError(t, db.InsertBatch(ctx, entries))

	e, ok, err := db.Lookup(ctx, sha1Of(0x02))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), e.Revision)
	require.Equal(t, int64(100), e.Offset)

	loc, ok, err := db.LookupLoc(ctx, sha1Of(0x03))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), loc.Revision)
	require.Equal(t, int64(200), loc.Offset)
}

func TestInsertBatchIgnoresDuplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	first := []Entry{{SHA1: sha1Of(0x04), Revision: 1, Offset: 0, Size: 5, ExpandedSize: 5}}
	second := []Entry{{SHA1: sha1Of(0x04), Revision: 99, Offset: 999, Size: 5, ExpandedSize: 5}}

	require.NoError(t, db.InsertBatch(ctx, first))
	require.NoError(t, db.InsertBatch(ctx, second))

	e, ok, err := db.Lookup(ctx, sha1Of(0x04))
	require.NoError(t, err)
	require.True(t, ok)
	// The first writer's entry wins; INSERT OR IGNORE never overwrites.
	require.Equal(t, int64(1), e.Revision)
}

func TestPruneRemovesEntriesAboveRevision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entries := []Entry{
		{SHA1: sha1Of(0x05), Revision: 1, Offset: 0, Size: 1, ExpandedSize: 1},
		{SHA1: sha1Of(0x06), Revision: 10, Offset: 0, Size: 1, ExpandedSize: 1},
	}
	require.NoError(t, db.InsertBatch(ctx, entries))
	require.NoError(t, db.Prune(ctx, 5))

	_, ok, err := db.Lookup(ctx, sha1Of(0x05))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = db.Lookup(ctx, sha1Of(0x06))
	require.NoError(t, err)
	require.False(t, ok)
}

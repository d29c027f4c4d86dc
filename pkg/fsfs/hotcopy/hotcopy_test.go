package hotcopy_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs"
	"github.com/cs3org/revafs/pkg/fsfs/hotcopy"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

func readFile(t *testing.T, fs *fsfs.FS, root *fsfs.Root, path string) string {
	t.Helper()
	ctx := context.Background()
	id, err := root.Resolve(ctx, path)
	require.NoError(t, err)
	r, err := fs.FileContents(ctx, id)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

// TestHotcopyFreshDestinationMatchesSource exercises S6's core claim
// at small scale: after a fresh hotcopy, every revision readable from
// the source is byte-identical when read from the destination.
func TestHotcopyFreshDestinationMatchesSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srcRoot := filepath.Join(dir, "src")
	dstRoot := filepath.Join(dir, "dst")

	src, err := fsfs.Create(srcRoot, layout.FormatMax)
	require.NoError(t, err)

	tx1, err := src.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx1.Put(ctx, "/a.txt", []byte("revision one")))
	rev1, err := src.Commit(ctx, tx1)
	require.NoError(t, err)

	tx2, err := src.BeginTransaction(ctx, rev1)
	require.NoError(t, err)
	require.NoError(t, tx2.MakeDir(ctx, "/dir"))
	require.NoError(t, tx2.Put(ctx, "/dir/b.txt", []byte("revision two")))
	rev2, err := src.Commit(ctx, tx2)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	require.NoError(t, hotcopy.Copy(ctx, srcRoot, dstRoot, hotcopy.Options{}))

	dst, err := fsfs.Open(dstRoot)
	require.NoError(t, err)
	defer dst.Close()

	youngest, err := dst.YoungestRevision(ctx)
	require.NoError(t, err)
	require.EqualValues(t, rev2, youngest)
	require.Equal(t, src.UUID(), dst.UUID())

	srcRoot1, err := fsfs.Open(srcRoot)
	require.NoError(t, err)
	defer srcRoot1.Close()

	r1Src, err := srcRoot1.RevisionRoot(ctx, rev1)
	require.NoError(t, err)
	r1Dst, err := dst.RevisionRoot(ctx, rev1)
	require.NoError(t, err)
	require.Equal(t, readFile(t, srcRoot1, r1Src, "/a.txt"), readFile(t, dst, r1Dst, "/a.txt"))

	r2Src, err := srcRoot1.RevisionRoot(ctx, rev2)
	require.NoError(t, err)
	r2Dst, err := dst.RevisionRoot(ctx, rev2)
	require.NoError(t, err)
	require.Equal(t, readFile(t, srcRoot1, r2Src, "/dir/b.txt"), readFile(t, dst, r2Dst, "/dir/b.txt"))
}

// TestHotcopyIncrementalRefreshesNewRevisions exercises the
// incremental case: a destination already holding a prefix of the
// source's history picks up only what's new.
func TestHotcopyIncrementalRefreshesNewRevisions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srcRoot := filepath.Join(dir, "src")
	dstRoot := filepath.Join(dir, "dst")

	src, err := fsfs.Create(srcRoot, layout.FormatMax)
	require.NoError(t, err)

	tx1, err := src.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx1.Put(ctx, "/a.txt", []byte("first")))
	rev1, err := src.Commit(ctx, tx1)
	require.NoError(t, err)

	require.NoError(t, hotcopy.Copy(ctx, srcRoot, dstRoot, hotcopy.Options{}))

	tx2, err := src.BeginTransaction(ctx, rev1)
	require.NoError(t, err)
	require.NoError(t, tx2.Put(ctx, "/b.txt", []byte("second")))
	rev2, err := src.Commit(ctx, tx2)
	require.NoError(t, err)

	require.NoError(t, hotcopy.Copy(ctx, srcRoot, dstRoot, hotcopy.Options{}))

	dst, err := fsfs.Open(dstRoot)
	require.NoError(t, err)
	defer dst.Close()
	youngest, err := dst.YoungestRevision(ctx)
	require.NoError(t, err)
	require.EqualValues(t, rev2, youngest)

	root, err := dst.RevisionRoot(ctx, rev2)
	require.NoError(t, err)
	require.Equal(t, "second", readFile(t, dst, root, "/b.txt"))
}

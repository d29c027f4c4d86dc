package fsfs

import (
	"bytes"
	"context"
	"crypto/md5"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	fs, err := Create(filepath.Join(t.TempDir(), "repo"), layout.FormatMax)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestCreateStartsAtRevisionZero(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	youngest, err := fs.YoungestRevision(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, youngest)

	root, err := fs.RevisionRoot(ctx, 0)
	require.NoError(t, err)
	entries, err := fs.DirectoryEntries(ctx, root.RootID())
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestSingleCommitAddsFile exercises S1: a fresh repository, a
// single-file commit, and an exact content round-trip.
func TestSingleCommitAddsFile(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	tx, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "/hello.txt", []byte("hello world")))

	rev, err := fs.Commit(ctx, tx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	root, err := fs.RevisionRoot(ctx, rev)
	require.NoError(t, err)
	id, err := root.Resolve(ctx, "/hello.txt")
	require.NoError(t, err)

	r, err := fs.FileContents(ctx, id)
	require.NoError(t, err)
	defer r.Close()
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	nr, err := fs.NodeRevision(ctx, id)
	require.NoError(t, err)
	require.Equal(t, md5.Sum([]byte("hello world")), nr.DataRep.MD5)
}

// TestRepSharingDedupesIdenticalContent exercises S2: two files with
// byte-identical content committed in one transaction must share a
// single physical representation.
func TestRepSharingDedupesIdenticalContent(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	tx, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "/a.txt", []byte("identical payload")))
	require.NoError(t, tx.Put(ctx, "/b.txt", []byte("identical payload")))

	rev, err := fs.Commit(ctx, tx)
	require.NoError(t, err)

	root, err := fs.RevisionRoot(ctx, rev)
	require.NoError(t, err)
	aID, err := root.Resolve(ctx, "/a.txt")
	require.NoError(t, err)
	bID, err := root.Resolve(ctx, "/b.txt")
	require.NoError(t, err)

	aNR, err := fs.NodeRevision(ctx, aID)
	require.NoError(t, err)
	bNR, err := fs.NodeRevision(ctx, bID)
	require.NoError(t, err)

	require.Equal(t, aNR.DataRep.Loc.Revision, bNR.DataRep.Loc.Revision)
	require.Equal(t, aNR.DataRep.Loc.Offset, bNR.DataRep.Loc.Offset)
	require.Equal(t, aNR.DataRep.Loc.Size, bNR.DataRep.Loc.Size)
}

// TestCommitRejectsOutOfDateBase exercises S3.
func TestCommitRejectsOutOfDateBase(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	first, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "/a.txt", []byte("a")))
	_, err = fs.Commit(ctx, first)
	require.NoError(t, err)

	stale, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, stale.Put(ctx, "/b.txt", []byte("b")))
	_, err = fs.Commit(ctx, stale)
	require.Error(t, err)
}

// TestChangedPathsFoldsRepeatedEdits exercises S4: editing the same
// path twice in one transaction folds down to a single net-effect
// changed-path record.
func TestChangedPathsFoldsRepeatedEdits(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	tx, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "/a.txt", []byte("first")))
	require.NoError(t, tx.Put(ctx, "/a.txt", []byte("second")))

	rev, err := fs.Commit(ctx, tx)
	require.NoError(t, err)

	changes, err := fs.ChangedPaths(ctx, rev)
	require.NoError(t, err)

	var forA int
	for _, c := range changes {
		if c.Path == "/a.txt" {
			forA++
		}
	}
	require.Equal(t, 1, forA)

	root, err := fs.RevisionRoot(ctx, rev)
	require.NoError(t, err)
	id, err := root.Resolve(ctx, "/a.txt")
	require.NoError(t, err)
	r, err := fs.FileContents(ctx, id)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "second", string(content))
}

// TestPutChainDeltifiesAgainstPredecessor exercises the start of S5's
// delta-chain scenario: a second write to the same path, in a later
// transaction, should not blow up and should read back correctly.
func TestPutChainDeltifiesAgainstPredecessor(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	base := bytes.Repeat([]byte("x"), 4096)

	tx1, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx1.Put(ctx, "/big.bin", base))
	rev1, err := fs.Commit(ctx, tx1)
	require.NoError(t, err)

	modified := append(append([]byte{}, base...), []byte("tail")...)
	tx2, err := fs.BeginTransaction(ctx, rev1)
	require.NoError(t, err)
	require.NoError(t, tx2.Put(ctx, "/big.bin", modified))
	rev2, err := fs.Commit(ctx, tx2)
	require.NoError(t, err)

	root, err := fs.RevisionRoot(ctx, rev2)
	require.NoError(t, err)
	id, err := root.Resolve(ctx, "/big.bin")
	require.NoError(t, err)
	r, err := fs.FileContents(ctx, id)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, modified, content)
}

func TestMakeDirAndNestedPut(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	tx, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.MakeDir(ctx, "/dir"))
	require.NoError(t, tx.Put(ctx, "/dir/nested.txt", []byte("nested")))

	rev, err := fs.Commit(ctx, tx)
	require.NoError(t, err)

	root, err := fs.RevisionRoot(ctx, rev)
	require.NoError(t, err)
	id, err := root.Resolve(ctx, "/dir/nested.txt")
	require.NoError(t, err)
	r, err := fs.FileContents(ctx, id)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "nested", string(content))
}

func TestCopyAndMove(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	tx, err := fs.BeginTransaction(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "/src.txt", []byte("payload")))
	rev1, err := fs.Commit(ctx, tx)
	require.NoError(t, err)

	root1, err := fs.RevisionRoot(ctx, rev1)
	require.NoError(t, err)

	tx2, err := fs.BeginTransaction(ctx, rev1)
	require.NoError(t, err)
	require.NoError(t, tx2.Copy(ctx, root1, "/src.txt", "/copy.txt"))
	require.NoError(t, tx2.Move(ctx, root1, "/src.txt", "/moved.txt"))
	rev2, err := fs.Commit(ctx, tx2)
	require.NoError(t, err)

	root2, err := fs.RevisionRoot(ctx, rev2)
	require.NoError(t, err)

	_, err = root2.Resolve(ctx, "/src.txt")
	require.Error(t, err)

	for _, p := range []string{"/copy.txt", "/moved.txt"} {
		id, err := root2.Resolve(ctx, p)
		require.NoError(t, err)
		r, err := fs.FileContents(ctx, id)
		require.NoError(t, err)
		content, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "payload", string(content))
	}
}

package commit

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/ids"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/noderev"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
	"github.com/cs3org/revafs/pkg/fsfs/txn"
)

// newTestRepo lays down the minimal on-disk state this package needs
// from an already-initialized repository: an empty revision 0 with a
// childless directory root, an empty revprop set, and a current file
// pointing at it. It mirrors what pkg/fsfs.Create would do, without
// depending on that package (which imports this one).
func newTestRepo(t *testing.T) (*layout.Layout, *fslock.Manager, *ids.Allocator, *noderev.NodeRevision) {
	t.Helper()
	dir := t.TempDir()
	lt := &layout.Layout{Root: dir, Format: layout.FormatMax, Kind: layout.LayoutLinear}

	require.NoError(t, os.MkdirAll(lt.RevisionDir(0), 0755))
	require.NoError(t, os.MkdirAll(lt.RevpropsDirFor(0), 0755))

	root := &noderev.NodeRevision{
		ID:         noderev.ID{NodeID: "0", CopyID: "0", Revision: 0, Offset: 0},
		Kind:       noderev.KindDir,
		CreatedRev: 0, CreatedPath: "/",
		Copyroot: noderev.PathRev{Revision: 0, Path: "/"},
	}
	rootBytes := noderev.Encode(root, lt.SupportsDedicatedProtorevs())
	// The empty changed-paths section still needs a newline separating
	// it from the trailer line, the same guard writeChangedPaths always
	// emits, so parseTrailer's last-line search has an unambiguous
	// boundary (see commit.go's writeChangedPaths comment).
	rev0 := append(append([]byte{}, rootBytes...), '\n')
	rev0 = append(rev0, []byte(fmt.Sprintf("0 %d\n", len(rootBytes)+1))...)
	require.NoError(t, os.WriteFile(lt.RevisionPath(0), rev0, 0644))
	require.NoError(t, os.WriteFile(lt.RevpropsPath(0), txn.EncodeProps(map[string]string{}), 0644))
	require.NoError(t, lt.WriteCurrent(layout.Current{Youngest: 0}))

	locks := fslock.NewManager(lt)
	alloc := ids.NewAllocator(lt, locks)
	return lt, locks, alloc, root
}

func TestCommitAddsFileUnderRoot(t *testing.T) {
	ctx := context.Background()
	lt, locks, alloc, baseRoot := newTestRepo(t)

	tx, err := txn.Begin(ctx, lt, locks, alloc, 0, baseRoot, map[string]string{"svn:author": "tester"})
	require.NoError(t, err)

	nodeID, err := alloc.AllocateNodeID(tx.ID)
	require.NoError(t, err)
	copyID, err := alloc.AllocateCopyID(tx.ID)
	require.NoError(t, err)

	fileID := noderev.ID{NodeID: nodeID, CopyID: copyID, TxnID: tx.ID}
	fileNR := &noderev.NodeRevision{
		ID:         fileID,
		Kind:       noderev.KindFile,
		CreatedRev: 1, CreatedPath: "/foo.txt",
		Copyroot: noderev.PathRev{Revision: 0, Path: "/"},
	}
	require.NoError(t, tx.PutNodeRevision(fileNR))

	ptr, err := tx.SetContents(ctx, func(w *rep.Writer) error {
		_, err := w.Write([]byte("hello world"))
		return err
	}, rep.KindPlain, nil, nil, "")
	require.NoError(t, err)
	fileNR.DataRep = &ptr
	require.NoError(t, tx.PutNodeRevision(fileNR))

	require.NoError(t, tx.SetEntry(baseRoot.ID.NodeID, txn.DirEntry{Name: "foo.txt", NodeID: fileID.Encode(), Kind: "file"}, false))
	require.NoError(t, tx.AddChange(txn.Change{
		Path: "/foo.txt", NodeID: fileID.Encode(), Kind: txn.ChangeAdd,
		TextMod: true, NodeKind: txn.NodeFile, CopyfromRev: -1,
	}))

	p := New(lt, locks, nil)
	rev, err := p.Commit(ctx, tx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	cur, err := lt.ReadCurrent()
	require.NoError(t, err)
	require.EqualValues(t, 1, cur.Youngest)

	finalRoot, err := readRevisionRoot(lt, 1)
	require.NoError(t, err)
	require.Equal(t, noderev.KindDir, finalRoot.Kind)
	require.Equal(t, 1, finalRoot.PredecessorCount)
	require.NotNil(t, finalRoot.DataRep)

	listingBytes, err := rep.Reconstruct(lt, finalRoot.DataRep.Loc)
	require.NoError(t, err)
	entries, err := noderev.DecodeDirListing(listingBytes)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "foo.txt", entries[0].Name)
	require.Equal(t, noderev.KindFile, entries[0].Kind)
	require.False(t, entries[0].ID.IsTransaction())
	require.EqualValues(t, 1, entries[0].ID.Revision)

	childNR, err := readNodeRevisionAt(lt, entries[0].ID)
	require.NoError(t, err)
	require.NotNil(t, childNR.DataRep)
	require.False(t, childNR.DataRep.Loc.IsTransaction())
	content, err := rep.Reconstruct(lt, childNR.DataRep.Loc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	_, err = os.Stat(lt.TxnDir(tx.ID))
	require.True(t, os.IsNotExist(err))
}

func TestCommitRejectsStaleBase(t *testing.T) {
	ctx := context.Background()
	lt, locks, alloc, baseRoot := newTestRepo(t)

	committed, err := txn.Begin(ctx, lt, locks, alloc, 0, baseRoot, nil)
	require.NoError(t, err)
	p := New(lt, locks, nil)
	_, err = p.Commit(ctx, committed)
	require.NoError(t, err)

	stale, err := txn.Begin(ctx, lt, locks, alloc, 0, baseRoot, nil)
	require.NoError(t, err)
	_, err = p.Commit(ctx, stale)
	require.Error(t, err)
	require.Equal(t, fsfserr.KindTxnOutOfDate, fsfserr.KindOf(err))
}

func TestCommitUnchangedDirectoryKeepsPredecessorRep(t *testing.T) {
	ctx := context.Background()
	lt, locks, alloc, baseRoot := newTestRepo(t)

	tx, err := txn.Begin(ctx, lt, locks, alloc, 0, baseRoot, nil)
	require.NoError(t, err)
	require.NoError(t, tx.SetProplist(baseRoot.ID.NodeID, map[string]string{"svn:test": "1"}))

	p := New(lt, locks, nil)
	rev, err := p.Commit(ctx, tx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	finalRoot, err := readRevisionRoot(lt, 1)
	require.NoError(t, err)
	require.Nil(t, finalRoot.DataRep)
	require.NotNil(t, finalRoot.PropsRep)

	props, err := rep.Reconstruct(lt, finalRoot.PropsRep.Loc)
	require.NoError(t, err)
	decoded, err := txn.DecodeProps(props)
	require.NoError(t, err)
	require.Equal(t, "1", decoded["svn:test"])
}

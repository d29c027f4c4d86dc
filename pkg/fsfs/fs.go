package fsfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cs3org/revafs/pkg/fsfs/commit"
	"github.com/cs3org/revafs/pkg/fsfs/fsfsconf"
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/ids"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/noderev"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
	"github.com/cs3org/revafs/pkg/fsfs/repcache"
	"github.com/cs3org/revafs/pkg/fsfs/txn"
)

// FS is an open handle onto one on-disk repository.
type FS struct {
	lt       *layout.Layout
	locks    *fslock.Manager
	alloc    *ids.Allocator
	repCache *repcache.DB
	pipeline *commit.Pipeline
	conf     fsfsconf.Config

	uuid string
}

var _ interface {
	YoungestRevision(ctx context.Context) (Revision, error)
	RevisionRoot(ctx context.Context, rev Revision) (*Root, error)
	BeginTransaction(ctx context.Context, base Revision) (*Transaction, error)
	AbortTransaction(ctx context.Context, t *Transaction) error
	Commit(ctx context.Context, t *Transaction) (Revision, error)
	NodeRevision(ctx context.Context, id NodeRevisionID) (*NodeRevision, error)
	FileContents(ctx context.Context, id NodeRevisionID) (io.ReadCloser, error)
	DirectoryEntries(ctx context.Context, id NodeRevisionID) ([]DirEntry, error)
	ChangedPaths(ctx context.Context, rev Revision) ([]PathChange, error)
} = (*FS)(nil)

// Create lays down a brand-new repository at root: the format file,
// a fresh UUID, an empty revision 0 (a childless directory), and
// config file defaults, then opens it. format must be within
// [layout.FormatMin, layout.FormatMax].
func Create(root string, format int) (*FS, error) {
	if err := layout.ValidateFormat(format); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create repository directory %s", root)
	}

	ff := &layout.FormatFile{Format: format, Kind: layout.LayoutLinear}
	lt := layout.New(root, ff)

	if err := os.MkdirAll(lt.RevisionDir(0), 0755); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create revisions directory")
	}
	if err := os.MkdirAll(lt.RevpropsDirFor(0), 0755); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create revprops directory")
	}
	if lt.SupportsDedicatedProtorevs() {
		if err := os.MkdirAll(lt.TxnProtorevsDir(), 0755); err != nil {
			return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create txn-protorevs directory")
		}
	}

	root0 := &noderev.NodeRevision{
		ID:         noderev.ID{NodeID: "0", CopyID: "0", Revision: 0, Offset: 0},
		Kind:       noderev.KindDir,
		CreatedRev: 0, CreatedPath: "/",
		Copyroot: noderev.PathRev{Revision: 0, Path: "/"},
	}
	rootBytes := noderev.Encode(root0, lt.SupportsDedicatedProtorevs())
	rev0 := append(append([]byte{}, rootBytes...), '\n')
	rev0 = append(rev0, []byte(fmt.Sprintf("0 %d\n", len(rootBytes)+1))...)
	if err := os.WriteFile(lt.RevisionPath(0), rev0, 0644); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "write revision 0")
	}
	if err := os.WriteFile(lt.RevpropsPath(0), txn.EncodeProps(map[string]string{
		"svn:date": time.Now().UTC().Format(time.RFC3339Nano),
	}), 0644); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "write revision 0 properties")
	}
	if err := lt.WriteCurrent(layout.Current{Youngest: 0}); err != nil {
		return nil, err
	}
	if err := ids.WriteUUID(lt, ids.NewRepositoryUUID()); err != nil {
		return nil, err
	}
	if lt.SupportsPackedRevisions() {
		if err := os.WriteFile(lt.MinUnpackedRevPath(), []byte("1\n"), 0644); err != nil {
			return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "write min-unpacked-rev")
		}
	}
	if err := fsfsconf.Write(lt.ConfigPath(), fsfsconf.Default()); err != nil {
		return nil, err
	}
	if err := layout.WriteFormat(root, ff); err != nil {
		return nil, err
	}

	return Open(root)
}

// Open opens an already-created repository at root.
func Open(root string) (*FS, error) {
	ff, err := layout.ReadFormat(root)
	if err != nil {
		return nil, err
	}
	lt := layout.New(root, ff)

	uuid, err := ids.ReadUUID(lt)
	if err != nil {
		return nil, err
	}

	conf, err := fsfsconf.Load(lt.ConfigPath())
	if err != nil {
		return nil, err
	}

	locks := fslock.NewManager(lt)
	alloc := ids.NewAllocator(lt, locks)

	var repCache *repcache.DB
	if lt.SupportsRepSharing() && conf.RepSharing.Enable {
		repCache, err = repcache.Open(lt)
		if err != nil {
			return nil, err
		}
	}

	pipeline := commit.New(lt, locks, repCache)
	pipeline.Deltify = conf.DeltifyConfig()

	return &FS{
		lt: lt, locks: locks, alloc: alloc, repCache: repCache,
		pipeline: pipeline, conf: conf, uuid: uuid,
	}, nil
}

// Close releases resources (the rep-sharing database handle) held by
// fs. It does not remove anything on disk.
func (fs *FS) Close() error {
	if fs.repCache != nil {
		return fs.repCache.Close()
	}
	return nil
}

// UUID returns the repository's identity, the same value hotcopy and
// upgrade compare before operating across two stores.
func (fs *FS) UUID() string { return fs.uuid }

// Layout exposes the underlying on-disk layout for callers (hotcopy,
// upgrade, the admin CLIs) that need paths this façade doesn't itself
// expose as an operation.
func (fs *FS) Layout() *layout.Layout { return fs.lt }

func (fs *FS) YoungestRevision(ctx context.Context) (Revision, error) {
	cur, err := fs.lt.ReadCurrent()
	if err != nil {
		return 0, err
	}
	return cur.Youngest, nil
}

func (fs *FS) RevisionRoot(ctx context.Context, rev Revision) (*Root, error) {
	cur, err := fs.lt.ReadCurrent()
	if err != nil {
		return nil, err
	}
	if rev < 0 || rev > cur.Youngest {
		return nil, fsfserr.New(fsfserr.KindNoSuchRevision, "no such revision %d (youngest is %d)", rev, cur.Youngest)
	}
	rootNR, err := noderev.ReadRoot(fs.lt, rev)
	if err != nil {
		return nil, err
	}
	return &Root{fs: fs, revision: rev, rootID: rootNR.ID}, nil
}

func (fs *FS) BeginTransaction(ctx context.Context, base Revision) (*Transaction, error) {
	cur, err := fs.lt.ReadCurrent()
	if err != nil {
		return nil, err
	}
	if base < 0 || base > cur.Youngest {
		return nil, fsfserr.New(fsfserr.KindNoSuchRevision, "no such revision %d (youngest is %d)", base, cur.Youngest)
	}
	baseRoot, err := noderev.ReadRoot(fs.lt, base)
	if err != nil {
		return nil, err
	}
	authorProps := map[string]string{"svn:date": time.Now().UTC().Format(time.RFC3339Nano)}
	raw, err := txn.Begin(ctx, fs.lt, fs.locks, fs.alloc, base, baseRoot, authorProps)
	if err != nil {
		return nil, err
	}
	return &Transaction{fs: fs, raw: raw, shareSeen: map[[20]byte]rep.Loc{}}, nil
}

func (fs *FS) AbortTransaction(ctx context.Context, t *Transaction) error {
	return t.raw.Abort()
}

func (fs *FS) Commit(ctx context.Context, t *Transaction) (Revision, error) {
	return fs.pipeline.Commit(ctx, t.raw)
}

func (fs *FS) NodeRevision(ctx context.Context, id NodeRevisionID) (*NodeRevision, error) {
	if id.IsTransaction() {
		return nil, fsfserr.New(fsfserr.KindUnversionedResource, "node-revision %s is not yet committed", id.Encode())
	}
	return noderev.ReadAt(fs.lt, id)
}

func (fs *FS) FileContents(ctx context.Context, id NodeRevisionID) (io.ReadCloser, error) {
	nr, err := fs.NodeRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if nr.Kind != noderev.KindFile {
		return nil, fsfserr.New(fsfserr.KindNotFile, "node-revision %s is not a file", id.Encode())
	}
	if nr.DataRep == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	b, err := rep.Reconstruct(fs.lt, nr.DataRep.Loc)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (fs *FS) DirectoryEntries(ctx context.Context, id NodeRevisionID) ([]DirEntry, error) {
	nr, err := fs.NodeRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if nr.Kind != noderev.KindDir {
		return nil, fsfserr.New(fsfserr.KindNotDirectory, "node-revision %s is not a directory", id.Encode())
	}
	if nr.DataRep == nil {
		return nil, nil
	}
	b, err := rep.Reconstruct(fs.lt, nr.DataRep.Loc)
	if err != nil {
		return nil, err
	}
	return noderev.DecodeDirListing(b)
}

func (fs *FS) ChangedPaths(ctx context.Context, rev Revision) ([]PathChange, error) {
	b, err := noderev.ChangedPathsSection(fs.lt, rev)
	if err != nil {
		return nil, err
	}
	raw, err := txn.DecodeChangesLog(b)
	if err != nil {
		return nil, err
	}
	return txn.Fold(raw)
}

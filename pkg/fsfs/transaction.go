package fsfs

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cs3org/revafs/pkg/fsfs/deltify"
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/fsfslog"
	"github.com/cs3org/revafs/pkg/fsfs/noderev"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
	"github.com/cs3org/revafs/pkg/fsfs/repcache"
	"github.com/cs3org/revafs/pkg/fsfs/txn"
)

// Transaction is one open, mutable revision-in-progress. Unlike the
// inner pkg/fsfs/txn.Transaction it wraps, it offers path-addressed
// mutation operations (MakeDir, Put, Remove, Copy, Move) that
// transparently clone whatever revision-located ancestors lie on the
// path into the transaction, the copy-on-write step spec.md §4.8
// describes for "making a path mutable".
type Transaction struct {
	fs  *FS
	raw *txn.Transaction

	shareMu   sync.Mutex
	shareSeen map[[20]byte]rep.Loc
}

// ID is the underlying transaction-id, e.g. for logging.
func (t *Transaction) ID() string { return t.raw.ID }

// BaseRevision is the revision this transaction was begun against.
func (t *Transaction) BaseRevision() Revision { return t.raw.BaseRev }

// RootID is the node-revision-id of this transaction's (always
// transaction-located) mutable root.
func (t *Transaction) RootID() NodeRevisionID { return t.raw.RootID() }

// nodeRevision reads a node-revision regardless of whether id is
// still transaction-located or already committed.
func (t *Transaction) nodeRevision(id noderev.ID) (*noderev.NodeRevision, error) {
	if id.IsTransaction() {
		return t.raw.GetNodeRevision(id)
	}
	return noderev.ReadAt(t.fs.lt, id)
}

// dirEntries returns dirID's current entry set, applying this
// transaction's own hash-diff if dirID is transaction-located.
func (t *Transaction) dirEntries(dirID noderev.ID) ([]noderev.DirEntry, error) {
	nr, err := t.nodeRevision(dirID)
	if err != nil {
		return nil, err
	}
	if nr.Kind != noderev.KindDir {
		return nil, fsfserr.New(fsfserr.KindNotDirectory, "%s is not a directory", dirID.Encode())
	}
	var base []noderev.DirEntry
	if nr.DataRep != nil {
		raw, err := rep.Reconstruct(t.fs.lt, nr.DataRep.Loc)
		if err != nil {
			return nil, err
		}
		base, err = noderev.DecodeDirListing(raw)
		if err != nil {
			return nil, err
		}
	}
	if !dirID.IsTransaction() {
		return base, nil
	}
	entries, _, err := t.raw.ApplyDirDiff(dirID.NodeID, toTxnEntries(base))
	if err != nil {
		return nil, err
	}
	return fromTxnEntries(entries)
}

func toTxnEntries(in []noderev.DirEntry) []txn.DirEntry {
	out := make([]txn.DirEntry, len(in))
	for i, e := range in {
		out[i] = txn.DirEntry{Name: e.Name, NodeID: e.ID.Encode(), Kind: e.Kind.String()}
	}
	return out
}

func fromTxnEntries(in []txn.DirEntry) ([]noderev.DirEntry, error) {
	out := make([]noderev.DirEntry, 0, len(in))
	for _, e := range in {
		id, err := noderev.ParseID(e.NodeID)
		if err != nil {
			return nil, err
		}
		kind, err := noderev.ParseKind(e.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, noderev.DirEntry{Name: e.Name, ID: id, Kind: kind})
	}
	return out, nil
}

func kindToChangeKind(k noderev.Kind) txn.NodeKind {
	if k == noderev.KindDir {
		return txn.NodeDir
	}
	return txn.NodeFile
}

// cloneIntoTransaction clones an already-committed node-revision into
// this transaction's scratch area as a fresh, mutable successor: same
// node-id/copy-id, origin repointed at the transaction, predecessor
// link set to the original. This is the same shape txn.Begin already
// applies to the root; MakeDir/Put/Remove/Copy generalize it to
// arbitrary descendants walked on demand.
func (t *Transaction) cloneIntoTransaction(id noderev.ID) (*noderev.NodeRevision, error) {
	orig, err := noderev.ReadAt(t.fs.lt, id)
	if err != nil {
		return nil, err
	}
	clone := *orig
	clone.ID = noderev.ID{NodeID: orig.ID.NodeID, CopyID: orig.ID.CopyID, TxnID: t.raw.ID}
	clone.PredecessorID = &orig.ID
	clone.PredecessorCount = orig.PredecessorCount + 1
	clone.Copyfrom = nil
	clone.FreshTxnRoot = false
	if err := t.raw.PutNodeRevision(&clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// ensureMutableChildDir returns the transaction-located id of the
// directory named comp inside the already-mutable directory dirID,
// cloning it into the transaction first if it is still
// revision-located.
func (t *Transaction) ensureMutableChildDir(dirID noderev.ID, comp string) (noderev.ID, error) {
	entries, err := t.dirEntries(dirID)
	if err != nil {
		return noderev.ID{}, err
	}
	childID, ok := lookupEntry(entries, comp)
	if !ok {
		return noderev.ID{}, fsfserr.New(fsfserr.KindUnversionedResource, "no such directory %q", comp)
	}
	if childID.IsTransaction() {
		return childID, nil
	}
	clone, err := t.cloneIntoTransaction(childID)
	if err != nil {
		return noderev.ID{}, err
	}
	if clone.Kind != noderev.KindDir {
		return noderev.ID{}, fsfserr.New(fsfserr.KindNotDirectory, "%q is not a directory", comp)
	}
	if err := t.raw.SetEntry(dirID.NodeID, txn.DirEntry{Name: comp, NodeID: clone.ID.Encode(), Kind: clone.Kind.String()}, false); err != nil {
		return noderev.ID{}, err
	}
	return clone.ID, nil
}

// ensureMutableParent walks path down from the transaction's root,
// making every intermediate directory mutable along the way, and
// returns the (now mutable) parent directory's id, the final path
// component's name, and the pre-existing child's id if one is already
// present under that name.
func (t *Transaction) ensureMutableParent(path string) (parentID noderev.ID, name string, existing *noderev.ID, err error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return noderev.ID{}, "", nil, fsfserr.New(fsfserr.KindCorrupt, "empty path")
	}
	current := t.raw.RootID()
	for _, comp := range comps[:len(comps)-1] {
		current, err = t.ensureMutableChildDir(current, comp)
		if err != nil {
			return noderev.ID{}, "", nil, err
		}
	}
	name = comps[len(comps)-1]
	entries, err := t.dirEntries(current)
	if err != nil {
		return noderev.ID{}, "", nil, err
	}
	if id, ok := lookupEntry(entries, name); ok {
		existing = &id
	}
	return current, name, existing, nil
}

// MakeDir creates a new, empty directory at path. The parent must
// already exist; path itself must not.
func (t *Transaction) MakeDir(ctx context.Context, path string) error {
	parentID, name, existing, err := t.ensureMutableParent(path)
	if err != nil {
		return err
	}
	if existing != nil {
		return fsfserr.New(fsfserr.KindCorrupt, "path %q already exists", path)
	}
	parentNR, err := t.nodeRevision(parentID)
	if err != nil {
		return err
	}

	nodeID, err := t.fs.alloc.AllocateNodeID(t.raw.ID)
	if err != nil {
		return err
	}
	copyID, err := t.fs.alloc.AllocateCopyID(t.raw.ID)
	if err != nil {
		return err
	}

	nr := &noderev.NodeRevision{
		ID:          noderev.ID{NodeID: nodeID, CopyID: copyID, TxnID: t.raw.ID},
		Kind:        noderev.KindDir,
		CreatedRev:  t.raw.BaseRev + 1,
		CreatedPath: canonicalPath(path),
		Copyroot:    parentNR.Copyroot,
	}
	if err := t.raw.PutNodeRevision(nr); err != nil {
		return err
	}
	if err := t.raw.SetEntry(parentID.NodeID, txn.DirEntry{Name: name, NodeID: nr.ID.Encode(), Kind: "dir"}, false); err != nil {
		return err
	}
	return t.raw.AddChange(txn.Change{
		Path: canonicalPath(path), NodeID: nr.ID.Encode(), Kind: txn.ChangeAdd,
		NodeKind: txn.NodeDir, CopyfromRev: -1,
	})
}

// Put writes content as the full contents of the file at path,
// creating it if it does not already exist or replacing it (as a new
// node-revision, chained off the old one) if it does.
//
// Before ever touching the proto-revision file it runs spec.md §4.7's
// three-tier rep-sharing lookup (in-memory, per-transaction sidecar,
// then the rep-cache database) against content's SHA-1, and — on a
// miss — spec.md §4.6's deltify decision against the file's
// predecessor chain. The commit pipeline never deltifies file
// content itself (only directory listings and property lists get
// that treatment at commit time), so this is the one place file-level
// deltification and dedup happen.
func (t *Transaction) Put(ctx context.Context, path string, content []byte) error {
	parentID, name, existing, err := t.ensureMutableParent(path)
	if err != nil {
		return err
	}

	var nr *noderev.NodeRevision
	changeKind := txn.ChangeAdd

	switch {
	case existing == nil:
		nodeID, err := t.fs.alloc.AllocateNodeID(t.raw.ID)
		if err != nil {
			return err
		}
		copyID, err := t.fs.alloc.AllocateCopyID(t.raw.ID)
		if err != nil {
			return err
		}
		parentNR, err := t.nodeRevision(parentID)
		if err != nil {
			return err
		}
		nr = &noderev.NodeRevision{
			ID:          noderev.ID{NodeID: nodeID, CopyID: copyID, TxnID: t.raw.ID},
			Kind:        noderev.KindFile,
			CreatedRev:  t.raw.BaseRev + 1,
			CreatedPath: canonicalPath(path),
			Copyroot:    parentNR.Copyroot,
		}
	case existing.IsTransaction():
		nr, err = t.raw.GetNodeRevision(*existing)
		if err != nil {
			return err
		}
		if nr.Kind != noderev.KindFile {
			return fsfserr.New(fsfserr.KindNotFile, "%q is not a file", path)
		}
		changeKind = txn.ChangeModify
	default:
		orig, err := noderev.ReadAt(t.fs.lt, *existing)
		if err != nil {
			return err
		}
		if orig.Kind != noderev.KindFile {
			return fsfserr.New(fsfserr.KindNotFile, "%q is not a file", path)
		}
		nr, err = t.cloneIntoTransaction(*existing)
		if err != nil {
			return err
		}
		changeKind = txn.ChangeModify
	}

	sum := sha1.Sum(content)
	ptr, deduped, err := t.shareLookup(ctx, content, sum)
	if err != nil {
		return err
	}
	if !deduped {
		ptr, err = t.writeFileContents(ctx, content, sum, nr.PredecessorID, nr.PredecessorCount)
		if err != nil {
			return err
		}
	}
	nr.DataRep = &ptr

	if err := t.raw.PutNodeRevision(nr); err != nil {
		return err
	}
	if existing == nil || !existing.IsTransaction() {
		if err := t.raw.SetEntry(parentID.NodeID, txn.DirEntry{Name: name, NodeID: nr.ID.Encode(), Kind: "file"}, false); err != nil {
			return err
		}
	}
	return t.raw.AddChange(txn.Change{
		Path: canonicalPath(path), NodeID: nr.ID.Encode(), Kind: changeKind,
		TextMod: true, NodeKind: txn.NodeFile, CopyfromRev: -1,
	})
}

// writeFileContents performs the deltify decision and streams content
// into the proto-revision file, remembering its location for
// subsequent rep-sharing hits within this same transaction.
func (t *Transaction) writeFileContents(ctx context.Context, content []byte, sum [20]byte, predID *noderev.ID, predCount int) (rep.Pointer, error) {
	kind := rep.KindPlain
	var baseRef *rep.BaseRef
	var baseContent []byte

	if predCount > 0 && predID != nil {
		decision := deltify.Decide(t.fs.pipeline.Deltify, predCount, 0)
		if decision.Delta {
			baseNR, err := noderev.WalkPredecessors(t.fs.lt, predID, decision.WalkBack)
			if err == nil && baseNR.DataRep != nil {
				chainLen, cerr := rep.ChainLength(t.fs.lt, baseNR.DataRep.Loc)
				if cerr == nil {
					decision = deltify.Decide(t.fs.pipeline.Deltify, predCount, chainLen)
				}
				if decision.Delta {
					if bc, rerr := rep.Reconstruct(t.fs.lt, baseNR.DataRep.Loc); rerr == nil {
						kind = rep.KindDelta
						baseRef = &rep.BaseRef{
							Revision: baseNR.DataRep.Loc.Revision,
							Offset:   baseNR.DataRep.Loc.Offset,
							Size:     baseNR.DataRep.Loc.Size,
						}
						baseContent = bc
					}
				}
			}
		}
	}

	uniq := t.fs.alloc.FreshUniquifier(t.raw.ID)
	ptr, err := t.raw.SetContents(ctx, func(w *rep.Writer) error {
		_, err := w.Write(content)
		return err
	}, kind, baseRef, baseContent, uniq)
	if err != nil {
		return rep.Pointer{}, err
	}

	t.remember(sum, ptr.Loc)
	if err := t.writeSidecar(sum, ptr.Loc); err != nil {
		fsfslog.FromContext(ctx).Warn().Err(err).Str("txn", t.raw.ID).Msg("failed to write rep-sharing sidecar")
	}
	return ptr, nil
}

// shareLookup implements spec.md §4.7's three-tier lookup order.
func (t *Transaction) shareLookup(ctx context.Context, content []byte, sum [20]byte) (rep.Pointer, bool, error) {
	loc, found := t.sharedInMemory(sum)

	if !found {
		l, ok, err := t.sidecarLookup(sum)
		if err != nil {
			return rep.Pointer{}, false, err
		}
		loc, found = l, ok
	}
	if !found && t.fs.repCache != nil {
		l, ok, err := t.fs.repCache.LookupLoc(ctx, sum)
		if err != nil {
			return rep.Pointer{}, false, err
		}
		loc, found = l, ok
	}
	if !found {
		return rep.Pointer{}, false, nil
	}

	md5sum := md5.Sum(content)
	return rep.Pointer{
		Loc:          loc,
		ExpandedSize: int64(len(content)),
		MD5:          md5sum,
		SHA1:         sum,
		HasSHA1:      true,
	}, true, nil
}

func (t *Transaction) sharedInMemory(sum [20]byte) (rep.Loc, bool) {
	t.shareMu.Lock()
	defer t.shareMu.Unlock()
	loc, ok := t.shareSeen[sum]
	return loc, ok
}

func (t *Transaction) remember(sum [20]byte, loc rep.Loc) {
	t.shareMu.Lock()
	defer t.shareMu.Unlock()
	t.shareSeen[sum] = loc
}

func (t *Transaction) sidecarLookup(sum [20]byte) (rep.Loc, bool, error) {
	p := t.fs.lt.SidecarPath(t.raw.ID, repcache.SidecarName(sum))
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return rep.Loc{}, false, nil
	}
	if err != nil {
		return rep.Loc{}, false, fsfserr.Wrap(fsfserr.KindGeneral, err, "read rep-sharing sidecar %s", p)
	}
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return rep.Loc{}, false, fsfserr.New(fsfserr.KindCorrupt, "malformed rep-sharing sidecar %s", p)
	}
	off, err1 := strconv.ParseInt(fields[0], 10, 64)
	size, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return rep.Loc{}, false, fsfserr.New(fsfserr.KindCorrupt, "malformed rep-sharing sidecar %s", p)
	}
	return rep.Loc{TxnID: t.raw.ID, Offset: off, Size: size}, true, nil
}

func (t *Transaction) writeSidecar(sum [20]byte, loc rep.Loc) error {
	p := t.fs.lt.SidecarPath(t.raw.ID, repcache.SidecarName(sum))
	tmp := p + ".tmp"
	content := fmt.Sprintf("%d %d\n", loc.Offset, loc.Size)
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "write rep-sharing sidecar %s", tmp)
	}
	return os.Rename(tmp, p)
}

// Remove deletes the file or directory at path.
func (t *Transaction) Remove(ctx context.Context, path string) error {
	parentID, name, existing, err := t.ensureMutableParent(path)
	if err != nil {
		return err
	}
	if existing == nil {
		return fsfserr.New(fsfserr.KindUnversionedResource, "no such path %q", path)
	}
	targetNR, err := t.nodeRevision(*existing)
	if err != nil {
		return err
	}
	if err := t.raw.SetEntry(parentID.NodeID, txn.DirEntry{Name: name}, true); err != nil {
		return err
	}
	return t.raw.AddChange(txn.Change{
		Path: canonicalPath(path), NodeID: targetNR.ID.Encode(), Kind: txn.ChangeDelete,
		NodeKind: kindToChangeKind(targetNR.Kind), CopyfromRev: -1,
	})
}

// Copy adds a copy of srcPath (resolved against srcRoot, a committed
// revision) at dstPath within this transaction. dstPath must not
// already exist. Node identity is preserved across the copy — only
// the copy-id branches — matching how a plain rename-free `svn cp`
// behaves in the original implementation.
func (t *Transaction) Copy(ctx context.Context, srcRoot *Root, srcPath, dstPath string) error {
	srcID, err := srcRoot.Resolve(ctx, srcPath)
	if err != nil {
		return err
	}
	srcNR, err := noderev.ReadAt(t.fs.lt, srcID)
	if err != nil {
		return err
	}

	parentID, name, existing, err := t.ensureMutableParent(dstPath)
	if err != nil {
		return err
	}
	if existing != nil {
		return fsfserr.New(fsfserr.KindCorrupt, "path %q already exists", dstPath)
	}

	copyID, err := t.fs.alloc.AllocateCopyID(t.raw.ID)
	if err != nil {
		return err
	}

	clone := *srcNR
	clone.ID = noderev.ID{NodeID: srcNR.ID.NodeID, CopyID: copyID, TxnID: t.raw.ID}
	clone.PredecessorID = &srcNR.ID
	clone.PredecessorCount = srcNR.PredecessorCount + 1
	clone.Copyfrom = &noderev.PathRev{Revision: srcRoot.Revision(), Path: canonicalPath(srcPath)}
	clone.Copyroot = noderev.PathRev{Revision: t.raw.BaseRev + 1, Path: canonicalPath(dstPath)}
	clone.FreshTxnRoot = false

	if err := t.raw.PutNodeRevision(&clone); err != nil {
		return err
	}
	if err := t.raw.SetEntry(parentID.NodeID, txn.DirEntry{Name: name, NodeID: clone.ID.Encode(), Kind: clone.Kind.String()}, false); err != nil {
		return err
	}
	return t.raw.AddChange(txn.Change{
		Path: canonicalPath(dstPath), NodeID: clone.ID.Encode(), Kind: txn.ChangeAdd,
		NodeKind: kindToChangeKind(clone.Kind), CopyfromRev: srcRoot.Revision(), CopyfromPath: canonicalPath(srcPath),
	})
}

// Move is Copy followed by Remove of the source — the engine has no
// native rename record, so a move is always expressed as those two
// changed-path entries, exactly as a client-side `svn mv` produces.
func (t *Transaction) Move(ctx context.Context, srcRoot *Root, srcPath, dstPath string) error {
	if err := t.Copy(ctx, srcRoot, srcPath, dstPath); err != nil {
		return err
	}
	return t.Remove(ctx, srcPath)
}

// SetProperties replaces the full property list of the node at path.
func (t *Transaction) SetProperties(ctx context.Context, path string, props map[string]string) error {
	parentID, name, existing, err := t.ensureMutableParent(path)
	if err != nil {
		return err
	}
	if existing == nil {
		return fsfserr.New(fsfserr.KindUnversionedResource, "no such path %q", path)
	}

	var nr *noderev.NodeRevision
	if existing.IsTransaction() {
		nr, err = t.raw.GetNodeRevision(*existing)
		if err != nil {
			return err
		}
	} else {
		nr, err = t.cloneIntoTransaction(*existing)
		if err != nil {
			return err
		}
		if err := t.raw.SetEntry(parentID.NodeID, txn.DirEntry{Name: name, NodeID: nr.ID.Encode(), Kind: nr.Kind.String()}, false); err != nil {
			return err
		}
	}
	if err := t.raw.SetProplist(nr.ID.NodeID, props); err != nil {
		return err
	}
	return t.raw.AddChange(txn.Change{
		Path: canonicalPath(path), NodeID: nr.ID.Encode(), Kind: txn.ChangeModify,
		PropMod: true, NodeKind: kindToChangeKind(nr.Kind), CopyfromRev: -1,
	})
}

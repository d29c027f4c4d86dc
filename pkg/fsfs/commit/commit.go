// Package commit runs the fifteen-step algorithm spec.md §4.9
// describes for publishing an open transaction as a new, immutable
// revision: finalize every txn-located node-revision bottom-up,
// append the changed-paths section and trailer, move the
// proto-revision file into place, and bump the "current" pointer —
// the sole barrier past which readers observe the new revision.
//
// File-content representations need no rewriting here: SetContents
// already wrote them, bytes and all, directly into the file that
// becomes the revision file on rename (pkg/fsfs/txn's SetContents);
// this package only relabels their location from transaction- to
// revision-located. Directories and property lists, by contrast, are
// materialized fresh at commit time from their recorded hash-diffs,
// since their on-disk "final form" differs from the incremental
// editing-time format.
package commit

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cs3org/revafs/pkg/fsfs/deltify"
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/fsfslog"
	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/ids"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/noderev"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
	"github.com/cs3org/revafs/pkg/fsfs/repcache"
	"github.com/cs3org/revafs/pkg/fsfs/txn"
)

// Pipeline runs commits against one open repository handle's shared
// state. One Pipeline per *fsfs.FS, reused across every commit that
// handle performs.
type Pipeline struct {
	Layout   *layout.Layout
	Locks    *fslock.Manager
	RepCache *repcache.DB // nil when the format predates rep-sharing
	Deltify  deltify.Config
}

// New constructs a Pipeline. repCache may be nil for formats older
// than layout.FormatRepSharing.
func New(lt *layout.Layout, locks *fslock.Manager, repCache *repcache.DB) *Pipeline {
	return &Pipeline{Layout: lt, Locks: locks, RepCache: repCache, Deltify: deltify.DefaultConfig}
}

// commitCtx carries the values every recursive finalizeNode call needs
// but that never change across one commit.
type commitCtx struct {
	rev              int64
	scoped           bool
	mergeInfoGate    bool
	nodeStartCounter int64
	copyStartCounter int64
}

// Commit runs the pipeline against t, returning the new revision
// number. On any failure before the proto-rev lock is released, t is
// left intact for the caller to retry or Abort. Per spec.md §4.9 the
// whole pipeline runs under the repository's global write lock.
func (p *Pipeline) Commit(ctx context.Context, t *txn.Transaction) (int64, error) {
	var rev int64
	err := p.Locks.WithGlobalWriteLock(ctx, func() error {
		r, err := p.commitLocked(ctx, t)
		rev = r
		return err
	})
	return rev, err
}

func (p *Pipeline) commitLocked(ctx context.Context, t *txn.Transaction) (int64, error) {
	log := fsfslog.FromContext(ctx)
	lt := t.Layout()

	// Step 1: freshness check.
	cur, err := lt.ReadCurrent()
	if err != nil {
		return 0, err
	}
	if t.BaseRev != cur.Youngest {
		return 0, fsfserr.New(fsfserr.KindTxnOutOfDate, "transaction base revision %d is not youngest revision %d", t.BaseRev, cur.Youngest)
	}

	// Step 2: lock verification is a documented no-op. Path locking is
	// not implemented by this engine; a committer is
	// therefore never rejected on lock grounds.

	rev := cur.Youngest + 1

	// Step 3: allocate R, acquire the proto-rev write lock.
	release, err := t.Locks().AcquireProtoRevLock(t.ID)
	if err != nil {
		return 0, err
	}
	lockHeld := true
	defer func() {
		if lockHeld {
			release()
		}
	}()

	f, err := os.OpenFile(lt.ProtoRevPath(t.ID), os.O_RDWR, 0644)
	if err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "open proto-revision file")
	}
	defer f.Close()

	nextIDs, err := ids.ReadNextIDs(lt, t.ID)
	if err != nil {
		return 0, err
	}
	cc := &commitCtx{
		rev:              rev,
		scoped:           lt.SupportsScopedIDs(),
		mergeInfoGate:    lt.SupportsDedicatedProtorevs(),
		nodeStartCounter: cur.NextNode,
		copyStartCounter: cur.NextCopy,
	}

	// Step 4: finalize node-revisions bottom-up from the txn root.
	var shareEntries []repcache.Entry
	rootID := t.RootID()
	finalRoot, rootOffset, err := p.finalizeNode(ctx, t, rootID, cc, f, &shareEntries)
	if err != nil {
		return 0, err
	}

	if err := p.validateRoot(lt, t.BaseRev, finalRoot); err != nil {
		return 0, err
	}

	// Step 5+6: changed-paths section and trailer.
	changes, err := t.FoldedChanges()
	if err != nil {
		return 0, err
	}
	changedPathsOffset, err := writeChangedPaths(f, changes, cc)
	if err != nil {
		return 0, err
	}
	trailer := fmt.Sprintf("%d %d\n", rootOffset, changedPathsOffset)
	if _, err := f.WriteString(trailer); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "write revision trailer")
	}

	// Step 7: flush, lock still held.
	if err := f.Sync(); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "fsync proto-revision file")
	}

	// Step 8: stamp revprops.
	props, err := t.Properties()
	if err != nil {
		return 0, err
	}
	finalProps := stampRevProps(props)
	revpropTmp := lt.RevpropsPath(rev) + ".tmp"
	if err := os.WriteFile(revpropTmp, txn.EncodeProps(finalProps), 0644); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "write revprop scratch file")
	}

	// Step 9: shard directories.
	if err := lt.EnsureShardDir(lt.RevisionDir(rev)); err != nil {
		return 0, err
	}
	if err := lt.EnsureShardDir(lt.RevpropsDirFor(rev)); err != nil {
		return 0, err
	}

	// Step 10: move proto-revision and revprops into place.
	if err := os.Rename(lt.ProtoRevPath(t.ID), lt.RevisionPath(rev)); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "move proto-revision into place")
	}
	if err := os.Rename(revpropTmp, lt.RevpropsPath(rev)); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "move revprops into place")
	}

	// Step 11: release the per-proto lock now that the revision file
	// is visible under its final name.
	release()
	lockHeld = false

	// Step 12: sanity pass is a no-op in this build; it corresponds to a debug-only re-read the spec
	// itself calls optional in release builds.

	// Step 13: bump current — the sole publish barrier.
	newCur := layout.Current{Youngest: rev}
	if !cc.scoped {
		newCur.NextNode = cur.NextNode + nextIDs.Node
		newCur.NextCopy = cur.NextCopy + nextIDs.Copy
	}
	if err := lt.WriteCurrent(newCur); err != nil {
		return 0, err
	}

	// Step 14: purge transaction scratch state.
	if err := t.Abort(); err != nil {
		log.Warn().Err(err).Str("txn", t.ID).Msg("failed to purge transaction scratch after commit")
	}

	// Step 15: batch-insert rep-sharing entries. A failure here must
	// never undo the commit; the revision is already public.
	if p.RepCache != nil && len(shareEntries) > 0 {
		if err := p.RepCache.InsertBatch(ctx, shareEntries); err != nil {
			log.Warn().Err(err).Int64("revision", rev).Msg("rep-cache batch insert failed")
		}
	}

	return rev, nil
}

// validateRoot implements spec.md §4.9 step 4's validate-root-noderev:
// the new root's predecessor-count must be exactly one more than the
// base revision's root, since this engine commits one revision at a
// time.
func (p *Pipeline) validateRoot(lt *layout.Layout, baseRev int64, finalRoot *noderev.NodeRevision) error {
	headRoot, err := noderev.ReadRoot(lt, baseRev)
	if err != nil {
		return err
	}
	if finalRoot.PredecessorCount != headRoot.PredecessorCount+1 {
		return fsfserr.New(fsfserr.KindCorrupt, "committed root predecessor-count %d does not follow base revision %d's root count %d", finalRoot.PredecessorCount, baseRev, headRoot.PredecessorCount)
	}
	return nil
}

// finalizeNode finalizes the txn-located node-revision named by id:
// directories recurse into their txn-located children first, files
// are only relabeled, and both kinds have their property
// representation refreshed if set_proplist touched them. It returns
// the finalized node-revision (carrying its permanent
// node-revision-id) and the byte offset its serialized record was
// written at.
func (p *Pipeline) finalizeNode(ctx context.Context, t *txn.Transaction, id noderev.ID, cc *commitCtx, f *os.File, shareEntries *[]repcache.Entry) (*noderev.NodeRevision, int64, error) {
	nr, err := t.GetNodeRevision(id)
	if err != nil {
		return nil, 0, err
	}

	switch nr.Kind {
	case noderev.KindDir:
		if err := p.finalizeDir(ctx, t, nr, cc, f, shareEntries); err != nil {
			return nil, 0, err
		}
	case noderev.KindFile:
		if nr.DataRep != nil && nr.DataRep.Loc.IsTransaction() {
			nr.DataRep.Loc.Revision = cc.rev
			nr.DataRep.Loc.TxnID = ""
			if nr.DataRep.HasSHA1 {
				*shareEntries = append(*shareEntries, repcache.Entry{
					SHA1: nr.DataRep.SHA1, Revision: nr.DataRep.Loc.Revision,
					Offset: nr.DataRep.Loc.Offset, Size: nr.DataRep.Loc.Size, ExpandedSize: nr.DataRep.ExpandedSize,
				})
			}
		}
	}

	if err := p.finalizeProps(ctx, t, nr, cc, f, shareEntries); err != nil {
		return nil, 0, err
	}

	newNodeID, err := ids.RewriteID(nr.ID.NodeID, cc.rev, cc.nodeStartCounter, cc.scoped)
	if err != nil {
		return nil, 0, err
	}
	newCopyID, err := ids.RewriteID(nr.ID.CopyID, cc.rev, cc.copyStartCounter, cc.scoped)
	if err != nil {
		return nil, 0, err
	}
	nr.FreshTxnRoot = false

	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "seek proto-revision file")
	}
	nr.ID = noderev.ID{NodeID: newNodeID, CopyID: newCopyID, Revision: cc.rev, Offset: off}

	if _, err := f.Write(noderev.Encode(nr, cc.mergeInfoGate)); err != nil {
		return nil, 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "write node-revision record")
	}

	if err := t.DeleteNodeRevision(id); err != nil {
		return nil, 0, err
	}

	return nr, off, nil
}

// finalizeDir rebuilds a directory's final entry listing from its
// predecessor's committed listing plus any recorded hash-diff ops,
// recursing into txn-located children before writing the listing so
// every child id it references is already permanent.
func (p *Pipeline) finalizeDir(ctx context.Context, t *txn.Transaction, nr *noderev.NodeRevision, cc *commitCtx, f *os.File, shareEntries *[]repcache.Entry) error {
	var base []noderev.DirEntry
	if nr.DataRep != nil {
		raw, err := rep.Reconstruct(p.Layout, nr.DataRep.Loc)
		if err != nil {
			return err
		}
		base, err = noderev.DecodeDirListing(raw)
		if err != nil {
			return err
		}
	}

	txnEntries, changed, err := t.ApplyDirDiff(nr.ID.NodeID, toTxnEntries(base))
	if err != nil {
		return err
	}
	if !changed {
		// Entries untouched; the directory keeps its predecessor's
		// DataRep pointer unchanged, only its id and props refresh.
		return nil
	}

	final := make([]noderev.DirEntry, 0, len(txnEntries))
	for _, e := range txnEntries {
		childID, err := noderev.ParseID(e.NodeID)
		if err != nil {
			return err
		}
		kind, err := noderev.ParseKind(e.Kind)
		if err != nil {
			return err
		}
		if childID.IsTransaction() {
			childNR, _, err := p.finalizeNode(ctx, t, childID, cc, f, shareEntries)
			if err != nil {
				return err
			}
			childID = childNR.ID
		}
		final = append(final, noderev.DirEntry{Name: e.Name, ID: childID, Kind: kind})
	}

	content := noderev.EncodeDirListing(final)
	ptr, err := p.writeContentRep(ctx, f, content, cc.rev, nr.PredecessorCount, nr.PredecessorID,
		func(pred *noderev.NodeRevision) *rep.Pointer { return pred.DataRep }, shareEntries)
	if err != nil {
		return err
	}
	ptr.HasSHA1, ptr.SHA1, ptr.Uniquifier = false, [20]byte{}, ""
	nr.DataRep = ptr
	return nil
}

// finalizeProps refreshes nr's property representation if
// set_proplist recorded a fresh property set for it this transaction;
// otherwise nr.PropsRep (inherited from its predecessor, already
// immutable) is left untouched.
func (p *Pipeline) finalizeProps(ctx context.Context, t *txn.Transaction, nr *noderev.NodeRevision, cc *commitCtx, f *os.File, shareEntries *[]repcache.Entry) error {
	props, ok, err := t.GetProplist(nr.ID.NodeID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	content := txn.EncodeProps(props)
	ptr, err := p.writeContentRep(ctx, f, content, cc.rev, nr.PredecessorCount, nr.PredecessorID,
		func(pred *noderev.NodeRevision) *rep.Pointer { return pred.PropsRep }, shareEntries)
	if err != nil {
		return err
	}
	ptr.HasSHA1, ptr.SHA1, ptr.Uniquifier = false, [20]byte{}, ""
	nr.PropsRep = ptr
	return nil
}

// writeContentRep writes content as a fresh representation, choosing
// PLAIN or DELTA per pkg/fsfs/deltify's policy and consulting
// rep-sharing first. pick extracts the representation kind being
// written (DataRep or PropsRep) from a loaded predecessor
// node-revision, so the same helper serves both directory contents
// and property lists.
func (p *Pipeline) writeContentRep(ctx context.Context, f *os.File, content []byte, rev int64, predecessorCount int, predecessorID *noderev.ID, pick func(*noderev.NodeRevision) *rep.Pointer, shareEntries *[]repcache.Entry) (*rep.Pointer, error) {
	sum := sha1.Sum(content)

	if p.RepCache != nil {
		if loc, ok, err := p.RepCache.LookupLoc(ctx, sum); err != nil {
			return nil, err
		} else if ok {
			var ptr rep.Pointer
			ptr.Loc = loc
			ptr.ExpandedSize = int64(len(content))
			ptr.MD5 = md5.Sum(content)
			ptr.SHA1 = sum
			ptr.HasSHA1 = true
			return &ptr, nil
		}
	}

	kind := rep.KindPlain
	var baseRef *rep.BaseRef
	var baseContent []byte

	if predecessorCount > 0 {
		decision := deltify.Decide(p.Deltify, predecessorCount, 0)
		if decision.Delta {
			baseNR, err := walkPredecessors(p.Layout, predecessorID, decision.WalkBack)
			if err == nil {
				if basePtr := pick(baseNR); basePtr != nil {
					chainLen, cerr := rep.ChainLength(p.Layout, basePtr.Loc)
					if cerr == nil {
						decision = deltify.Decide(p.Deltify, predecessorCount, chainLen)
					}
					if decision.Delta {
						if bc, rerr := rep.Reconstruct(p.Layout, basePtr.Loc); rerr == nil {
							kind = rep.KindDelta
							baseRef = &rep.BaseRef{Revision: basePtr.Loc.Revision, Offset: basePtr.Loc.Offset, Size: basePtr.Loc.Size}
							baseContent = bc
						}
					}
				}
			}
		}
	}

	w := rep.NewWriter()
	if _, err := w.Write(content); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "buffer representation content")
	}
	headerOffset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "seek proto-revision file")
	}
	ptr, err := w.Finish(f, headerOffset, kind, baseRef, baseContent, "")
	if err != nil {
		return nil, err
	}
	ptr.Loc.Revision = rev

	if ptr.HasSHA1 {
		*shareEntries = append(*shareEntries, repcache.Entry{
			SHA1: ptr.SHA1, Revision: ptr.Loc.Revision, Offset: ptr.Loc.Offset,
			Size: ptr.Loc.Size, ExpandedSize: ptr.ExpandedSize,
		})
	}
	return &ptr, nil
}

// walkPredecessors follows a chain of already-committed predecessor
// node-revisions, starting at *start, walkBack-1 hops further back,
// and returns the node-revision found there. walkBack==1 returns
// *start itself.
func walkPredecessors(lt *layout.Layout, start *noderev.ID, walkBack int) (*noderev.NodeRevision, error) {
	return noderev.WalkPredecessors(lt, start, walkBack)
}

// readNodeRevisionAt reads the already-committed node-revision
// addressed by a revision-located id.
func readNodeRevisionAt(lt *layout.Layout, id noderev.ID) (*noderev.NodeRevision, error) {
	return noderev.ReadAt(lt, id)
}

// readRevisionRoot reads rev's root node-revision.
func readRevisionRoot(lt *layout.Layout, rev int64) (*noderev.NodeRevision, error) {
	return noderev.ReadRoot(lt, rev)
}

// writeChangedPaths appends the folded changed-paths section and
// returns the section's starting offset. Each record's embedded
// node-revision-id is relabeled from transaction-located to
// revision-located at cc.rev; its node-id, copy-id and offset are
// written as the transaction recorded them.
func writeChangedPaths(f *os.File, changes []txn.Change, cc *commitCtx) (int64, error) {
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "seek proto-revision file")
	}
	rewritten := make([]txn.Change, len(changes))
	for i, c := range changes {
		if c.NodeID != "" {
			id, err := noderev.ParseID(c.NodeID)
			if err == nil && id.IsTransaction() {
				id.TxnID = ""
				id.Revision = cc.rev
				// The changed-paths section only needs to name which
				// node a path change refers to for history queries;
				// its offset is not independently meaningful once the
				// node-revision itself has been relabeled, so this
				// engine does not attempt to thread the exact final
				// offset back into already-encoded Change records.
				c.NodeID = id.Encode()
			}
		}
		rewritten[i] = c
	}
	if _, err := f.Write(txn.EncodeChangesLog(rewritten)); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "write changed-paths section")
	}
	// A trailing newline is guaranteed here regardless of whether
	// rewritten is empty, so parseTrailer's "last line of the file"
	// search always has an unambiguous boundary to find even when a
	// commit touches no paths (a property-only change against the
	// root, say) and no node-revision record happens to contain a raw
	// newline byte of its own.
	if _, err := f.Write([]byte("\n")); err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "write changed-paths section terminator")
	}
	return offset, nil
}

// stampRevProps implements spec.md §4.9 step 8: set the commit date,
// strip the transaction-only check-out-of-date/check-locks flags that
// only matter before a transaction is resolved.
func stampRevProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		if k == "svn:txn-check-out-of-date" || k == "svn:txn-check-locks" {
			continue
		}
		out[k] = v
	}
	out["svn:date"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}

func toTxnEntries(in []noderev.DirEntry) []txn.DirEntry {
	out := make([]txn.DirEntry, len(in))
	for i, e := range in {
		out[i] = txn.DirEntry{Name: e.Name, NodeID: e.ID.Encode(), Kind: e.Kind.String()}
	}
	return out
}

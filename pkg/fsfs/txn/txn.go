// Package txn implements the transaction layer spec.md §4.8
// describes: per-transaction scratch directories, the working-tree
// mutation operations (set_entry/set_contents/set_proplist/add_change)
// that accumulate into a proto-revision file, and the changed-paths
// folding rules a reader or the commit pipeline applies when it reads
// the changes file back.
package txn

import (
	"context"
	"io"
	"os"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/ids"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/noderev"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
)

// Transaction is one open, mutable revision-in-progress.
type Transaction struct {
	ID      string
	BaseRev int64

	lt    *layout.Layout
	locks *fslock.Manager
	alloc *ids.Allocator

	root noderev.ID
}

// Begin allocates a new transaction rooted at baseRev, creates its
// scratch directory and initial files, and clones baseRoot (the
// node-revision of baseRev's root, fetched by the caller — this
// package has no knowledge of how revisions are read) into the
// transaction's mutable root, per spec.md §4.8 steps 1-4.
func Begin(ctx context.Context, lt *layout.Layout, locks *fslock.Manager, alloc *ids.Allocator, baseRev int64, baseRoot *noderev.NodeRevision, authorProps map[string]string) (*Transaction, error) {
	txnID, err := alloc.NextTxnID(ctx, baseRev)
	if err != nil {
		return nil, err
	}

	t := &Transaction{ID: txnID, BaseRev: baseRev, lt: lt, locks: locks, alloc: alloc}

	if err := os.MkdirAll(lt.TxnDir(txnID), 0755); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create transaction scratch dir")
	}
	if lt.SupportsDedicatedProtorevs() {
		if err := os.MkdirAll(lt.TxnProtorevsDir(), 0755); err != nil {
			return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create txn-protorevs dir")
		}
	}
	for _, p := range []string{lt.ProtoRevPath(txnID), lt.ProtoRevLockPath(txnID), lt.ChangesPath(txnID)} {
		if err := touchEmpty(p); err != nil {
			return nil, err
		}
	}
	if err := ids.WriteNextIDs(lt, txnID, ids.NextIDs{}); err != nil {
		return nil, err
	}

	root := *baseRoot
	root.ID.TxnID, root.ID.Revision, root.ID.Offset = txnID, 0, 0
	root.PredecessorID = &baseRoot.ID
	root.PredecessorCount = baseRoot.PredecessorCount + 1
	root.Copyfrom = nil
	root.FreshTxnRoot = true

	if err := t.putNodeRevision(&root); err != nil {
		return nil, err
	}
	if err := t.writeProps(lt.TxnPropsPath(txnID), authorProps); err != nil {
		return nil, err
	}
	t.root = root.ID
	return t, nil
}

// RootID is the node-revision-id of this transaction's mutable root.
func (t *Transaction) RootID() noderev.ID { return t.root }

// Layout exposes the path layout backing this transaction, for the
// commit pipeline's own path derivations (revision/shard/revprop
// paths have no reason to live on Transaction itself).
func (t *Transaction) Layout() *layout.Layout { return t.lt }

// Locks exposes the lock manager backing this transaction, for the
// commit pipeline's proto-revision lock acquisition.
func (t *Transaction) Locks() *fslock.Manager { return t.locks }

// Properties returns the transaction-wide property set recorded at
// Begin (author, date, check-out-of-date/check-locks flags), read
// back from <txn-scratch>/props.
func (t *Transaction) Properties() (map[string]string, error) {
	b, err := os.ReadFile(t.lt.TxnPropsPath(t.ID))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read transaction properties")
	}
	return DecodeProps(b)
}

// GetProplist reads nodeID's fresh property-list scratch file, if
// set_proplist was ever called on it this transaction. ok is false
// (with a nil map and nil error) when no such file exists, meaning the
// node's property representation is unchanged from its predecessor.
func (t *Transaction) GetProplist(nodeID string) (props map[string]string, ok bool, err error) {
	b, err := os.ReadFile(t.lt.PropsPath(t.ID, nodeID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fsfserr.Wrap(fsfserr.KindGeneral, err, "read property scratch file")
	}
	props, err = DecodeProps(b)
	if err != nil {
		return nil, false, err
	}
	return props, true, nil
}

// ApplyDirDiff reads parentNodeID's recorded hash-diff operations, if
// any, and folds them onto base, returning the final entry set. A
// missing diff file means set_entry was never called against this
// directory this transaction: changed is false and base is returned
// unmodified.
func (t *Transaction) ApplyDirDiff(parentNodeID string, base []DirEntry) (entries []DirEntry, changed bool, err error) {
	f, err := os.Open(t.lt.NodeRevPath(t.ID, parentNodeID) + ".dir")
	if os.IsNotExist(err) {
		return base, false, nil
	}
	if err != nil {
		return nil, false, fsfserr.Wrap(fsfserr.KindGeneral, err, "open directory diff file")
	}
	defer f.Close()

	ops, err := ReadDiff(f)
	if err != nil {
		return nil, false, err
	}
	return Apply(base, ops), true, nil
}

// GetNodeRevision reads a transaction-located node-revision's scratch
// file.
func (t *Transaction) GetNodeRevision(id noderev.ID) (*noderev.NodeRevision, error) {
	b, err := os.ReadFile(t.lt.NodeRevPath(t.ID, id.NodeID))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read node-revision %s", id.Encode())
	}
	return noderev.Decode(b)
}

// putNodeRevision writes nr to its txn scratch file (open-truncate-
// write-close, spec.md §4.4's put(id, nr, fresh-root?)).
func (t *Transaction) putNodeRevision(nr *noderev.NodeRevision) error {
	enc := noderev.Encode(nr, t.lt.SupportsDedicatedProtorevs() /* proxy for merge-info support gate */)
	return atomicOverwrite(t.lt.NodeRevPath(t.ID, nr.ID.NodeID), enc)
}

// PutNodeRevision writes nr to its transaction-scoped scratch file,
// creating or overwriting it. The working-tree mutation operations
// that create new nodes (make_file, make_dir, copy) or update an
// existing transaction-located one's DataRep/PropsRep after a
// SetContents/SetProplist call use this to persist the result.
func (t *Transaction) PutNodeRevision(nr *noderev.NodeRevision) error {
	return t.putNodeRevision(nr)
}

// DeleteNodeRevision removes a transaction-located node's scratch file
// and its fresh property-list sidecar, if any.
func (t *Transaction) DeleteNodeRevision(id noderev.ID) error {
	if err := os.Remove(t.lt.NodeRevPath(t.ID, id.NodeID)); err != nil && !os.IsNotExist(err) {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "delete node-revision %s", id.Encode())
	}
	_ = os.Remove(t.lt.PropsPath(t.ID, id.NodeID))
	return nil
}

// SetEntry appends an add/modify ("K"/"V") or delete ("D") hash-diff
// record to parent's mutable directory listing file.
func (t *Transaction) SetEntry(parentNodeID string, entry DirEntry, deleted bool) error {
	f, err := os.OpenFile(t.lt.NodeRevPath(t.ID, parentNodeID)+".dir", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "open directory diff file")
	}
	defer f.Close()
	if deleted {
		return AppendDelete(f, entry.Name)
	}
	return AppendSet(f, entry)
}

// SetProplist writes a fresh property skel to the node's scratch
// property file, per spec.md §4.8's set_proplist.
func (t *Transaction) SetProplist(nodeID string, props map[string]string) error {
	return t.writeProps(t.lt.PropsPath(t.ID, nodeID), props)
}

// SetContents streams a file node's new contents directly into the
// transaction's single proto-revision file, under the per-proto-rev
// lock, and returns the resulting representation pointer (still
// transaction-located — the commit pipeline relabels it to its final
// revision and leaves the bytes untouched, since they already live at
// a fixed offset in what becomes the revision file on rename).
//
// fn fills w with the file's new expanded bytes; kind/base/baseContent
// (typically produced by pkg/fsfs/deltify's decision plus a base
// lookup) choose the on-disk encoding.
func (t *Transaction) SetContents(ctx context.Context, fn func(w *rep.Writer) error, kind rep.Kind, base *rep.BaseRef, baseContent []byte, uniquifier string) (rep.Pointer, error) {
	release, err := t.locks.AcquireProtoRevLock(t.ID)
	if err != nil {
		return rep.Pointer{}, err
	}
	defer release()

	f, err := os.OpenFile(t.lt.ProtoRevPath(t.ID), os.O_RDWR, 0644)
	if err != nil {
		return rep.Pointer{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "open proto-revision file")
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return rep.Pointer{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "seek proto-revision file")
	}

	w := rep.NewWriter()
	if err := fn(w); err != nil {
		return rep.Pointer{}, err
	}

	ptr, err := w.Finish(f, offset, kind, base, baseContent, uniquifier)
	if err != nil {
		return rep.Pointer{}, err
	}
	ptr.Loc.TxnID = t.ID
	return ptr, nil
}

// AddChange appends one change-log record, spec.md §4.8's add_change.
func (t *Transaction) AddChange(c Change) error {
	f, err := os.OpenFile(t.lt.ChangesPath(t.ID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "open changes file")
	}
	defer f.Close()
	_, err = f.Write(EncodeChangesLog([]Change{c}))
	return err
}

// FoldedChanges reads back this transaction's full changes log and
// returns the folded net-effect list, spec.md §4.8's folding rules.
func (t *Transaction) FoldedChanges() ([]Change, error) {
	b, err := os.ReadFile(t.lt.ChangesPath(t.ID))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read changes file")
	}
	raw, err := DecodeChangesLog(b)
	if err != nil {
		return nil, err
	}
	return Fold(raw)
}

// Abort destroys the transaction's scratch state.
func (t *Transaction) Abort() error {
	t.alloc.ForgetTransaction(t.ID)
	if err := os.RemoveAll(t.lt.TxnDir(t.ID)); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "purge transaction scratch dir")
	}
	if t.lt.SupportsDedicatedProtorevs() {
		_ = os.Remove(t.lt.ProtoRevPath(t.ID))
		_ = os.Remove(t.lt.ProtoRevLockPath(t.ID))
	}
	return nil
}

func touchEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create %s", path)
	}
	return f.Close()
}

func atomicOverwrite(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "rename %s", tmp)
	}
	return nil
}

func (t *Transaction) writeProps(path string, props map[string]string) error {
	// Properties are stored as a flat skel-encoded list of (key value)
	// pairs, the same "tagged record" discipline noderev uses.
	return atomicOverwrite(path, EncodeProps(props))
}

// Package fsfs is the public façade over the engine's internal
// packages: the handful of operations spec.md §6 exposes (open/create
// a repository, begin/commit/abort a transaction, read back a
// revision's tree) composed from pkg/fsfs/layout, txn, commit, noderev,
// rep and repcache. Everything below this package is an implementation
// detail a caller should never need to import directly.
package fsfs

import (
	"github.com/cs3org/revafs/pkg/fsfs/noderev"
	"github.com/cs3org/revafs/pkg/fsfs/txn"
)

// Revision numbers a committed, immutable snapshot of the whole tree.
// Revision 0 always exists and is an empty directory.
type Revision = int64

// NodeRevisionID addresses one node-revision: a (node-id, copy-id,
// origin) triple, where origin is either a transaction or a
// committed revision's byte offset.
type NodeRevisionID = noderev.ID

// NodeRevision is the per-revision metadata record for one node
// (file or directory): its identity, predecessor link, copy
// ancestry, and pointers to its content/property representations.
type NodeRevision = noderev.NodeRevision

// DirEntry names one child of a directory node-revision.
type DirEntry = noderev.DirEntry

// PathChange is one net-effect mutation recorded against a
// transaction's working tree, returned (already folded) by
// ChangedPaths.
type PathChange = txn.Change

// Package ids mints and formats the three id families spec.md §4.3
// defines: transaction-ids, node/copy-ids scoped to a transaction, and
// representation uniquifiers. The repository UUID — also minted here,
// since it shares the "small opaque token persisted to a file" shape
// — uses github.com/google/uuid, already a direct teacher dependency
// used elsewhere in reva for resource ids.
package ids

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

// maxLegacyTxnAttempts bounds the legacy (pre-counter-file) txn-id
// minting loop, per spec.md §4.3.
const maxLegacyTxnAttempts = 99999

// Allocator mints ids for one open repository handle.
type Allocator struct {
	lt    *layout.Layout
	locks *fslock.Manager

	uniqMu  sync.Mutex
	uniqSeq map[string]*int64 // txnID -> running uniquifier counter
}

// NewAllocator creates an Allocator for the repository described by
// lt, using locks for the transaction-id allocator lock.
func NewAllocator(lt *layout.Layout, locks *fslock.Manager) *Allocator {
	return &Allocator{lt: lt, locks: locks, uniqSeq: make(map[string]*int64)}
}

// NextTxnID mints a fresh transaction-id for a transaction rooted at
// baseRev. Modern repositories keep a global base36 counter in
// txn-current; legacy repositories (missing that file) mint ids by
// probing for an unused r-<i>.txn scratch directory name.
func (a *Allocator) NextTxnID(ctx context.Context, baseRev int64) (string, error) {
	var txnID string
	err := a.locks.WithTxnIDLock(ctx, func() error {
		cur, err := readBase36Counter(a.lt.TxnCurrentPath())
		if os.IsNotExist(err) {
			id, ierr := a.legacyNextTxnID(baseRev)
			if ierr != nil {
				return ierr
			}
			txnID = id
			return nil
		}
		if err != nil {
			return err
		}
		next := cur + 1
		if err := writeBase36Counter(a.lt.TxnCurrentPath(), next); err != nil {
			return err
		}
		txnID = fmt.Sprintf("%d-%s", baseRev, strconv.FormatInt(next, 36))
		return nil
	})
	return txnID, err
}

func (a *Allocator) legacyNextTxnID(baseRev int64) (string, error) {
	for i := 1; i <= maxLegacyTxnAttempts; i++ {
		candidate := fmt.Sprintf("%d-%d", baseRev, i)
		dir := a.lt.TxnDir(candidate)
		if err := os.Mkdir(dir, 0755); err == nil {
			// Caller (the transaction layer) will populate this
			// directory; we only needed to prove the name was free.
			return candidate, nil
		} else if !os.IsExist(err) {
			return "", fsfserr.Wrap(fsfserr.KindGeneral, err, "probe legacy txn dir %s", dir)
		}
	}
	return "", fsfserr.New(fsfserr.KindUniqueNamesExhausted, "exhausted %d legacy transaction-id attempts for base revision %d", maxLegacyTxnAttempts, baseRev)
}

// NextIDs is the parsed contents of a transaction's next-ids file.
type NextIDs struct {
	Node int64
	Copy int64
}

// ReadNextIDs reads txnID's next-ids file, defaulting to {0,0} per
// spec.md §4.8 step 2 if it has not been written yet.
func ReadNextIDs(lt *layout.Layout, txnID string) (NextIDs, error) {
	p := lt.NextIDsPath(txnID)
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return NextIDs{}, nil
	}
	if err != nil {
		return NextIDs{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "read next-ids %s", p)
	}
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return NextIDs{}, fsfserr.New(fsfserr.KindCorrupt, "malformed next-ids file %s", p)
	}
	node, err1 := strconv.ParseInt(fields[0], 36, 64)
	copyn, err2 := strconv.ParseInt(fields[1], 36, 64)
	if err1 != nil || err2 != nil {
		return NextIDs{}, fsfserr.New(fsfserr.KindCorrupt, "malformed next-ids file %s", p)
	}
	return NextIDs{Node: node, Copy: copyn}, nil
}

// WriteNextIDs atomically overwrites txnID's next-ids file.
func WriteNextIDs(lt *layout.Layout, txnID string, n NextIDs) error {
	p := lt.NextIDsPath(txnID)
	content := fmt.Sprintf("%s %s\n", strconv.FormatInt(n.Node, 36), strconv.FormatInt(n.Copy, 36))
	return atomicWriteFile(p, content)
}

// AllocateNodeID mints the next transaction-scoped node-id for txnID,
// formatted with the "_" prefix spec.md §4.3 requires for
// non-committed ids.
func (a *Allocator) AllocateNodeID(txnID string) (string, error) {
	n, err := ReadNextIDs(a.lt, txnID)
	if err != nil {
		return "", err
	}
	id := n.Node
	n.Node++
	if err := WriteNextIDs(a.lt, txnID, n); err != nil {
		return "", err
	}
	return "_" + strconv.FormatInt(id, 36), nil
}

// AllocateCopyID mints the next transaction-scoped copy-id for txnID.
func (a *Allocator) AllocateCopyID(txnID string) (string, error) {
	n, err := ReadNextIDs(a.lt, txnID)
	if err != nil {
		return "", err
	}
	id := n.Copy
	n.Copy++
	if err := WriteNextIDs(a.lt, txnID, n); err != nil {
		return "", err
	}
	return "_" + strconv.FormatInt(id, 36), nil
}

// FreshUniquifier returns a string unique among all representations
// written so far within txnID, of the form "<txn-id>/<fresh-suffix>".
// The suffix only needs to be distinct for the lifetime of the
// in-memory writer (it forces distinct delta bases when the caller
// asks for a self-delta instead of deduplicating); it is not persisted
// across process restarts.
func (a *Allocator) FreshUniquifier(txnID string) string {
	a.uniqMu.Lock()
	counter, ok := a.uniqSeq[txnID]
	if !ok {
		var zero int64
		counter = &zero
		a.uniqSeq[txnID] = counter
	}
	a.uniqMu.Unlock()

	n := atomic.AddInt64(counter, 1)
	return fmt.Sprintf("%s/%s", txnID, strconv.FormatInt(n, 36))
}

// ForgetTransaction drops in-memory uniquifier state for txnID.
func (a *Allocator) ForgetTransaction(txnID string) {
	a.uniqMu.Lock()
	delete(a.uniqSeq, txnID)
	a.uniqMu.Unlock()
}

// IsTransactionScoped reports whether id is a transaction-scoped
// (uncommitted) id, i.e. carries the "_" prefix.
func IsTransactionScoped(id string) bool {
	return strings.HasPrefix(id, "_")
}

// RewriteID converts a transaction-scoped id to its permanent,
// revision-scoped form at commit time, per spec.md §4.3: newer formats
// append "-<rev>" to the local counter value; older (unscoped) formats
// add startCounter to the local counter to produce a globally unique
// base36 id.
func RewriteID(id string, rev, startCounter int64, scoped bool) (string, error) {
	if !IsTransactionScoped(id) {
		return id, nil
	}
	local := strings.TrimPrefix(id, "_")
	if scoped {
		return fmt.Sprintf("%s-%d", local, rev), nil
	}
	n, err := strconv.ParseInt(local, 36, 64)
	if err != nil {
		return "", fsfserr.Wrap(fsfserr.KindCorrupt, err, "malformed transaction-scoped id %q", id)
	}
	return strconv.FormatInt(n+startCounter, 36), nil
}

// --- repository UUID ---

// NewRepositoryUUID mints a fresh repository UUID.
func NewRepositoryUUID() string { return uuid.New().String() }

// ReadUUID reads the repository UUID file.
func ReadUUID(lt *layout.Layout) (string, error) {
	b, err := os.ReadFile(lt.UUIDPath())
	if err != nil {
		return "", fsfserr.Wrap(fsfserr.KindGeneral, err, "read uuid file")
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteUUID writes the repository UUID file.
func WriteUUID(lt *layout.Layout, id string) error {
	return atomicWriteFile(lt.UUIDPath(), id+"\n")
}

// --- small helpers ---

func readBase36Counter(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fsfserr.New(fsfserr.KindCorrupt, "empty counter file %s", path)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 36, 64)
	if err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindCorrupt, err, "malformed counter file %s", path)
	}
	return n, nil
}

func writeBase36Counter(path string, n int64) error {
	return atomicWriteFile(path, strconv.FormatInt(n, 36)+"\n")
}

// atomicWriteFile performs the open-truncate-write-close sequence
// spec.md §4.4 requires for scratch-file writes: a temp file, fsync
// not required here (this is mutable per-txn scratch, not the
// published revision), then rename into place so a half-written
// counter is never observed.
func atomicWriteFile(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "write temp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "rename into place %s", path)
	}
	return nil
}

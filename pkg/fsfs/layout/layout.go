// Package layout derives every on-disk path from a repository root and
// the repository's format, and owns the format file's read/write
// contract. It mirrors the path-deriving role reva's pkg/storage/fs
// backends play with their Path type (see
// pkg/storage/utils/decomposedfs and pkg/storage/fs/ocis/tree.go's
// fs.pw.Root-relative joins), generalized from a fixed nodes/<id> tree
// to the shard-aware revs/<shard>/<rev> layout spec.md §6 requires.
package layout

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
)

// Supported format numbers, forming the contiguous range
// [FormatMin, FormatMax]. FormatBlacklist names known-bad intermediate
// numbers that must be rejected even though they fall in range —
// mirroring spec.md §4.1's "blacklist of known-bad intermediate format
// numbers".
const (
	FormatMin = 1
	FormatMax = 8

	// FormatScopedIDs is the first format where node/copy ids are
	// scoped per-transaction rather than allocated from one global
	// repository-wide counter.
	FormatScopedIDs = 3
	// FormatDedicatedProtorevs is the first format that keeps
	// proto-revision files in their own txn-protorevs directory
	// instead of inside the transaction scratch directory.
	FormatDedicatedProtorevs = 4
	// FormatDeltifyDirsProps is the first format allowed to deltify
	// directory and property representations.
	FormatDeltifyDirsProps = 4
	// FormatSvndiff1 is the first format allowed to write svndiff
	// version 1 deltas (older formats are limited to version 0).
	FormatSvndiff1 = 4
	// FormatRepSharing is the first format with a rep-sharing index.
	FormatRepSharing = 5
	// FormatPackedRevisions is the first format that supports packing
	// whole shards of revisions into a single pack file.
	FormatPackedRevisions = 6
	// FormatPackedRevprops is the first format that supports packing
	// revision properties.
	FormatPackedRevprops = 7
)

// FormatBlacklist holds format numbers inside [FormatMin, FormatMax]
// that are nonetheless never accepted: intermediate numbers used only
// by development snapshots of this engine and never meant to be read
// by a released version.
var FormatBlacklist = map[int]bool{
	2: true,
}

// LayoutKind selects linear vs sharded revision directories.
type LayoutKind int

const (
	// LayoutLinear keeps every revision/revprop file directly under
	// revs/ and revprops/.
	LayoutLinear LayoutKind = iota
	// LayoutSharded groups MaxFilesPerShard revisions per
	// subdirectory.
	LayoutSharded
)

// Layout derives paths for one repository. It holds no mutable state
// beyond what is fixed for the repository's lifetime (root, format,
// shard size), so it is safe for concurrent use by multiple readers.
type Layout struct {
	Root             string
	Format           int
	Kind             LayoutKind
	MaxFilesPerShard int // only meaningful when Kind == LayoutSharded
}

// ValidateFormat checks that format is in the supported range and not
// blacklisted.
func ValidateFormat(format int) error {
	if format < FormatMin || format > FormatMax {
		return fsfserr.New(fsfserr.KindUnsupportedFormat, "format %d outside supported range [%d, %d]", format, FormatMin, FormatMax)
	}
	if FormatBlacklist[format] {
		return fsfserr.New(fsfserr.KindUnsupportedFormat, "format %d is a known-bad intermediate format", format)
	}
	return nil
}

// SupportsScopedIDs reports whether l's format uses per-transaction id
// scoping.
func (l *Layout) SupportsScopedIDs() bool { return l.Format >= FormatScopedIDs }

// SupportsDedicatedProtorevs reports whether l's format keeps
// proto-revisions in txn-protorevs/.
func (l *Layout) SupportsDedicatedProtorevs() bool { return l.Format >= FormatDedicatedProtorevs }

// SupportsDeltifyDirsProps reports whether l's format may deltify
// directory/property representations.
func (l *Layout) SupportsDeltifyDirsProps() bool { return l.Format >= FormatDeltifyDirsProps }

// SupportsSvndiff1 reports whether l's format may emit svndiff version
// 1 deltas.
func (l *Layout) SupportsSvndiff1() bool { return l.Format >= FormatSvndiff1 }

// SupportsRepSharing reports whether l's format has a rep-sharing
// index.
func (l *Layout) SupportsRepSharing() bool { return l.Format >= FormatRepSharing }

// SupportsPackedRevisions reports whether l's format allows packed
// shards.
func (l *Layout) SupportsPackedRevisions() bool { return l.Format >= FormatPackedRevisions }

// SupportsPackedRevprops reports whether l's format allows packed
// revprops.
func (l *Layout) SupportsPackedRevprops() bool { return l.Format >= FormatPackedRevprops }

// --- fixed, format-independent paths ---

func (l *Layout) FormatPath() string         { return filepath.Join(l.Root, "format") }
func (l *Layout) UUIDPath() string           { return filepath.Join(l.Root, "uuid") }
func (l *Layout) CurrentPath() string        { return filepath.Join(l.Root, "current") }
func (l *Layout) ConfigPath() string         { return filepath.Join(l.Root, "fsfs.conf") }
func (l *Layout) MinUnpackedRevPath() string { return filepath.Join(l.Root, "min-unpacked-rev") }
func (l *Layout) TxnCurrentPath() string     { return filepath.Join(l.Root, "txn-current") }
func (l *Layout) TxnCurrentLockPath() string { return filepath.Join(l.Root, "txn-current-lock") }
func (l *Layout) GlobalLockPath() string     { return filepath.Join(l.Root, "lock") }
func (l *Layout) RepCachePath() string       { return filepath.Join(l.Root, "rep-cache.db") }
func (l *Layout) RevsDir() string            { return filepath.Join(l.Root, "revs") }
func (l *Layout) RevpropsDir() string        { return filepath.Join(l.Root, "revprops") }
func (l *Layout) TransactionsDir() string    { return filepath.Join(l.Root, "transactions") }
func (l *Layout) TxnProtorevsDir() string    { return filepath.Join(l.Root, "txn-protorevs") }
func (l *Layout) NodeOriginsDir() string     { return filepath.Join(l.Root, "node-origins") }

// --- sharded paths ---

// shard returns the shard subdirectory name for revision rev, or ""
// if the layout is linear.
func (l *Layout) shard(rev int64) string {
	if l.Kind != LayoutSharded || l.MaxFilesPerShard <= 0 {
		return ""
	}
	return strconv.FormatInt(rev/int64(l.MaxFilesPerShard), 10)
}

// RevisionDir returns the directory that rev's revision file lives in
// (== RevsDir() for a linear repository).
func (l *Layout) RevisionDir(rev int64) string {
	if s := l.shard(rev); s != "" {
		return filepath.Join(l.RevsDir(), s)
	}
	return l.RevsDir()
}

// RevisionPath returns the path of the revision file for rev.
func (l *Layout) RevisionPath(rev int64) string {
	return filepath.Join(l.RevisionDir(rev), strconv.FormatInt(rev, 10))
}

// RevpropsDirFor returns the directory rev's revprop file lives in.
func (l *Layout) RevpropsDirFor(rev int64) string {
	if s := l.shard(rev); s != "" {
		return filepath.Join(l.RevpropsDir(), s)
	}
	return l.RevpropsDir()
}

// RevpropsPath returns the path of the revprop file for rev.
func (l *Layout) RevpropsPath(rev int64) string {
	return filepath.Join(l.RevpropsDirFor(rev), strconv.FormatInt(rev, 10))
}

// PackDir returns the path of the pack directory for the shard
// containing rev (revs/<shard>.pack/).
func (l *Layout) PackDir(rev int64) string {
	s := l.shard(rev)
	return filepath.Join(l.RevsDir(), s+".pack")
}

// EnsureShardDir creates the shard directory dir if it does not exist
// yet, inheriting permissions from its parent. Pre-existing directory
// is not an error (first revision of a shard races harmlessly with
// itself under the global write lock, but hotcopy may call this
// without holding it).
func (l *Layout) EnsureShardDir(dir string) error {
	parent := filepath.Dir(dir)
	fi, err := os.Stat(parent)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat shard parent %s", parent)
	}
	if err := os.Mkdir(dir, fi.Mode().Perm()); err != nil && !os.IsExist(err) {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create shard dir %s", dir)
	}
	return nil
}

// --- transaction paths ---

func (l *Layout) TxnDir(txnID string) string {
	return filepath.Join(l.TransactionsDir(), txnID+".txn")
}

// ProtoRevPath returns the path of txnID's proto-revision file,
// honoring the per-format dedicated-directory gate.
func (l *Layout) ProtoRevPath(txnID string) string {
	if l.SupportsDedicatedProtorevs() {
		return filepath.Join(l.TxnProtorevsDir(), txnID+".rev")
	}
	return filepath.Join(l.TxnDir(txnID), "rev")
}

// ProtoRevLockPath returns the path of txnID's proto-revision lock
// file.
func (l *Layout) ProtoRevLockPath(txnID string) string {
	if l.SupportsDedicatedProtorevs() {
		return filepath.Join(l.TxnProtorevsDir(), txnID+".rev-lock")
	}
	return filepath.Join(l.TxnDir(txnID), "rev-lock")
}

func (l *Layout) ChangesPath(txnID string) string  { return filepath.Join(l.TxnDir(txnID), "changes") }
func (l *Layout) NextIDsPath(txnID string) string  { return filepath.Join(l.TxnDir(txnID), "next-ids") }
func (l *Layout) TxnPropsPath(txnID string) string { return filepath.Join(l.TxnDir(txnID), "props") }

// NodeRevPath returns the path of a single transaction-located
// node-revision's scratch file.
func (l *Layout) NodeRevPath(txnID, nodeID string) string {
	return filepath.Join(l.TxnDir(txnID), "node."+nodeID)
}

// PropsPath returns the path of a single transaction-located node's
// fresh property-list scratch file.
func (l *Layout) PropsPath(txnID, nodeID string) string {
	return filepath.Join(l.TxnDir(txnID), nodeID+".props")
}

// SidecarPath returns the per-transaction rep-sharing sidecar path for
// a SHA1 hex digest.
func (l *Layout) SidecarPath(txnID, sha1Hex string) string {
	return filepath.Join(l.TxnDir(txnID), sha1Hex)
}

// --- format file ---

// FormatFile is the parsed contents of the format file.
type FormatFile struct {
	Format           int
	Kind             LayoutKind
	MaxFilesPerShard int
}

// ReadFormat reads and parses the format file at root. A missing file
// is not an error: it means legacy format 1, linear layout, per
// spec.md §4.1.
func ReadFormat(root string) (*FormatFile, error) {
	p := filepath.Join(root, "format")
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return &FormatFile{Format: 1, Kind: LayoutLinear}, nil
	}
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "open format file %s", p)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fsfserr.New(fsfserr.KindBadVersionFile, "format file %s is empty", p)
	}
	format, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindBadVersionFile, err, "format file %s: first line is not a decimal integer", p)
	}
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}

	ff := &FormatFile{Format: format, Kind: LayoutLinear}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "layout":
			if len(fields) < 2 {
				return nil, fsfserr.New(fsfserr.KindBadVersionFile, "format file %s: malformed layout line", p)
			}
			switch fields[1] {
			case "linear":
				ff.Kind = LayoutLinear
			case "sharded":
				if len(fields) < 3 {
					return nil, fsfserr.New(fsfserr.KindBadVersionFile, "format file %s: sharded layout missing shard size", p)
				}
				n, err := strconv.Atoi(fields[2])
				if err != nil {
					return nil, fsfserr.Wrap(fsfserr.KindBadVersionFile, err, "format file %s: bad shard size", p)
				}
				ff.Kind = LayoutSharded
				ff.MaxFilesPerShard = n
			default:
				return nil, fsfserr.New(fsfserr.KindBadVersionFile, "format file %s: unknown layout %q", p, fields[1])
			}
		default:
			// Forward compatible: ignore unknown lines.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read format file %s", p)
	}
	return ff, nil
}

// WriteFormat writes the format file to root. Per spec.md §4.1 this
// must be the *last* artifact written during an upgrade so a crash
// mid-upgrade leaves the store readable at the old format; callers are
// responsible for sequencing, this function only performs the atomic
// write-then-rename.
func WriteFormat(root string, ff *FormatFile) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", ff.Format)
	switch ff.Kind {
	case LayoutLinear:
		sb.WriteString("layout linear\n")
	case LayoutSharded:
		fmt.Fprintf(&sb, "layout sharded %d\n", ff.MaxFilesPerShard)
	}

	p := filepath.Join(root, "format")
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "write temp format file %s", tmp)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "rename format file into place %s", p)
	}
	return nil
}

// --- current pointer ---

// Current is the parsed contents of the "current" file: the youngest
// committed revision and, for formats predating scoped ids, the
// repository-wide next node-id/copy-id counters.
type Current struct {
	Youngest int64
	NextNode int64 // only meaningful when !SupportsScopedIDs
	NextCopy int64
}

// ReadCurrent reads and parses the current file, whose literal format
// is spec.md §6's `"<rev>[ <next-node> <next-copy>]\n"`.
func (l *Layout) ReadCurrent() (Current, error) {
	p := l.CurrentPath()
	b, err := os.ReadFile(p)
	if err != nil {
		return Current{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "read current file %s", p)
	}
	fields := strings.Fields(string(b))
	if len(fields) != 1 && len(fields) != 3 {
		return Current{}, fsfserr.New(fsfserr.KindCorrupt, "malformed current file %s", p)
	}
	rev, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Current{}, fsfserr.Wrap(fsfserr.KindCorrupt, err, "current file %s: bad revision", p)
	}
	cur := Current{Youngest: rev}
	if len(fields) == 3 {
		node, err1 := strconv.ParseInt(fields[1], 36, 64)
		copyn, err2 := strconv.ParseInt(fields[2], 36, 64)
		if err1 != nil || err2 != nil {
			return Current{}, fsfserr.New(fsfserr.KindCorrupt, "current file %s: bad id counters", p)
		}
		cur.NextNode, cur.NextCopy = node, copyn
	}
	return cur, nil
}

// WriteCurrent atomically overwrites the current file. Per spec.md
// §4.9 step 13, this is the sole publish barrier: readers must never
// observe a partially written current file.
func (l *Layout) WriteCurrent(cur Current) error {
	var content string
	if l.SupportsScopedIDs() {
		content = fmt.Sprintf("%d\n", cur.Youngest)
	} else {
		content = fmt.Sprintf("%d %s %s\n", cur.Youngest,
			strconv.FormatInt(cur.NextNode, 36), strconv.FormatInt(cur.NextCopy, 36))
	}
	p := l.CurrentPath()
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "write temp current file %s", tmp)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "rename current file into place %s", p)
	}
	return nil
}

// New constructs a Layout from a parsed FormatFile.
func New(root string, ff *FormatFile) *Layout {
	return &Layout{
		Root:             root,
		Format:           ff.Format,
		Kind:             ff.Kind,
		MaxFilesPerShard: ff.MaxFilesPerShard,
	}
}

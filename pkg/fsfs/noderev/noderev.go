// Package noderev reads and writes node-revision records — spec.md
// §4.4's per-revision metadata describing one node (file or
// directory) — serialized as a skel tagged record, and generalizes
// the per-node metadata reva's decomposedfs node package
// (pkg/storage/utils/decomposedfs/node/revisions.go) keeps in extended
// attributes into a single on-disk skel record per node-revision.
package noderev

import (
	"fmt"
	"strconv"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
	"github.com/cs3org/revafs/pkg/fsfs/skel"
)

// Kind distinguishes a file node-revision from a directory one.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "file":
		return KindFile, nil
	case "dir":
		return KindDir, nil
	default:
		return 0, fsfserr.New(fsfserr.KindCorrupt, "unrecognized node kind %q", s)
	}
}

// ParseKind is the exported form of parseKind, for callers (the
// commit pipeline) that need to convert a directory hash-diff
// record's string kind back to a Kind.
func ParseKind(s string) (Kind, error) { return parseKind(s) }

// PathRev names a path within a specific revision, used for Copyroot
// and Copyfrom.
type PathRev struct {
	Revision int64
	Path     string
}

// ID is a node-revision-id: (node-id, copy-id, origin), where origin
// is either a transaction location ("t<txn-id>") or a revision
// location ("r<rev>/<byte-offset>").
type ID struct {
	NodeID string
	CopyID string

	// Exactly one of TxnID or (Revision,Offset) is meaningful,
	// mirroring rep.Loc's own transaction/revision split.
	TxnID    string
	Revision int64
	Offset   int64
}

func (id ID) IsTransaction() bool { return id.TxnID != "" }

// Encode renders id as "<node-id>.<copy-id>.<origin>".
func (id ID) Encode() string {
	origin := fmt.Sprintf("r%d/%d", id.Revision, id.Offset)
	if id.IsTransaction() {
		origin = "t" + id.TxnID
	}
	return id.NodeID + "." + id.CopyID + "." + origin
}

// ParseID parses the wire format Encode produces.
func ParseID(s string) (ID, error) {
	var id ID
	// node-id and copy-id never contain '.'; origin is everything
	// after the second '.'.
	first := indexByte(s, '.')
	if first < 0 {
		return ID{}, fsfserr.New(fsfserr.KindCorrupt, "malformed node-revision-id %q", s)
	}
	rest := s[first+1:]
	second := indexByte(rest, '.')
	if second < 0 {
		return ID{}, fsfserr.New(fsfserr.KindCorrupt, "malformed node-revision-id %q", s)
	}
	id.NodeID = s[:first]
	id.CopyID = rest[:second]
	origin := rest[second+1:]

	switch {
	case len(origin) > 0 && origin[0] == 't':
		id.TxnID = origin[1:]
	case len(origin) > 0 && origin[0] == 'r':
		slash := indexByte(origin, '/')
		if slash < 0 {
			return ID{}, fsfserr.New(fsfserr.KindCorrupt, "malformed node-revision-id origin %q", origin)
		}
		rev, err1 := strconv.ParseInt(origin[1:slash], 10, 64)
		off, err2 := strconv.ParseInt(origin[slash+1:], 10, 64)
		if err1 != nil || err2 != nil {
			return ID{}, fsfserr.New(fsfserr.KindCorrupt, "malformed node-revision-id origin %q", origin)
		}
		id.Revision, id.Offset = rev, off
	default:
		return ID{}, fsfserr.New(fsfserr.KindCorrupt, "malformed node-revision-id origin %q", origin)
	}
	return id, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// NodeRevision is spec.md §3's per-revision node record.
type NodeRevision struct {
	ID   ID
	Kind Kind

	CreatedRev  int64
	CreatedPath string

	PredecessorID    *ID
	PredecessorCount int

	Copyroot PathRev
	Copyfrom *PathRev

	DataRep  *rep.Pointer
	PropsRep *rep.Pointer

	// FreshTxnRoot marks a node as the still-mutable root of the
	// transaction that created it; cleared at commit.
	FreshTxnRoot bool

	// Merge-info bookkeeping, emitted only when the owning format
	// supports it (spec.md §4.4's feature gate).
	HasMergeInfo   bool
	MergeInfoCount int64
	MergeInfoHere  bool
}

// Encode serializes nr as a skel record:
//
//	(id kind created-rev cpath count [pred] copyroot [copyfrom] [text] [props] [fresh-txn-root] [minfo-cnt minfo-here])
func Encode(nr *NodeRevision, mergeInfoSupported bool) []byte {
	items := []skel.Atom{
		skel.Str(nr.ID.Encode()),
		skel.Str(nr.Kind.String()),
		skel.Str(strconv.FormatInt(nr.CreatedRev, 10)),
		skel.Str(nr.CreatedPath),
		skel.Str(strconv.Itoa(nr.PredecessorCount)),
	}

	if nr.PredecessorID != nil {
		items = append(items, skel.List{skel.Str("pred"), skel.Str(nr.PredecessorID.Encode())})
	}
	items = append(items, skel.List{
		skel.Str("copyroot"),
		skel.Str(strconv.FormatInt(nr.Copyroot.Revision, 10)),
		skel.Str(nr.Copyroot.Path),
	})
	if nr.Copyfrom != nil {
		items = append(items, skel.List{
			skel.Str("copyfrom"),
			skel.Str(strconv.FormatInt(nr.Copyfrom.Revision, 10)),
			skel.Str(nr.Copyfrom.Path),
		})
	}
	if nr.DataRep != nil {
		items = append(items, skel.List{skel.Str("text"), skel.Str(nr.DataRep.Encode())})
	}
	if nr.PropsRep != nil {
		items = append(items, skel.List{skel.Str("props"), skel.Str(nr.PropsRep.Encode())})
	}
	if nr.FreshTxnRoot {
		items = append(items, skel.List{skel.Str("fresh-txn-root")})
	}
	if mergeInfoSupported && nr.HasMergeInfo {
		items = append(items, skel.List{
			skel.Str("minfo-cnt"), skel.Str(strconv.FormatInt(nr.MergeInfoCount, 10)),
			skel.Str("minfo-here"), skel.Str(boolStr(nr.MergeInfoHere)),
		})
	}

	return skel.Encode(skel.List(items))
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Decode parses a buffer holding exactly one skel record Encode
// produces, rejecting any trailing bytes.
func Decode(b []byte) (*NodeRevision, error) {
	nr, rest, err := DecodePrefix(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "trailing bytes after node-revision record")
	}
	return nr, nil
}

// DecodePrefix parses a single skel record from the start of b and
// returns it along with whatever bytes follow, unparsed. Revision
// files concatenate many node-revision records one after another with
// no length framing — skel's own parenthesized shape is already
// self-delimiting — so the commit pipeline and any reader that knows
// a record's starting byte offset can decode just that one record out
// of a much larger buffer (typically the rest of the revision file)
// without needing to know its length up front.
func DecodePrefix(b []byte) (*NodeRevision, []byte, error) {
	atom, rest, err := skel.Decode(b)
	if err != nil {
		return nil, nil, err
	}
	list, ok := skel.AsList(atom)
	if !ok {
		return nil, nil, fsfserr.New(fsfserr.KindCorrupt, "node-revision record is not a list")
	}
	if len(list) < 5 {
		return nil, nil, fsfserr.New(fsfserr.KindCorrupt, "truncated node-revision record")
	}

	idStr, err := atomStr(list[0])
	if err != nil {
		return nil, nil, err
	}
	id, err := ParseID(idStr)
	if err != nil {
		return nil, nil, err
	}
	kindStr, err := atomStr(list[1])
	if err != nil {
		return nil, nil, err
	}
	kind, err := parseKind(kindStr)
	if err != nil {
		return nil, nil, err
	}
	createdRevStr, err := atomStr(list[2])
	if err != nil {
		return nil, nil, err
	}
	createdRev, err := strconv.ParseInt(createdRevStr, 10, 64)
	if err != nil {
		return nil, nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "created-revision")
	}
	cpath, err := atomStr(list[3])
	if err != nil {
		return nil, nil, err
	}
	countStr, err := atomStr(list[4])
	if err != nil {
		return nil, nil, err
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "predecessor-count")
	}

	nr := &NodeRevision{
		ID:               id,
		Kind:             kind,
		CreatedRev:       createdRev,
		CreatedPath:      cpath,
		PredecessorCount: count,
	}

	for _, item := range list[5:] {
		tagged, ok := skel.AsList(item)
		if !ok {
			return nil, nil, fsfserr.New(fsfserr.KindCorrupt, "node-revision optional field is not a list")
		}
		if len(tagged) == 0 {
			continue
		}
		tag, err := atomStr(tagged[0])
		if err != nil {
			return nil, nil, err
		}
		if err := decodeOptionalField(nr, tag, tagged); err != nil {
			return nil, nil, err
		}
	}
	return nr, rest, nil
}

func decodeOptionalField(nr *NodeRevision, tag string, tagged []skel.Atom) error {
	switch tag {
	case "pred":
		s, err := atomStr(tagged[1])
		if err != nil {
			return err
		}
		predID, err := ParseID(s)
		if err != nil {
			return err
		}
		nr.PredecessorID = &predID
	case "copyroot":
		pr, err := parsePathRev(tagged)
		if err != nil {
			return err
		}
		nr.Copyroot = pr
	case "copyfrom":
		pr, err := parsePathRev(tagged)
		if err != nil {
			return err
		}
		nr.Copyfrom = &pr
	case "text":
		s, err := atomStr(tagged[1])
		if err != nil {
			return err
		}
		p, err := rep.DecodePointer(s)
		if err != nil {
			return err
		}
		nr.DataRep = &p
	case "props":
		s, err := atomStr(tagged[1])
		if err != nil {
			return err
		}
		p, err := rep.DecodePointer(s)
		if err != nil {
			return err
		}
		nr.PropsRep = &p
	case "fresh-txn-root":
		nr.FreshTxnRoot = true
	case "minfo-cnt":
		if len(tagged) != 4 {
			return fsfserr.New(fsfserr.KindCorrupt, "malformed merge-info field")
		}
		cntStr, err := atomStr(tagged[1])
		if err != nil {
			return err
		}
		cnt, err := strconv.ParseInt(cntStr, 10, 64)
		if err != nil {
			return fsfserr.Wrap(fsfserr.KindCorrupt, err, "minfo-cnt")
		}
		hereStr, err := atomStr(tagged[3])
		if err != nil {
			return err
		}
		nr.HasMergeInfo = true
		nr.MergeInfoCount = cnt
		nr.MergeInfoHere = hereStr == "1"
	default:
		// Unknown optional field: ignore, for forward compatibility
		// with newer writers.
	}
	return nil
}

func parsePathRev(tagged []skel.Atom) (PathRev, error) {
	if len(tagged) != 3 {
		return PathRev{}, fsfserr.New(fsfserr.KindCorrupt, "malformed path-revision field")
	}
	revStr, err := atomStr(tagged[1])
	if err != nil {
		return PathRev{}, err
	}
	rev, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return PathRev{}, fsfserr.Wrap(fsfserr.KindCorrupt, err, "path-revision")
	}
	path, err := atomStr(tagged[2])
	if err != nil {
		return PathRev{}, err
	}
	return PathRev{Revision: rev, Path: path}, nil
}

func atomStr(a skel.Atom) (string, error) {
	b, ok := skel.AsBytes(a)
	if !ok {
		return "", fsfserr.New(fsfserr.KindCorrupt, "node-revision field is not a byte string")
	}
	return string(b), nil
}

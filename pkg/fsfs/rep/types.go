// Package rep implements the representation store spec.md §4.5
// describes: reading and writing string representations (property
// lists, directory contents, file contents) as plain or delta-encoded
// segments inside revision files (or, while a transaction is open,
// inside that transaction's single proto-revision file).
//
// The streaming writer keeps running MD5 and SHA1 digests the same
// way reva's decomposedfs upload path tracks a RevisionMetadata
// checksum triple (pkg/storage/utils/decomposedfs/upload/revision.go's
// ChecksumSHA1/ChecksumMD5/ChecksumADLER32 fields); this package
// generalizes that from a single checksum-tagged blob to a full
// content-addressed, deltifiable representation.
package rep

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"strconv"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
)

// Kind distinguishes a plain (literal) representation from a delta
// one.
type Kind int

const (
	KindPlain Kind = iota
	KindDelta
)

// Loc addresses one representation segment: either inside an open
// transaction's proto-revision file (TxnID set) or inside a finalized,
// immutable revision file (Revision set). Offset is where the
// segment's header line starts; Size is the on-disk (possibly
// delta-compressed) byte count of the payload that follows that line,
// before "ENDREP\n".
type Loc struct {
	TxnID    string
	Revision int64
	Offset   int64
	Size     int64
}

// IsTransaction reports whether l addresses a still-open transaction's
// proto-revision file.
func (l Loc) IsTransaction() bool { return l.TxnID != "" }

// BaseRef names the delta base of a DELTA representation. Bases
// always point to an already-committed revision (spec.md §3: "Delta
// bases always point backward in time"), never into the same
// transaction's still-mutable representation.
type BaseRef struct {
	Revision int64
	Offset   int64
	Size     int64
}

// Pointer is the reference to a representation stored inside a
// node-revision (spec.md §3's "pointer to data-rep/prop-rep"). It
// carries the location plus the bookkeeping (checksums, expanded size,
// uniquifier) a consuming node-revision needs.
type Pointer struct {
	Loc          Loc
	ExpandedSize int64
	MD5          [md5.Size]byte
	SHA1         [sha1.Size]byte
	HasSHA1      bool
	Uniquifier   string // "<txn-id>/<fresh-suffix>"; empty once committed without one
}

// TxnIDFromUniquifier extracts the owning transaction-id from a
// uniquifier of the shape "<txn-id>/<fresh-suffix>".
func TxnIDFromUniquifier(u string) string {
	i := strings.LastIndex(u, "/")
	if i < 0 {
		return ""
	}
	return u[:i]
}

// Encode serializes p as the representation-pointer wire format:
//
//	<revision> <offset> <size> <expanded-size> <md5-hex> [<sha1-hex> <uniquifier>]
//
// A transaction-located pointer encodes -1 for <revision> and the
// proto-rev-relative offset for <offset>; the owning txn-id is
// recovered from the uniquifier by the reader, per spec.md §3's
// "txn-id and a uniquifier string ... enabling deduplication".
func (p Pointer) Encode() string {
	rev := p.Loc.Revision
	if p.Loc.IsTransaction() {
		rev = -1
	}
	fields := []string{
		strconv.FormatInt(rev, 10),
		strconv.FormatInt(p.Loc.Offset, 10),
		strconv.FormatInt(p.Loc.Size, 10),
		strconv.FormatInt(p.ExpandedSize, 10),
		fmt.Sprintf("%x", p.MD5),
	}
	if p.HasSHA1 {
		fields = append(fields, fmt.Sprintf("%x", p.SHA1), p.Uniquifier)
	}
	return strings.Join(fields, " ")
}

// DecodePointer parses the wire format Encode produces.
func DecodePointer(s string) (Pointer, error) {
	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 7 {
		return Pointer{}, fsfserr.New(fsfserr.KindCorrupt, "malformed representation pointer %q", s)
	}
	rev, err1 := strconv.ParseInt(fields[0], 10, 64)
	off, err2 := strconv.ParseInt(fields[1], 10, 64)
	size, err3 := strconv.ParseInt(fields[2], 10, 64)
	expanded, err4 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Pointer{}, fsfserr.New(fsfserr.KindCorrupt, "malformed representation pointer %q", s)
	}
	var p Pointer
	md5Bytes, err := parseHexFixed(fields[4], md5.Size)
	if err != nil {
		return Pointer{}, fsfserr.Wrap(fsfserr.KindCorrupt, err, "malformed md5 in representation pointer %q", s)
	}
	copy(p.MD5[:], md5Bytes)

	if len(fields) == 7 {
		sha1Bytes, err := parseHexFixed(fields[5], sha1.Size)
		if err != nil {
			return Pointer{}, fsfserr.Wrap(fsfserr.KindCorrupt, err, "malformed sha1 in representation pointer %q", s)
		}
		copy(p.SHA1[:], sha1Bytes)
		p.HasSHA1 = true
		p.Uniquifier = fields[6]
	}

	p.ExpandedSize = expanded
	if rev < 0 {
		p.Loc = Loc{TxnID: TxnIDFromUniquifier(p.Uniquifier), Offset: off, Size: size}
	} else {
		p.Loc = Loc{Revision: rev, Offset: off, Size: size}
	}
	return p, nil
}

func parseHexFixed(s string, n int) ([]byte, error) {
	if len(s) != n*2 {
		return nil, fmt.Errorf("expected %d hex chars, got %d", n*2, len(s))
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

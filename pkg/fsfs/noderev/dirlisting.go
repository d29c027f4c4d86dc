package noderev

import (
	"sort"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/skel"
)

// DirEntry is one finalized child of a directory node-revision: a
// name paired with the (already revision-located, once committed)
// node-revision-id of that child.
type DirEntry struct {
	Name string
	ID   ID
	Kind Kind
}

// EncodeDirListing serializes a directory's full entry set as the
// representation stored in its data-rep, a skel list of
// (name kind node-revision-id) triples sorted lexically by name so
// two listings with the same members always serialize identically
// (spec.md §4.9 step 4's "walk entries in lexical order to get
// deterministic output").
func EncodeDirListing(entries []DirEntry) []byte {
	sorted := append([]DirEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	items := make([]skel.Atom, 0, len(sorted))
	for _, e := range sorted {
		items = append(items, skel.List{
			skel.Str(e.Name),
			skel.Str(e.Kind.String()),
			skel.Str(e.ID.Encode()),
		})
	}
	return skel.Encode(skel.List(items))
}

// DecodeDirListing parses the format EncodeDirListing produces.
func DecodeDirListing(b []byte) ([]DirEntry, error) {
	atom, rest, err := skel.Decode(b)
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "decode directory listing")
	}
	if len(rest) != 0 {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "trailing bytes after directory listing")
	}
	list, ok := skel.AsList(atom)
	if !ok {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "directory listing is not a list")
	}

	out := make([]DirEntry, 0, len(list))
	for _, item := range list {
		triple, ok := skel.AsList(item)
		if !ok || len(triple) != 3 {
			return nil, fsfserr.New(fsfserr.KindCorrupt, "malformed directory entry")
		}
		name, err := atomStr(triple[0])
		if err != nil {
			return nil, err
		}
		kindStr, err := atomStr(triple[1])
		if err != nil {
			return nil, err
		}
		kind, err := parseKind(kindStr)
		if err != nil {
			return nil, err
		}
		idStr, err := atomStr(triple[2])
		if err != nil {
			return nil, err
		}
		id, err := ParseID(idStr)
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntry{Name: name, Kind: kind, ID: id})
	}
	return out, nil
}

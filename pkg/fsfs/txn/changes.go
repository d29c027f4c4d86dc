// Changed-paths tracking: recording every mutation made against a
// transaction's working tree, and folding repeated records for the
// same path down to a single net effect at read time, per spec.md
// §4.8.
package txn

import (
	"strconv"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/skel"
)

// ChangeKind is the kind of mutation recorded for a path.
type ChangeKind int

const (
	ChangeModify ChangeKind = iota
	ChangeAdd
	ChangeDelete
	ChangeReplace
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeModify:
		return "modify"
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

func parseChangeKind(s string) (ChangeKind, error) {
	switch s {
	case "modify":
		return ChangeModify, nil
	case "add":
		return ChangeAdd, nil
	case "delete":
		return ChangeDelete, nil
	case "replace":
		return ChangeReplace, nil
	case "reset":
		return ChangeReset, nil
	default:
		return 0, fsfserr.New(fsfserr.KindCorrupt, "unrecognized change kind %q", s)
	}
}

// NodeKind distinguishes a file from a directory for a changed path.
type NodeKind int

const (
	NodeFile NodeKind = iota
	NodeDir
)

// Change is one recorded mutation against a path in a transaction's
// working tree, spec.md §3/§4.8's svn_fs_path_change analogue.
type Change struct {
	Path        string
	NodeID      string
	Kind        ChangeKind
	TextMod     bool
	PropMod     bool
	NodeKind    NodeKind
	CopyfromRev int64  // -1 if not a copy
	CopyfromPath string
}

func (c Change) encode() skel.Atom {
	nodeKind := "file"
	if c.NodeKind == NodeDir {
		nodeKind = "dir"
	}
	return skel.List{
		skel.Str(c.Path),
		skel.Str(c.NodeID),
		skel.Str(c.Kind.String()),
		skel.Str(boolStr(c.TextMod)),
		skel.Str(boolStr(c.PropMod)),
		skel.Str(nodeKind),
		skel.Str(strconv.FormatInt(c.CopyfromRev, 10)),
		skel.Str(c.CopyfromPath),
	}
}

func decodeChange(a skel.Atom) (Change, error) {
	list, ok := skel.AsList(a)
	if !ok || len(list) != 8 {
		return Change{}, fsfserr.New(fsfserr.KindCorrupt, "malformed change record")
	}
	fields := make([]string, 8)
	for i, item := range list {
		b, ok := skel.AsBytes(item)
		if !ok {
			return Change{}, fsfserr.New(fsfserr.KindCorrupt, "malformed change record field %d", i)
		}
		fields[i] = string(b)
	}
	kind, err := parseChangeKind(fields[2])
	if err != nil {
		return Change{}, err
	}
	copyfromRev, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return Change{}, fsfserr.Wrap(fsfserr.KindCorrupt, err, "change copyfrom-rev")
	}
	nodeKind := NodeFile
	if fields[5] == "dir" {
		nodeKind = NodeDir
	}
	return Change{
		Path:         fields[0],
		NodeID:       fields[1],
		Kind:         kind,
		TextMod:      fields[3] == "1",
		PropMod:      fields[4] == "1",
		NodeKind:     nodeKind,
		CopyfromRev:  copyfromRev,
		CopyfromPath: fields[7],
	}, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// EncodeChangesLog appends the skel encoding of each change, one per
// line, to the changes file's existing content.
func EncodeChangesLog(changes []Change) []byte {
	var buf []byte
	for _, c := range changes {
		buf = append(buf, skel.Encode(c.encode())...)
		buf = append(buf, '\n')
	}
	return buf
}

// DecodeChangesLog parses a changes file's full content (the
// concatenation of every add_change call against this transaction, in
// order) into the raw, unfolded list of Change records.
func DecodeChangesLog(b []byte) ([]Change, error) {
	var out []Change
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		atom, rest, err := skel.Decode([]byte(line))
		if err != nil {
			return nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "decode change record")
		}
		if len(rest) != 0 {
			return nil, fsfserr.New(fsfserr.KindCorrupt, "trailing bytes in change record")
		}
		c, err := decodeChange(atom)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Fold implements spec.md §4.8's changed-paths folding rules,
// collapsing the raw, ordered log of Change records down to at most
// one net Change per path:
//
//   - reset after anything removes the path from the set.
//   - delete after add (within the same txn) removes the path
//     entirely; delete after anything else overrides the prior change
//     with delete.
//   - add after delete/reset becomes replace.
//   - add on a preexisting path is corruption.
//   - modify sets the modify flags; consecutive modifies or-together.
//   - a delete or replace on a path removes every recorded change on
//     any descendant path (paths starting with path + "/").
func Fold(raw []Change) ([]Change, error) {
	order := make([]string, 0, len(raw))
	byPath := make(map[string]Change, len(raw))
	// removedVia records that this path has, at some point in this
	// transaction, been deleted or reset — so a later add on it is a
	// replace (of the path's base-revision node) rather than a fresh
	// add, even though byPath no longer holds a current entry for it.
	removedVia := make(map[string]bool, len(raw))

	removeDescendants := func(parent string) {
		prefix := parent + "/"
		for p := range byPath {
			if strings.HasPrefix(p, prefix) {
				delete(byPath, p)
			}
		}
	}

	for _, c := range raw {
		prev, had := byPath[c.Path]

		switch c.Kind {
		case ChangeReset:
			delete(byPath, c.Path)
			removedVia[c.Path] = true

		case ChangeDelete:
			if had && prev.Kind == ChangeAdd {
				delete(byPath, c.Path)
			} else {
				c.Kind = ChangeDelete
				byPath[c.Path] = c
			}
			removedVia[c.Path] = true
			removeDescendants(c.Path)

		case ChangeAdd:
			switch {
			case had && prev.Kind == ChangeDelete:
				c.Kind = ChangeReplace
			case had:
				return nil, fsfserr.New(fsfserr.KindCorrupt, "add on preexisting path %q", c.Path)
			case removedVia[c.Path]:
				c.Kind = ChangeReplace
			}
			removeDescendants(c.Path)
			byPath[c.Path] = c

		case ChangeReplace:
			byPath[c.Path] = c
			removeDescendants(c.Path)

		case ChangeModify:
			if had {
				prev.TextMod = prev.TextMod || c.TextMod
				prev.PropMod = prev.PropMod || c.PropMod
				byPath[c.Path] = prev
			} else {
				byPath[c.Path] = c
			}
		}

		if !containsString(order, c.Path) {
			order = append(order, c.Path)
		}
	}

	out := make([]Change, 0, len(byPath))
	for _, p := range order {
		if c, ok := byPath[p]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

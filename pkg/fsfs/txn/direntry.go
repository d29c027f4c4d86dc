// Directory hash-diff records: spec.md §4.8's set_entry operation
// appends a tiny add/modify/delete record to a mutable directory's
// representation rather than rewriting the whole listing on every
// edit, matching original_source/subversion/libsvn_fs_fs/fs_fs.c's
// incremental hash-delta directory format.
package txn

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
)

// DirEntry names one child of a directory node-revision: the child's
// node-revision-id (encoded per pkg/fsfs/noderev.ID.Encode) and kind.
type DirEntry struct {
	Name   string
	NodeID string // empty for a delete
	Kind   string // "file" or "dir"; ignored for a delete
}

// AppendSet serializes an add-or-modify record for entry in spec.md
// §4.8's literal wire format:
//
//	K <len>\n<name>\nV <len>\n<entry>\n
//
// where <entry> is "<kind> <node-id>".
func AppendSet(w io.Writer, entry DirEntry) error {
	value := fmt.Sprintf("%s %s", entry.Kind, entry.NodeID)
	_, err := fmt.Fprintf(w, "K %d\n%s\nV %d\n%s\n", len(entry.Name), entry.Name, len(value), value)
	return err
}

// AppendDelete serializes a delete record for name:
//
//	D <len>\n<name>\n
func AppendDelete(w io.Writer, name string) error {
	_, err := fmt.Fprintf(w, "D %d\n%s\n", len(name), name)
	return err
}

// dirOp is one parsed record from a directory hash-diff stream.
type dirOp struct {
	deleted bool
	entry   DirEntry
}

// ReadDiff parses a full hash-diff stream (as accumulated by
// AppendSet/AppendDelete calls) into the ordered list of operations.
func ReadDiff(r io.Reader) ([]dirOp, error) {
	br := bufio.NewReader(r)
	var ops []dirOp
	for {
		tag, err := br.ReadByte()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "read directory diff tag")
		}
		switch tag {
		case 'K':
			name, err := readLengthPrefixed(br)
			if err != nil {
				return nil, err
			}
			vtag, err := br.ReadByte()
			if err != nil || vtag != 'V' {
				return nil, fsfserr.New(fsfserr.KindCorrupt, "expected V record after K")
			}
			value, err := readLengthPrefixed(br)
			if err != nil {
				return nil, err
			}
			kind, nodeID, err := splitEntryValue(value)
			if err != nil {
				return nil, err
			}
			ops = append(ops, dirOp{entry: DirEntry{Name: name, NodeID: nodeID, Kind: kind}})
		case 'D':
			name, err := readLengthPrefixed(br)
			if err != nil {
				return nil, err
			}
			ops = append(ops, dirOp{deleted: true, entry: DirEntry{Name: name}})
		default:
			return nil, fsfserr.New(fsfserr.KindCorrupt, "unrecognized directory diff tag %q", tag)
		}
	}
}

func readLengthPrefixed(br *bufio.Reader) (string, error) {
	if b, err := br.ReadByte(); err != nil || b != ' ' {
		return "", fsfserr.New(fsfserr.KindCorrupt, "malformed directory diff length prefix")
	}
	lenLine, err := br.ReadString('\n')
	if err != nil {
		return "", fsfserr.Wrap(fsfserr.KindCorrupt, err, "read directory diff length")
	}
	n, err := strconv.Atoi(lenLine[:len(lenLine)-1])
	if err != nil {
		return "", fsfserr.Wrap(fsfserr.KindCorrupt, err, "parse directory diff length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", fsfserr.Wrap(fsfserr.KindCorrupt, err, "read directory diff payload")
	}
	if nl, err := br.ReadByte(); err != nil || nl != '\n' {
		return "", fsfserr.New(fsfserr.KindCorrupt, "missing newline after directory diff payload")
	}
	return string(buf), nil
}

func splitEntryValue(value string) (kind, nodeID string, err error) {
	i := bytes.IndexByte([]byte(value), ' ')
	if i < 0 {
		return "", "", fsfserr.New(fsfserr.KindCorrupt, "malformed directory entry value %q", value)
	}
	return value[:i], value[i+1:], nil
}

// Apply folds an ordered sequence of hash-diff operations into the
// final set of entries, applying each add/modify or delete as a
// right-fold (later ops win), starting from base (the directory's
// prior immutable listing, possibly empty).
func Apply(base []DirEntry, ops []dirOp) []DirEntry {
	byName := make(map[string]DirEntry, len(base))
	order := make([]string, 0, len(base))
	for _, e := range base {
		byName[e.Name] = e
		order = append(order, e.Name)
	}
	for _, op := range ops {
		if op.deleted {
			delete(byName, op.entry.Name)
			continue
		}
		if _, had := byName[op.entry.Name]; !had {
			order = append(order, op.entry.Name)
		}
		byName[op.entry.Name] = op.entry
	}
	out := make([]DirEntry, 0, len(byName))
	for _, name := range order {
		if e, ok := byName[name]; ok {
			out = append(out, e)
		}
	}
	return out
}

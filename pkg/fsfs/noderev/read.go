package noderev

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

// ParseTrailer parses a revision file's last line, spec.md §4.9 step
// 6's "<root-offset> <changed-paths-offset>\n".
func ParseTrailer(b []byte) (rootOffset, changedPathsOffset int64, err error) {
	trimmed := bytes.TrimRight(b, "\n")
	line := trimmed
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		line = trimmed[idx+1:]
	}
	fields := strings.Fields(string(line))
	if len(fields) != 2 {
		return 0, 0, fsfserr.New(fsfserr.KindCorrupt, "malformed revision trailer")
	}
	rootOffset, err1 := strconv.ParseInt(fields[0], 10, 64)
	changedPathsOffset, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fsfserr.New(fsfserr.KindCorrupt, "malformed revision trailer")
	}
	return rootOffset, changedPathsOffset, nil
}

// ReadAt reads the already-committed node-revision addressed by a
// revision-located id, decoding just the one record starting at its
// byte offset out of the whole revision file.
func ReadAt(lt *layout.Layout, id ID) (*NodeRevision, error) {
	if id.IsTransaction() {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "node-revision-id %s is not revision-located", id.Encode())
	}
	b, err := os.ReadFile(lt.RevisionPath(id.Revision))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read revision file for node-revision lookup")
	}
	if id.Offset < 0 || id.Offset >= int64(len(b)) {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "offset %d outside revision %d", id.Offset, id.Revision)
	}
	nr, _, err := DecodePrefix(b[id.Offset:])
	return nr, err
}

// ReadRoot reads rev's trailer to find its root node-revision's
// offset, then decodes it.
func ReadRoot(lt *layout.Layout, rev int64) (*NodeRevision, error) {
	b, err := os.ReadFile(lt.RevisionPath(rev))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read revision file %d", rev)
	}
	rootOffset, _, err := ParseTrailer(b)
	if err != nil {
		return nil, err
	}
	if rootOffset < 0 || rootOffset >= int64(len(b)) {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "root offset %d outside revision %d", rootOffset, rev)
	}
	nr, _, err := DecodePrefix(b[rootOffset:])
	return nr, err
}

// WalkPredecessors follows a chain of already-committed predecessor
// node-revisions, starting at *start, walkBack-1 hops further back,
// and returns the node-revision found there. walkBack==1 returns
// *start itself. A PredecessorID is only ever revision-located (a
// transaction's mutable clone always points its predecessor link at
// something already committed), so ReadAt suffices at every hop.
func WalkPredecessors(lt *layout.Layout, start *ID, walkBack int) (*NodeRevision, error) {
	if start == nil {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "no predecessor to walk back from")
	}
	id := *start
	var nr *NodeRevision
	for i := 0; i < walkBack; i++ {
		n, err := ReadAt(lt, id)
		if err != nil {
			return nil, err
		}
		nr = n
		if i < walkBack-1 {
			if nr.PredecessorID == nil {
				return nil, fsfserr.New(fsfserr.KindCorrupt, "predecessor chain shorter than requested walk-back")
			}
			id = *nr.PredecessorID
		}
	}
	return nr, nil
}

// ChangedPathsSection returns the raw, undecoded bytes of rev's
// changed-paths section (between the trailer's recorded offset and
// the trailer line itself), for a reader that wants the folded list
// a committer wrote at commit time.
func ChangedPathsSection(lt *layout.Layout, rev int64) ([]byte, error) {
	b, err := os.ReadFile(lt.RevisionPath(rev))
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "read revision file %d", rev)
	}
	_, changedOffset, err := ParseTrailer(b)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimRight(b, "\n")
	trailerStart := 0
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trailerStart = idx + 1
	}
	if changedOffset < 0 || changedOffset > int64(trailerStart) {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "changed-paths offset %d outside revision %d", changedOffset, rev)
	}
	return b[changedOffset:trailerStart], nil
}

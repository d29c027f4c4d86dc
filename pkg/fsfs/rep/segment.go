package rep

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

const endRepMarker = "ENDREP\n"

// WriteSegment appends one representation segment to w, starting at
// the caller-tracked current file offset headerOffset, per spec.md
// §4.5's on-disk framing:
//
//	<header>\n
//	<payload>
//	ENDREP\n
//
// The returned Loc.Offset is the start of the header line (not the
// payload), since the header's length varies with the delta base it
// names and a reader must read the header before it knows where the
// payload begins. Loc.Size is the on-disk payload length.
func WriteSegment(w io.Writer, kind Kind, base *BaseRef, payload []byte, headerOffset int64) (Loc, error) {
	header := formatHeader(kind, base)
	if _, err := io.WriteString(w, header); err != nil {
		return Loc{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "write representation header")
	}
	if _, err := w.Write(payload); err != nil {
		return Loc{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "write representation payload")
	}
	if _, err := io.WriteString(w, endRepMarker); err != nil {
		return Loc{}, fsfserr.Wrap(fsfserr.KindGeneral, err, "write representation trailer")
	}
	return Loc{Offset: headerOffset, Size: int64(len(payload))}, nil
}

func formatHeader(kind Kind, base *BaseRef) string {
	switch kind {
	case KindPlain:
		return "PLAIN\n"
	case KindDelta:
		if base == nil {
			return "DELTA\n"
		}
		return fmt.Sprintf("DELTA %d %d %d\n", base.Revision, base.Offset, base.Size)
	default:
		panic("rep: unknown kind")
	}
}

// segmentHeader is the parsed first line of a representation segment.
type segmentHeader struct {
	kind Kind
	base *BaseRef
}

func parseHeader(line string) (segmentHeader, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return segmentHeader{}, fsfserr.New(fsfserr.KindCorrupt, "empty representation header")
	}
	switch fields[0] {
	case "PLAIN":
		return segmentHeader{kind: KindPlain}, nil
	case "DELTA":
		if len(fields) == 1 {
			return segmentHeader{kind: KindDelta}, nil
		}
		if len(fields) != 4 {
			return segmentHeader{}, fsfserr.New(fsfserr.KindCorrupt, "malformed DELTA header %q", line)
		}
		rev, err1 := strconv.ParseInt(fields[1], 10, 64)
		off, err2 := strconv.ParseInt(fields[2], 10, 64)
		size, err3 := strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return segmentHeader{}, fsfserr.New(fsfserr.KindCorrupt, "malformed DELTA header %q", line)
		}
		return segmentHeader{kind: KindDelta, base: &BaseRef{Revision: rev, Offset: off, Size: size}}, nil
	default:
		return segmentHeader{}, fsfserr.New(fsfserr.KindCorrupt, "unrecognized representation header %q", line)
	}
}

// ReadRaw opens loc's owning file, reads its header line, and returns
// the parsed header plus the (possibly delta-encoded) payload bytes,
// validated against the trailing ENDREP marker.
func ReadRaw(lt *layout.Layout, loc Loc) (segmentHeader, []byte, error) {
	path := loc.path(lt)
	f, err := os.Open(path)
	if err != nil {
		return segmentHeader{}, nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "open %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(loc.Offset, io.SeekStart); err != nil {
		return segmentHeader{}, nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "seek to representation header in %s", path)
	}
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil {
		return segmentHeader{}, nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "read representation header in %s", path)
	}
	hdr, err := parseHeader(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return segmentHeader{}, nil, err
	}

	buf := make([]byte, loc.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return segmentHeader{}, nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "read representation payload in %s", path)
	}

	trailer := make([]byte, len(endRepMarker))
	if _, err := io.ReadFull(r, trailer); err != nil || !bytes.Equal(trailer, []byte(endRepMarker)) {
		return segmentHeader{}, nil, fsfserr.New(fsfserr.KindCorrupt, "missing ENDREP trailer in %s at offset %d", path, loc.Offset)
	}
	return hdr, buf, nil
}

// path resolves loc to the file it lives in.
func (l Loc) path(lt *layout.Layout) string {
	if l.IsTransaction() {
		return lt.ProtoRevPath(l.TxnID)
	}
	return lt.RevisionPath(l.Revision)
}

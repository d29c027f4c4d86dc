package rep

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"hash"
	"io"
)

// Writer accumulates the bytes of one representation's expanded
// content while keeping running MD5 and SHA1 digests, the same
// checksum pair reva's decomposedfs RevisionMetadata tracks per
// upload (pkg/storage/utils/decomposedfs/upload/revision.go). Content
// is buffered (rather than streamed straight through a delta encoder)
// because the deltification decision — and the simple prefix/suffix
// delta algorithm itself — both need the complete target bytes; see
// DESIGN.md.
type Writer struct {
	buf  bytes.Buffer
	mw   io.Writer
	md5h hash.Hash
	sha1 hash.Hash
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	w := &Writer{md5h: md5.New(), sha1: sha1.New()}
	w.mw = io.MultiWriter(&w.buf, w.md5h, w.sha1)
	return w
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) { return w.mw.Write(p) }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Bytes returns the accumulated expanded content.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Finish chooses the on-disk encoding (kind/base supplied by the
// caller, typically pkg/fsfs/deltify's decision), appends the
// resulting segment to dest at headerOffset, and returns the
// resulting Pointer. baseContent is the expanded bytes of the delta
// base (nil for KindPlain or a self-delta).
func (w *Writer) Finish(dest io.Writer, headerOffset int64, kind Kind, base *BaseRef, baseContent []byte, uniquifier string) (Pointer, error) {
	target := w.buf.Bytes()

	var payload []byte
	switch kind {
	case KindPlain:
		payload = target
	case KindDelta:
		payload = EncodeDelta(baseContent, target)
	}

	loc, err := WriteSegment(dest, kind, base, payload, headerOffset)
	if err != nil {
		return Pointer{}, err
	}

	var p Pointer
	p.Loc = loc
	p.ExpandedSize = int64(len(target))
	copy(p.MD5[:], w.md5h.Sum(nil))
	copy(p.SHA1[:], w.sha1.Sum(nil))
	p.HasSHA1 = true
	p.Uniquifier = uniquifier
	return p, nil
}

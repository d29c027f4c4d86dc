package rep

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

func TestDeltaRoundTripAppend(t *testing.T) {
	base := []byte("hello world")
	target := []byte("hello world, extended")
	payload := EncodeDelta(base, target)
	got, err := ApplyDelta(base, payload)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestDeltaRoundTripPrependAndMiddleEdit(t *testing.T) {
	base := []byte("the quick brown fox")
	target := []byte("a very the quick brown zzz fox")
	payload := EncodeDelta(base, target)
	got, err := ApplyDelta(base, payload)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestSelfDeltaRoundTrip(t *testing.T) {
	target := []byte("brand new content, no base")
	payload := EncodeDelta(nil, target)
	got, err := ApplyDelta(nil, payload)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestPointerEncodeDecodeRoundTrip(t *testing.T) {
	p := Pointer{
		Loc:          Loc{Revision: 3, Offset: 120, Size: 14},
		ExpandedSize: 14,
		HasSHA1:      true,
	}
	copy(p.MD5[:], bytes.Repeat([]byte{0xab}, md5.Size))
	copy(p.SHA1[:], bytes.Repeat([]byte{0xcd}, sha1.Size))
	p.Uniquifier = "0-1/a"

	enc := p.Encode()
	dec, err := DecodePointer(enc)
	require.NoError(t, err)
	require.Equal(t, p.Loc, dec.Loc)
	require.Equal(t, p.ExpandedSize, dec.ExpandedSize)
	require.Equal(t, p.MD5, dec.MD5)
	require.Equal(t, p.SHA1, dec.SHA1)
	require.Equal(t, p.Uniquifier, dec.Uniquifier)
}

func TestPointerEncodeTransactionLocated(t *testing.T) {
	p := Pointer{
		Loc:          Loc{TxnID: "0-1", Offset: 55, Size: 4},
		ExpandedSize: 4,
	}
	enc := p.Encode()
	dec, err := DecodePointer(enc)
	require.NoError(t, err)
	// Transaction-located pointers without a uniquifier cannot recover
	// their txn-id from the wire form (no SHA1/uniquifier fields were
	// emitted); this is expected and such pointers are never persisted
	// past the commit that rewrites them, only kept in memory.
	require.Equal(t, int64(55), dec.Loc.Offset)
}

func TestWriteSegmentAndReadRawPlain(t *testing.T) {
	dir := t.TempDir()
	lt := &layout.Layout{Root: dir}
	require.NoError(t, os.MkdirAll(lt.RevisionDir(1), 0755))
	path := lt.RevisionPath(1)

	f, err := os.Create(path)
	require.NoError(t, err)
	loc, err := WriteSegment(f, KindPlain, nil, []byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	hdr, payload, err := ReadRaw(lt, Loc{Revision: 1, Offset: loc.Offset, Size: loc.Size})
	require.NoError(t, err)
	require.Equal(t, KindPlain, hdr.kind)
	require.Equal(t, []byte("hello"), payload)
}

func TestReconstructDeltaChain(t *testing.T) {
	dir := t.TempDir()
	lt := &layout.Layout{Root: dir}

	// Revision 1: plain "abc"
	require.NoError(t, os.MkdirAll(lt.RevisionDir(1), 0755))
	f1, err := os.Create(lt.RevisionPath(1))
	require.NoError(t, err)
	loc1, err := WriteSegment(f1, KindPlain, nil, []byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	// Revision 2: delta against revision 1, expands to "abcdef"
	require.NoError(t, os.MkdirAll(lt.RevisionDir(2), 0755))
	f2, err := os.Create(lt.RevisionPath(2))
	require.NoError(t, err)
	payload := EncodeDelta([]byte("abc"), []byte("abcdef"))
	base := &BaseRef{Revision: 1, Offset: loc1.Offset, Size: loc1.Size}
	loc2, err := WriteSegment(f2, KindDelta, base, payload, 0)
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	got, err := Reconstruct(lt, Loc{Revision: 2, Offset: loc2.Offset, Size: loc2.Size})
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), got)

	// Original revision 1 content must still reconstruct unchanged.
	got1, err := Reconstruct(lt, Loc{Revision: 1, Offset: loc1.Offset, Size: loc1.Size})
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got1)
}

func TestWriterTracksChecksumsAndFinish(t *testing.T) {
	dir := t.TempDir()
	lt := &layout.Layout{Root: dir}
	require.NoError(t, os.MkdirAll(lt.RevisionDir(1), 0755))

	w := NewWriter()
	_, _ = w.Write([]byte("Hello, world!\n"))

	f, err := os.Create(lt.RevisionPath(1))
	require.NoError(t, err)
	ptr, err := w.Finish(f, 0, KindPlain, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wantMD5 := md5.Sum([]byte("Hello, world!\n"))
	require.Equal(t, wantMD5, ptr.MD5)
	require.Equal(t, int64(14), ptr.ExpandedSize)

	got, err := Reconstruct(lt, Loc{Revision: 1, Offset: ptr.Loc.Offset, Size: ptr.Loc.Size})
	require.NoError(t, err)
	require.Equal(t, "Hello, world!\n", string(got))
}

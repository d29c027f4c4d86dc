package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFormatMissingIsLegacyV1(t *testing.T) {
	dir := t.TempDir()
	ff, err := ReadFormat(dir)
	require.NoError(t, err)
	require.Equal(t, 1, ff.Format)
	require.Equal(t, LayoutLinear, ff.Kind)
}

func TestWriteThenReadFormatSharded(t *testing.T) {
	dir := t.TempDir()
	ff := &FormatFile{Format: 6, Kind: LayoutSharded, MaxFilesPerShard: 1000}
	require.NoError(t, WriteFormat(dir, ff))

	got, err := ReadFormat(dir)
	require.NoError(t, err)
	require.Equal(t, ff.Format, got.Format)
	require.Equal(t, ff.Kind, got.Kind)
	require.Equal(t, ff.MaxFilesPerShard, got.MaxFilesPerShard)
}

func TestReadFormatBlacklisted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "format"), []byte("2\n"), 0644))
	_, err := ReadFormat(dir)
	require.Error(t, err)
}

func TestRevisionPathSharding(t *testing.T) {
	l := &Layout{Root: "/repo", Kind: LayoutSharded, MaxFilesPerShard: 1000}
	require.Equal(t, "/repo/revs/0/0", l.RevisionPath(0))
	require.Equal(t, "/repo/revs/1/1000", l.RevisionPath(1000))
	require.Equal(t, "/repo/revs/1/1999", l.RevisionPath(1999))
}

func TestRevisionPathLinear(t *testing.T) {
	l := &Layout{Root: "/repo", Kind: LayoutLinear}
	require.Equal(t, "/repo/revs/42", l.RevisionPath(42))
}

func TestProtoRevPathGatedByFormat(t *testing.T) {
	old := &Layout{Root: "/repo", Format: 3}
	require.Equal(t, "/repo/transactions/0-1.txn/rev", old.ProtoRevPath("0-1"))

	newer := &Layout{Root: "/repo", Format: 6}
	require.Equal(t, "/repo/txn-protorevs/0-1.rev", newer.ProtoRevPath("0-1"))
}

func TestCurrentRoundTripScopedIDs(t *testing.T) {
	dir := t.TempDir()
	l := &Layout{Root: dir, Format: FormatScopedIDs}
	require.NoError(t, l.WriteCurrent(Current{Youngest: 7}))

	got, err := l.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Youngest)

	raw, err := os.ReadFile(l.CurrentPath())
	require.NoError(t, err)
	require.Equal(t, "7\n", string(raw))
}

func TestCurrentRoundTripLegacyCounters(t *testing.T) {
	dir := t.TempDir()
	l := &Layout{Root: dir, Format: 1}
	require.NoError(t, l.WriteCurrent(Current{Youngest: 3, NextNode: 40, NextCopy: 2}))

	got, err := l.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Youngest)
	require.Equal(t, int64(40), got.NextNode)
	require.Equal(t, int64(2), got.NextCopy)

	raw, err := os.ReadFile(l.CurrentPath())
	require.NoError(t, err)
	require.Equal(t, "3 14 2\n", string(raw))
}

package txn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendSetAndReadDiff(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, AppendSet(&buf, DirEntry{Name: "a.txt", NodeID: "_1", Kind: "file"}))
	require.NoError(t, AppendSet(&buf, DirEntry{Name: "sub", NodeID: "_2", Kind: "dir"}))
	require.NoError(t, AppendDelete(&buf, "old.txt"))

	ops, err := ReadDiff(&buf)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, "a.txt", ops[0].entry.Name)
	require.Equal(t, "_1", ops[0].entry.NodeID)
	require.False(t, ops[0].deleted)
	require.True(t, ops[2].deleted)
	require.Equal(t, "old.txt", ops[2].entry.Name)
}

func TestApplyFoldsOpsOverBase(t *testing.T) {
	base := []DirEntry{
		{Name: "keep.txt", NodeID: "0", Kind: "file"},
		{Name: "old.txt", NodeID: "1", Kind: "file"},
	}
	var buf bytes.Buffer
	require.NoError(t, AppendSet(&buf, DirEntry{Name: "new.txt", NodeID: "_1", Kind: "file"}))
	require.NoError(t, AppendDelete(&buf, "old.txt"))

	ops, err := ReadDiff(&buf)
	require.NoError(t, err)

	result := Apply(base, ops)
	names := make([]string, len(result))
	for i, e := range result {
		names[i] = e.Name
	}
	require.ElementsMatch(t, []string{"keep.txt", "new.txt"}, names)
}

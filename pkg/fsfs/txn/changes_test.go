package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangesLogEncodeDecodeRoundTrip(t *testing.T) {
	changes := []Change{
		{Path: "/a", NodeID: "0", Kind: ChangeAdd, NodeKind: NodeFile, CopyfromRev: -1},
		{Path: "/b", NodeID: "1", Kind: ChangeModify, TextMod: true, NodeKind: NodeFile, CopyfromRev: -1},
	}
	enc := EncodeChangesLog(changes)
	got, err := DecodeChangesLog(enc)
	require.NoError(t, err)
	require.Equal(t, changes, got)
}

func TestFoldDeleteAfterAddRemovesEntirely(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeAdd, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeDelete, CopyfromRev: -1},
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Empty(t, folded)
}

func TestFoldAddAfterDeleteBecomesReplace(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeDelete, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeAdd, CopyfromRev: -1},
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Len(t, folded, 1)
	require.Equal(t, ChangeReplace, folded[0].Kind)
}

func TestFoldAddOnPreexistingIsCorruption(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeAdd, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeAdd, CopyfromRev: -1},
	}
	_, err := Fold(raw)
	require.Error(t, err)
}

func TestFoldResetRemovesFromSet(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeModify, TextMod: true, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeReset, CopyfromRev: -1},
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Empty(t, folded)
}

func TestFoldAddAfterResetBecomesReplace(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeModify, TextMod: true, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeReset, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeAdd, CopyfromRev: -1},
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Len(t, folded, 1)
	require.Equal(t, ChangeReplace, folded[0].Kind)
}

func TestFoldConsecutiveModifiesOrTogether(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeModify, TextMod: true, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeModify, PropMod: true, CopyfromRev: -1},
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Len(t, folded, 1)
	require.True(t, folded[0].TextMod)
	require.True(t, folded[0].PropMod)
}

func TestFoldDeleteRemovesDescendantChanges(t *testing.T) {
	raw := []Change{
		{Path: "/a/b", Kind: ChangeAdd, CopyfromRev: -1},
		{Path: "/a/b/c", Kind: ChangeAdd, CopyfromRev: -1},
		{Path: "/a/b", Kind: ChangeDelete, CopyfromRev: -1},
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Len(t, folded, 0)
}

func TestFoldReplaceRemovesDescendantChanges(t *testing.T) {
	raw := []Change{
		{Path: "/a", Kind: ChangeDelete, CopyfromRev: -1},
		{Path: "/a/b", Kind: ChangeAdd, CopyfromRev: -1},
		{Path: "/a", Kind: ChangeAdd, CopyfromRev: -1}, // becomes replace, wipes /a/b
	}
	folded, err := Fold(raw)
	require.NoError(t, err)
	require.Len(t, folded, 1)
	require.Equal(t, "/a", folded[0].Path)
	require.Equal(t, ChangeReplace, folded[0].Kind)
}

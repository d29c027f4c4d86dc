package noderev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirListingRoundTripSortsByName(t *testing.T) {
	entries := []DirEntry{
		{Name: "zeta.txt", Kind: KindFile, ID: ID{NodeID: "2", CopyID: "0", Revision: 4, Offset: 10}},
		{Name: "alpha.txt", Kind: KindFile, ID: ID{NodeID: "1", CopyID: "0", Revision: 4, Offset: 20}},
		{Name: "mid", Kind: KindDir, ID: ID{NodeID: "3", CopyID: "0", Revision: 4, Offset: 30}},
	}
	enc := EncodeDirListing(entries)
	got, err := DecodeDirListing(enc)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "alpha.txt", got[0].Name)
	require.Equal(t, "mid", got[1].Name)
	require.Equal(t, "zeta.txt", got[2].Name)
	require.Equal(t, KindDir, got[1].Kind)
	require.Equal(t, entries[1].ID, got[0].ID)
}

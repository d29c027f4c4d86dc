package noderev

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs/rep"
)

func TestIDEncodeDecodeTransaction(t *testing.T) {
	id := ID{NodeID: "_0", CopyID: "_0", TxnID: "5-1"}
	enc := id.Encode()
	dec, err := ParseID(enc)
	require.NoError(t, err)
	require.Equal(t, id, dec)
}

func TestIDEncodeDecodeRevision(t *testing.T) {
	id := ID{NodeID: "0", CopyID: "0", Revision: 5, Offset: 200}
	enc := id.Encode()
	dec, err := ParseID(enc)
	require.NoError(t, err)
	require.Equal(t, id, dec)
}

func TestEncodeDecodeRoundTripMinimal(t *testing.T) {
	nr := &NodeRevision{
		ID:               ID{NodeID: "0", CopyID: "0", Revision: 1, Offset: 10},
		Kind:             KindDir,
		CreatedRev:       1,
		CreatedPath:      "/",
		PredecessorCount: 1,
		Copyroot:         PathRev{Revision: 1, Path: "/"},
	}
	enc := Encode(nr, false)
	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, nr.ID, got.ID)
	require.Equal(t, nr.Kind, got.Kind)
	require.Equal(t, nr.CreatedRev, got.CreatedRev)
	require.Equal(t, nr.CreatedPath, got.CreatedPath)
	require.Equal(t, nr.PredecessorCount, got.PredecessorCount)
	require.Equal(t, nr.Copyroot, got.Copyroot)
	require.Nil(t, got.PredecessorID)
	require.Nil(t, got.DataRep)
	require.False(t, got.FreshTxnRoot)
}

func TestEncodeDecodeRoundTripFull(t *testing.T) {
	pred := ID{NodeID: "0", CopyID: "0", Revision: 3, Offset: 40}
	dataRep := rep.Pointer{
		Loc:          rep.Loc{Revision: 4, Offset: 80, Size: 20},
		ExpandedSize: 20,
	}
	propsRep := rep.Pointer{
		Loc:          rep.Loc{Revision: 4, Offset: 120, Size: 8},
		ExpandedSize: 8,
	}
	nr := &NodeRevision{
		ID:               ID{NodeID: "0", CopyID: "0", Revision: 4, Offset: 200},
		Kind:             KindFile,
		CreatedRev:       4,
		CreatedPath:      "/trunk/a.txt",
		PredecessorID:    &pred,
		PredecessorCount: 4,
		Copyroot:         PathRev{Revision: 0, Path: "/"},
		Copyfrom:         &PathRev{Revision: 2, Path: "/branches/x/a.txt"},
		DataRep:          &dataRep,
		PropsRep:         &propsRep,
		FreshTxnRoot:     true,
		HasMergeInfo:     true,
		MergeInfoCount:   3,
		MergeInfoHere:    true,
	}

	enc := Encode(nr, true)
	got, err := Decode(enc)
	require.NoError(t, err)

	require.Equal(t, nr.ID, got.ID)
	require.Equal(t, nr.Kind, got.Kind)
	require.Equal(t, *nr.PredecessorID, *got.PredecessorID)
	require.Equal(t, nr.PredecessorCount, got.PredecessorCount)
	require.Equal(t, nr.Copyroot, got.Copyroot)
	require.Equal(t, *nr.Copyfrom, *got.Copyfrom)
	require.Equal(t, nr.DataRep.Loc, got.DataRep.Loc)
	require.Equal(t, nr.PropsRep.Loc, got.PropsRep.Loc)
	require.True(t, got.FreshTxnRoot)
	require.True(t, got.HasMergeInfo)
	require.Equal(t, nr.MergeInfoCount, got.MergeInfoCount)
	require.True(t, got.MergeInfoHere)
}

func TestEncodeOmitsMergeInfoWhenUnsupported(t *testing.T) {
	nr := &NodeRevision{
		ID:             ID{NodeID: "0", CopyID: "0", Revision: 1, Offset: 0},
		Kind:           KindDir,
		CreatedRev:     1,
		CreatedPath:    "/",
		Copyroot:       PathRev{Revision: 1, Path: "/"},
		HasMergeInfo:   true,
		MergeInfoCount: 9,
	}
	enc := Encode(nr, false)
	got, err := Decode(enc)
	require.NoError(t, err)
	require.False(t, got.HasMergeInfo)
}

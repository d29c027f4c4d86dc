package skel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripBytes(t *testing.T) {
	a := Str("hello")
	enc := Encode(a)
	require.Equal(t, "5:hello", string(enc))

	dec, rest, err := Decode(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, a, dec)
}

func TestRoundTripNestedList(t *testing.T) {
	a := List{
		Str("file"),
		List{Str("pred"), Str("a0.0-1")},
		Str(""),
	}
	enc := Encode(a)
	dec, rest, err := Decode(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, a, dec)
}

func TestBytesCanContainSpecialChars(t *testing.T) {
	a := Str("() :5: \n weird")
	enc := Encode(a)
	dec, rest, err := Decode(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, a, dec)
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode([]byte("(5:abc"))
	require.Error(t, err)

	_, _, err = Decode([]byte("x:abc"))
	require.Error(t, err)
}

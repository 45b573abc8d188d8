package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePublicKeyRoundTrip(t *testing.T) {
	key := MustParsePublicKey("LLMrieZMpbJFwN52WgmBNMxYojrpRVYXdC1RCweEbab")
	require.Equal(t, "LLMrieZMpbJFwN52WgmBNMxYojrpRVYXdC1RCweEbab", key.String())

	_, err := ParsePublicKey("not-base58-0OIl")
	require.Error(t, err)
	_, err = ParsePublicKey("3mJr7AoUXx2Wqd")
	require.Error(t, err)
}

func TestPublicKeyJSON(t *testing.T) {
	key := PublicKey{1, 2, 3}
	raw, err := json.Marshal(map[string]PublicKey{"key": key})
	require.NoError(t, err)

	var decoded map[string]PublicKey
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, key, decoded["key"])
}

func TestFindProgramAddressIsDeterministicAndOffCurve(t *testing.T) {
	program := MustParsePublicKey("FAD61S3A6qnAigJVV7Rz2BxE9Leh4nbzJRuWsymGTmjW")

	first, bump, err := FindProgramAddress([][]byte{[]byte("agent")}, program)
	require.NoError(t, err)
	second, bump2, err := FindProgramAddress([][]byte{[]byte("agent")}, program)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, bump, bump2)
	require.False(t, isOnCurve(first[:]))

	recreated, err := CreateProgramAddress([][]byte{[]byte("agent"), {bump}}, program)
	require.NoError(t, err)
	require.Equal(t, first, recreated)

	other, _, err := FindProgramAddress([][]byte{[]byte("queue_authority")}, program)
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestCreateProgramAddressRejectsLongSeeds(t *testing.T) {
	_, err := CreateProgramAddress([][]byte{make([]byte, 33)}, PublicKey{})
	require.ErrorIs(t, err, ErrInvalidSeeds)

	seeds := make([][]byte, 17)
	_, err = CreateProgramAddress(seeds, PublicKey{})
	require.ErrorIs(t, err, ErrInvalidSeeds)
}

package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressAndHashJSONUseHexStrings(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	rawAddr, err := json.Marshal(kp.Address)
	require.NoError(t, err)
	require.Equal(t, `"`+kp.Address.String()+`"`, string(rawAddr))
	var addr Address
	require.NoError(t, json.Unmarshal(rawAddr, &addr))
	require.Equal(t, kp.Address, addr)

	h := SHA256([]byte("wire"))
	rawHash, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"`+h.String()+`"`, string(rawHash))
	var got Hash
	require.NoError(t, json.Unmarshal(rawHash, &got))
	require.Equal(t, h, got)
}

func TestAddressFromHexRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	got, err := AddressFromHex(kp.Address.String())
	require.NoError(t, err)
	require.Equal(t, kp.Address, got)

	got, err = AddressFromHex("0x" + kp.Address.String())
	require.NoError(t, err)
	require.Equal(t, kp.Address, got)
}

func TestAddressFromHexBadLength(t *testing.T) {
	_, err := AddressFromHex("abcd")
	require.Error(t, err)
}

func TestHashFromHexRoundTrip(t *testing.T) {
	h := SHA256([]byte("hello"))
	got, err := HashFromHex(h.String())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHashFromHexWrongLength(t *testing.T) {
	_, err := HashFromHex("deadbeef")
	require.Error(t, err)
}

func TestAddressIsZero(t *testing.T) {
	require.True(t, AddressZero.IsZero())
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, kp.Address.IsZero())
}

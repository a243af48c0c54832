package core

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContractGetSetStorage(t *testing.T) {
	c := &Contract{Address: AddressZero, Balance: big.NewInt(0)}
	_, ok := c.Get([]byte("k"))
	require.False(t, ok)

	c.Set([]byte("k"), []byte("v"))
	got, ok := c.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestContractJSONRoundTripPreservesStorage(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	c := &Contract{Address: kp.Address, WasmFile: []byte{1, 2, 3}, Balance: big.NewInt(99), Nonce: 3, Timestamp: 5}
	c.Set([]byte("slot"), []byte("value"))

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded Contract
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, c.Address, decoded.Address)
	require.Equal(t, c.Balance, decoded.Balance)
	require.Equal(t, c.Nonce, decoded.Nonce)
	v, ok := decoded.Get([]byte("slot"))
	require.True(t, ok)
	require.Equal(t, []byte("value"), v)
}

func TestContractRegistryDeployAndGet(t *testing.T) {
	reg := NewContractRegistry(newMemStore(), nil)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	deployed, _, err := reg.Deploy(kp.Address, []byte("wasm-bytes"), nil, 10)
	require.NoError(t, err)
	require.Equal(t, kp.Address, deployed.Address)

	got, err := reg.Get(kp.Address)
	require.NoError(t, err)
	require.Equal(t, []byte("wasm-bytes"), got.WasmFile)
}

func TestContractRegistryDeployRejectsDuplicate(t *testing.T) {
	reg := NewContractRegistry(newMemStore(), nil)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = reg.Deploy(kp.Address, nil, nil, 1)
	require.NoError(t, err)
	_, _, err = reg.Deploy(kp.Address, nil, nil, 1)
	require.Error(t, err)
}

func TestContractRegistryGetMissingIsNotFound(t *testing.T) {
	reg := NewContractRegistry(newMemStore(), nil)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = reg.Get(kp.Address)
	require.Error(t, err)
}

func TestContractRegistryGetFallsBackToStore(t *testing.T) {
	store := newMemStore()
	reg := NewContractRegistry(store, nil)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = reg.Deploy(kp.Address, []byte("code"), nil, 1)
	require.NoError(t, err)

	reopened := NewContractRegistry(store, nil)
	got, err := reopened.Get(kp.Address)
	require.NoError(t, err)
	require.Equal(t, []byte("code"), got.WasmFile)
}

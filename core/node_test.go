package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityMintsOnFirstCall(t *testing.T) {
	store := newMemStore()
	kp, err := LoadOrCreateIdentity(store)
	require.NoError(t, err)
	require.False(t, kp.Address.IsZero())

	raw, err := store.Get(NodeIDKey)
	require.NoError(t, err)
	require.Equal(t, hexPrivKey(kp), string(raw))
}

func TestLoadOrCreateIdentityReloadsSameKeyOnSecondCall(t *testing.T) {
	store := newMemStore()
	first, err := LoadOrCreateIdentity(store)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(store)
	require.NoError(t, err)
	require.Equal(t, first.Address, second.Address)
}

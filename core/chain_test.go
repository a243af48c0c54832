package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pbftchain/internal/chainparams"
)

func TestOpenChainReplicaSynthesizesGenesis(t *testing.T) {
	store := newMemStore()
	chain, err := OpenChainReplica(store, chainparams.Main(), testLogger())
	require.NoError(t, err)
	require.Equal(t, 1, chain.Len())
	require.Equal(t, GenesisPublicHash, chain.Head().PublicHash)
}

func TestOpenChainReplicaReloadsPersistedHead(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)

	b1 := sealTestBlock(t, 1, GenesisPublicHash, Hash{}, params)
	require.NoError(t, chain.TryAdd(b1))

	reopened, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Len())
	require.Equal(t, b1.PublicHash, reopened.Head().PublicHash)
}

func TestChainReplicaTryAddRejectsInvalidBlock(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)

	bad := &Block{ID: 1, PublicHash: "garbage", PreviousHash: "not-genesis"}
	require.Error(t, chain.TryAdd(bad))
	require.Equal(t, 1, chain.Len())
}

func TestChainReplicaTryAddAcceptsValidSuccessor(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)

	b1 := sealTestBlock(t, 1, GenesisPublicHash, Hash{}, params)
	require.NoError(t, chain.TryAdd(b1))
	require.Equal(t, 2, chain.Len())
	require.Equal(t, b1.PublicHash, chain.Head().PublicHash)
}

func TestReconcileAdoptsLongerValidRemoteChain(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)

	genesis := GenesisBlock()
	b1 := sealTestBlock(t, 1, GenesisPublicHash, Hash{}, params)
	b2 := sealTestBlock(t, 2, b1.PublicHash, Hash{}, params)
	remote := []*Block{genesis, b1, b2}

	require.NoError(t, chain.Reconcile(remote))
	require.Equal(t, 3, chain.Len())
	require.Equal(t, b2.PublicHash, chain.Head().PublicHash)
}

func TestReconcileKeepsLocalWhenRemoteIsShorter(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)
	b1 := sealTestBlock(t, 1, GenesisPublicHash, Hash{}, params)
	require.NoError(t, chain.TryAdd(b1))

	require.NoError(t, chain.Reconcile([]*Block{GenesisBlock()}))
	require.Equal(t, 2, chain.Len())
	require.Equal(t, b1.PublicHash, chain.Head().PublicHash)
}

func TestReconcileKeepsLocalWhenRemoteIsInvalid(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain, err := OpenChainReplica(store, params, testLogger())
	require.NoError(t, err)

	bogus := []*Block{GenesisBlock(), {ID: 1, PublicHash: "garbage", PreviousHash: "wrong"}}
	require.NoError(t, chain.Reconcile(bogus))
	require.Equal(t, 1, chain.Len())
}

func TestReconcileFailsWhenBothChainsInvalid(t *testing.T) {
	store := newMemStore()
	params := chainparams.Main()
	chain := &ChainReplica{store: store, params: params, log: testLogger().WithField("component", "chain")}
	chain.blocks = []*Block{{ID: 0, PublicHash: "not-genesis"}}

	bogus := []*Block{{ID: 0, PublicHash: "also-not-genesis"}}
	require.Error(t, chain.Reconcile(bogus))
}

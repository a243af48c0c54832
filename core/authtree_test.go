package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthTreeInsertAndExists(t *testing.T) {
	store := newMemStore()
	tree, err := NewAuthTree("test", store)
	require.NoError(t, err)

	require.False(t, tree.Exists([]byte("k1")))
	require.NoError(t, tree.Insert([]byte("k1"), []byte("v1")))
	require.True(t, tree.Exists([]byte("k1")))
	require.False(t, tree.Exists([]byte("k2")))
}

func TestAuthTreeRootChangesOnInsert(t *testing.T) {
	store := newMemStore()
	tree, err := NewAuthTree("test", store)
	require.NoError(t, err)

	empty := tree.Root()
	require.NoError(t, tree.Insert([]byte("k1"), []byte("v1")))
	afterOne := tree.Root()
	require.NotEqual(t, empty, afterOne)

	require.NoError(t, tree.Insert([]byte("k2"), []byte("v2")))
	afterTwo := tree.Root()
	require.NotEqual(t, afterOne, afterTwo)
}

func TestAuthTreeRootIsDeterministicAcrossInstances(t *testing.T) {
	build := func() Hash {
		store := newMemStore()
		tree, err := NewAuthTree("test", store)
		require.NoError(t, err)
		require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
		require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
		require.NoError(t, tree.Insert([]byte("c"), []byte("3")))
		return tree.Root()
	}
	require.Equal(t, build(), build())
}

func TestAuthTreePersistsRootAcrossReopen(t *testing.T) {
	store := newMemStore()
	tree, err := NewAuthTree("persisted", store)
	require.NoError(t, err)
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	root := tree.Root()

	reopened, err := NewAuthTree("persisted", store)
	require.NoError(t, err)
	require.Equal(t, root, reopened.Root())
	require.True(t, reopened.Exists([]byte("k")))
}

// newTestTx builds a distinct, deterministically-hashable transaction.
// Value is varied by nonce since Transaction.digest() does not fold nonce
// in, so two transactions from the same caller need a different value (or
// timestamp) to land on different leaves of the batch tree.
func newTestTx(t *testing.T, caller Address, nonce uint64) *Transaction {
	t.Helper()
	tx := &Transaction{
		TxnType:   TxTransfer,
		Nonce:     nonce,
		Value:     big.NewInt(int64(nonce)),
		Caller:    caller,
		To:        AddressZero,
		Timestamp: 1000,
	}
	tx.TxnHash = tx.digest()
	return tx
}

func TestBuildBatchRootOrderIndependent(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	tx1 := newTestTx(t, kp1.Address, 1)
	tx2 := newTestTx(t, kp2.Address, 1)
	tx3 := newTestTx(t, kp1.Address, 2)

	rootA, err := BuildBatchRoot([]*Transaction{tx1, tx2, tx3})
	require.NoError(t, err)
	rootB, err := BuildBatchRoot([]*Transaction{tx3, tx1, tx2})
	require.NoError(t, err)

	require.Equal(t, rootA, rootB, "batch root must not depend on gossip delivery order")
}

func TestBuildBatchRootDiffersOnDifferentBatches(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	tx1 := newTestTx(t, kp.Address, 1)
	tx2 := newTestTx(t, kp.Address, 2)

	rootOne, err := BuildBatchRoot([]*Transaction{tx1})
	require.NoError(t, err)
	rootTwo, err := BuildBatchRoot([]*Transaction{tx1, tx2})
	require.NoError(t, err)
	require.NotEqual(t, rootOne, rootTwo)
}

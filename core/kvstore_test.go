package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"pbftchain/internal/errs"
)

func TestOpenWritesAndClearsLockfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	store, err := Open(path)
	require.NoError(t, err)
	_, statErr := os.Stat(path + ".lock")
	require.NoError(t, statErr)

	require.NoError(t, store.Close())
	_, statErr = os.Stat(path + ".lock")
	require.True(t, os.IsNotExist(statErr))
}

func TestOpenRemovesStaleLockfileLeftByACrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	require.NoError(t, os.WriteFile(path+".lock", []byte("stale"), 0o600))

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	data, err := os.ReadFile(path + ".lock")
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestStoreOpenCreatesAllPartitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	for _, p := range []string{PartitionBlocks, PartitionTransactions, PartitionAccount, PartitionContract, PartitionNode} {
		kv := store.Partition(p)
		require.NoError(t, kv.Set([]byte("k"), []byte("v")))
		got, err := kv.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), got)
	}
}

func TestStorePartitionPanicsOnUnknownName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.Panics(t, func() { store.Partition("nonsense") })
}

func TestBucketStoreGetMissingKeyIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	kv := store.Partition(PartitionBlocks)
	_, err = kv.Get([]byte("missing"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestBucketStoreIteratorOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	kv := store.Partition(PartitionTransactions)
	require.NoError(t, kv.Set([]byte("b"), []byte("2")))
	require.NoError(t, kv.Set([]byte("a"), []byte("1")))
	require.NoError(t, kv.Set([]byte("c"), []byte("3")))

	it := kv.Iterator(nil, nil)
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMemStoreSetGetDelete(t *testing.T) {
	m := newMemStore()
	require.NoError(t, m.Set([]byte("k"), []byte("v")))
	got, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, m.Delete([]byte("k")))
	_, err = m.Get([]byte("k"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.etcd.io/bbolt"
	"pbftchain/internal/errs"
)

// KVStore is the narrow byte-oriented interface every component talks to;
// only Store and its bucketStore partitions know it is really bbolt
// underneath.
type KVStore interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Iterator(start, end []byte) Iterator
}

// Iterator walks a key range in ascending order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Partition names, one bbolt bucket each.
const (
	PartitionBlocks       = "blocks"
	PartitionTransactions = "transactions"
	PartitionAccount      = "account"
	PartitionContract     = "contract"
	PartitionNode         = "node"
)

var partitions = []string{PartitionBlocks, PartitionTransactions, PartitionAccount, PartitionContract, PartitionNode}

// NodeIDKey is the reserved key under the node partition holding this
// replica's persistent identity.
var NodeIDKey = []byte("node_id")

// Store is the durable, namespaced store backing the chain. Each
// partition is an independent KVStore view over one bbolt bucket in a
// single database file, rather than five separate embedded databases.
type Store struct {
	db   *bbolt.DB
	path string
}

// deleteLockfile removes a stale lock artifact left over from a process
// that crashed before it could close its database cleanly. bbolt itself
// flocks the database file in place rather than using a sidecar lock
// file, so this is a sentinel this store writes itself; deleting
// whatever is left at process start, before opening the real database,
// is what makes that sentinel meaningful.
func deleteLockfile(path string) error {
	if err := os.Remove(path + ".lock"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove stale lockfile: %v", errs.Fatal, err)
	}
	return nil
}

// Open opens (creating if necessary) a bbolt database at path and
// ensures every partition bucket exists. A stale lock artifact at path
// is removed first, per open(ns)'s documented start-of-process cleanup.
func Open(path string) (*Store, error) {
	if err := deleteLockfile(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, p := range partitions {
			if _, err := tx.CreateBucketIfNotExists([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init buckets: %w", err)
	}
	if err := os.WriteFile(path+".lock", []byte{}, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: write lockfile: %v", errs.Fatal, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database file and its lock sentinel.
func (s *Store) Close() error {
	_ = os.Remove(s.path + ".lock")
	return s.db.Close()
}

// Partition returns a KVStore scoped to one bucket. Unknown partition
// names panic, since they are a fixed, compile-time-known set.
func (s *Store) Partition(name string) KVStore {
	found := false
	for _, p := range partitions {
		if p == name {
			found = true
			break
		}
	}
	if !found {
		panic(fmt.Sprintf("kvstore: unknown partition %q", name))
	}
	return &bucketStore{db: s.db, bucket: []byte(name)}
}

type bucketStore struct {
	db     *bbolt.DB
	bucket []byte
}

func (b *bucketStore) Set(key, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put(key, value)
	})
}

func (b *bucketStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(b.bucket).Get(key)
		if v == nil {
			return fmt.Errorf("%w: key %x", errs.NotFound, key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *bucketStore) Delete(key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(key)
	})
}

func (b *bucketStore) Iterator(start, end []byte) Iterator {
	tx, err := b.db.Begin(false)
	if err != nil {
		return &errIterator{err: err}
	}
	c := tx.Bucket(b.bucket).Cursor()
	return &boltIterator{tx: tx, cursor: c, start: start, end: end}
}

type boltIterator struct {
	tx        *bbolt.Tx
	cursor    *bbolt.Cursor
	start, end []byte
	key, val  []byte
	started   bool
	err       error
}

func (it *boltIterator) Next() bool {
	if it.err != nil {
		return false
	}
	var k, v []byte
	if !it.started {
		it.started = true
		if it.start != nil {
			k, v = it.cursor.Seek(it.start)
		} else {
			k, v = it.cursor.First()
		}
	} else {
		k, v = it.cursor.Next()
	}
	if k == nil {
		return false
	}
	if it.end != nil && string(k) >= string(it.end) {
		return false
	}
	it.key, it.val = append([]byte(nil), k...), append([]byte(nil), v...)
	return true
}

func (it *boltIterator) Key() []byte   { return it.key }
func (it *boltIterator) Value() []byte { return it.val }
func (it *boltIterator) Error() error  { return it.err }
func (it *boltIterator) Close() error  { return it.tx.Rollback() }

type errIterator struct{ err error }

func (e *errIterator) Next() bool     { return false }
func (e *errIterator) Key() []byte    { return nil }
func (e *errIterator) Value() []byte  { return nil }
func (e *errIterator) Error() error   { return e.err }
func (e *errIterator) Close() error   { return nil }

func encodeAccount(a *Account) ([]byte, error) { return json.Marshal(a) }
func decodeAccount(raw []byte, a *Account) error { return json.Unmarshal(raw, a) }

// memStore is a trivial in-memory KVStore used for ephemeral, per-batch
// trees (BuildBatchRoot) and in tests where spinning up a bbolt
// file would be pure ceremony.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("%w: key %x", errs.NotFound, key)
	}
	return v, nil
}

func (m *memStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memStore) Iterator(start, end []byte) Iterator {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return &memIterator{m: m, keys: keys, start: string(start), end: string(end), idx: -1}
}

type memIterator struct {
	m          *memStore
	keys       []string
	start, end string
	idx        int
}

func (it *memIterator) Next() bool {
	for it.idx++; it.idx < len(it.keys); it.idx++ {
		k := it.keys[it.idx]
		if it.start != "" && k < it.start {
			continue
		}
		if it.end != "" && k >= it.end {
			return false
		}
		return true
	}
	return false
}

func (it *memIterator) Key() []byte { return []byte(it.keys[it.idx]) }
func (it *memIterator) Value() []byte {
	it.m.mu.Lock()
	defer it.m.mu.Unlock()
	return it.m.data[it.keys[it.idx]]
}
func (it *memIterator) Error() error { return nil }
func (it *memIterator) Close() error { return nil }

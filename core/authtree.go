package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"
)

// AuthTree is a persistent binary trie that branches on the high bit of
// the key byte at the current depth. Every node, leaf or inner, hashes
// to a 32-byte digest with Keccak-256; the tree's Root is the consensus
// value PBFT rounds agree on for one transaction batch.
type AuthTree struct {
	mu    sync.RWMutex
	root  *treeNode
	store KVStore
	name  string
}

type treeNode struct {
	Leaf     bool
	Key      []byte      `json:",omitempty"`
	Value    []byte      `json:",omitempty"`
	Children [2]*treeNode `json:",omitempty"`
}

// NewAuthTree constructs an empty tree named name, persisted under store.
// If a prior root was persisted under the same name it is loaded back.
func NewAuthTree(name string, store KVStore) (*AuthTree, error) {
	t := &AuthTree{store: store, name: name}
	raw, err := store.Get(t.rootKey())
	if err != nil {
		return t, nil // no prior snapshot, start empty
	}
	var root treeNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("authtree: decode snapshot: %w", err)
	}
	t.root = &root
	return t, nil
}

func (t *AuthTree) rootKey() []byte { return []byte("authtree:" + t.name + ":root") }

// Insert adds key/value at the position its byte-path dictates, branching
// at each depth on (key[depth] >> 7), and persists the new root.
func (t *AuthTree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = insertRecursive(t.root, key, value, 0)
	raw, err := json.Marshal(t.root)
	if err != nil {
		return fmt.Errorf("authtree: encode root: %w", err)
	}
	return t.store.Set(t.rootKey(), raw)
}

func insertRecursive(node *treeNode, key, value []byte, depth int) *treeNode {
	if node == nil {
		return &treeNode{Leaf: true, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
	}
	if node.Leaf {
		if string(node.Key) == string(key) {
			node.Value = append([]byte(nil), value...)
			return node
		}
		// Split the existing leaf down until the two keys diverge.
		inner := &treeNode{}
		existing := node
		cur := inner
		d := depth
		for {
			eb := branchBit(existing.Key, d)
			nb := branchBit(key, d)
			if eb != nb {
				cur.Children[eb] = existing
				cur.Children[nb] = &treeNode{Leaf: true, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
				return inner
			}
			next := &treeNode{}
			cur.Children[eb] = next
			cur = next
			d++
		}
	}
	b := branchBit(key, depth)
	node.Children[b] = insertRecursive(node.Children[b], key, value, depth+1)
	return node
}

// branchBit returns the high bit of the byte at depth, or 0 past the end
// of key: a short key is treated as zero-padded.
func branchBit(key []byte, depth int) int {
	if depth >= len(key) {
		return 0
	}
	return int(key[depth] >> 7)
}

// Exists reports whether key is present anywhere in the tree.
func (t *AuthTree) Exists(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return existsRecursive(t.root, key, 0)
}

func existsRecursive(node *treeNode, key []byte, depth int) bool {
	if node == nil {
		return false
	}
	if node.Leaf {
		return string(node.Key) == string(key)
	}
	return existsRecursive(node.Children[branchBit(key, depth)], key, depth+1)
}

// Root returns the tree's Keccak-256 root digest. An empty tree hashes to
// the Keccak-256 of zero bytes.
func (t *AuthTree) Root() Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return hashNode(t.root)
}

func hashNode(n *treeNode) Hash {
	var out Hash
	if n == nil {
		d := sha3.NewLegacyKeccak256()
		copy(out[:], d.Sum(nil))
		return out
	}
	d := sha3.NewLegacyKeccak256()
	if n.Leaf {
		d.Write(n.Key)
		d.Write(n.Value)
	} else {
		left := hashNode(n.Children[0])
		right := hashNode(n.Children[1])
		d.Write(left[:])
		d.Write(right[:])
	}
	copy(out[:], d.Sum(nil))
	return out
}

// BuildBatchRoot rebuilds a fresh AuthTree over txs sorted by ascending
// (caller, nonce) and returns its root. Canonicalizing on the full tuple,
// not nonce alone, is required so that every honest replica, receiving
// the same batch over gossip in whatever order, computes the same root
// even though nonces only order transactions within one caller.
func BuildBatchRoot(txs []*Transaction) (Hash, error) {
	sorted := append([]*Transaction(nil), txs...)
	sort.Slice(sorted, func(i, j int) bool {
		if c := bytes.Compare(sorted[i].Caller[:], sorted[j].Caller[:]); c != 0 {
			return c < 0
		}
		return sorted[i].Nonce < sorted[j].Nonce
	})
	mem := newMemStore()
	t, err := NewAuthTree("batch", mem)
	if err != nil {
		return Hash{}, err
	}
	for _, tx := range sorted {
		if err := t.Insert(tx.TxnHash[:], tx.TxnHash[:]); err != nil {
			return Hash{}, err
		}
	}
	return t.Root(), nil
}

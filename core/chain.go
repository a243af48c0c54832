package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"pbftchain/internal/chainparams"
	"pbftchain/internal/errs"
)

// LatestBlockKey is the reserved alias under the blocks partition that
// always points at the current head, independent of its public hash.
var LatestBlockKey = []byte("latest_block")

// ChainReplica owns this node's view of the chain: the in-memory block
// list, its on-disk mirror, and the validity/reconciliation rules a
// replica applies when a peer offers a longer chain.
type ChainReplica struct {
	mu     sync.RWMutex
	blocks []*Block
	store  KVStore
	params chainparams.Params
	log    *logrus.Entry
}

// OpenChainReplica loads the persisted head from store's blocks
// partition, or synthesizes genesis if none is found.
func OpenChainReplica(store KVStore, params chainparams.Params, log *logrus.Logger) (*ChainReplica, error) {
	c := &ChainReplica{store: store, params: params, log: log.WithField("component", "chain")}
	raw, err := store.Get(LatestBlockKey)
	if err != nil {
		if !errs.Is(err, errs.NotFound) {
			return nil, fmt.Errorf("%w: load latest block: %v", errs.Fatal, err)
		}
		genesis := GenesisBlock()
		if err := c.persist(genesis); err != nil {
			return nil, err
		}
		c.blocks = []*Block{genesis}
		return c, nil
	}
	var head Block
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: decode latest block: %v", errs.Fatal, err)
	}
	chain, err := c.loadChainUpTo(&head)
	if err != nil {
		return nil, err
	}
	c.blocks = chain
	return c, nil
}

// loadChainUpTo walks previous_hash links backward from head until it
// reaches genesis, reconstructing the in-memory chain from the blocks
// partition (each block is additionally keyed by its own public hash).
func (c *ChainReplica) loadChainUpTo(head *Block) ([]*Block, error) {
	chain := []*Block{head}
	cur := head
	for cur.ID != 0 {
		raw, err := c.store.Get([]byte(cur.PreviousHash))
		if err != nil {
			return nil, fmt.Errorf("%w: missing predecessor %s of block %d: %v", errs.Fatal, cur.PreviousHash, cur.ID, err)
		}
		var prev Block
		if err := json.Unmarshal(raw, &prev); err != nil {
			return nil, fmt.Errorf("%w: decode predecessor: %v", errs.Fatal, err)
		}
		chain = append(chain, &prev)
		cur = &prev
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Head returns the current chain tip.
func (c *ChainReplica) Head() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

// Len reports the number of blocks in the chain, including genesis.
func (c *ChainReplica) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Blocks returns a copy of the full chain, oldest first.
func (c *ChainReplica) Blocks() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// TryAdd validates block against the current head and, if valid, appends
// it and persists both its own keyed record and the latest_block alias.
func (c *ChainReplica) TryAdd(block *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	head := c.blocks[len(c.blocks)-1]
	if err := block.IsValid(head, c.params); err != nil {
		return fmt.Errorf("%w: %v", errs.ConsensusReject, err)
	}
	if err := c.persist(block); err != nil {
		return err
	}
	c.blocks = append(c.blocks, block)
	return nil
}

func (c *ChainReplica) persist(block *Block) error {
	raw, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("chain: encode block %d: %w", block.ID, err)
	}
	if err := c.store.Set([]byte(block.PublicHash), raw); err != nil {
		return fmt.Errorf("%w: persist block %d: %v", errs.Fatal, block.ID, err)
	}
	if err := c.store.Set(LatestBlockKey, raw); err != nil {
		return fmt.Errorf("%w: persist latest_block: %v", errs.Fatal, err)
	}
	return nil
}

// validChain reports whether chain is an internally consistent sequence
// starting at genesis: every block links to its predecessor and clears
// the difficulty gate.
func validChain(chain []*Block, params chainparams.Params) bool {
	if len(chain) == 0 || chain[0].PublicHash != GenesisPublicHash {
		return false
	}
	for i := 1; i < len(chain); i++ {
		if err := chain[i].IsValid(chain[i-1], params); err != nil {
			return false
		}
	}
	return true
}

// Reconcile implements the longest-valid-chain rule a replica applies on
// catch-up: it adopts remote when remote is valid and either local is
// invalid (whatever the lengths) or remote is strictly longer. Ties
// between two valid chains, or remote being invalid, keep local. Both
// being invalid is a fatal condition: a
// replica with no valid chain to fall back on cannot make progress.
func (c *ChainReplica) Reconcile(remote []*Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	localValid := validChain(c.blocks, c.params)
	remoteValid := validChain(remote, c.params)
	if !localValid && !remoteValid {
		return fmt.Errorf("%w: both local and remote chains are invalid", errs.Fatal)
	}
	if !remoteValid {
		return nil
	}
	if localValid && len(remote) <= len(c.blocks) {
		return nil
	}
	for _, b := range remote {
		if err := c.persist(b); err != nil {
			return err
		}
	}
	c.blocks = append([]*Block(nil), remote...)
	c.log.WithField("height", remote[len(remote)-1].ID).Info("adopted longer remote chain")
	return nil
}

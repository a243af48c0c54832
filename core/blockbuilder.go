package core

import (
	"fmt"

	"pbftchain/internal/chainparams"
)

// BlockBuilder turns a mempool batch into the unsealed batch root the
// PBFT pre-prepare phase proposes (ProposeBatch), and mines the
// proof-of-work-stamped block once the round has agreed on it (Seal).
type BlockBuilder struct {
	mempool *Mempool
	params  chainparams.Params
	now     func() int64
}

// NewBlockBuilder constructs a builder over mempool using params, with
// now as the injectable clock (tests pass a fixed function).
func NewBlockBuilder(mempool *Mempool, params chainparams.Params, now func() int64) *BlockBuilder {
	return &BlockBuilder{mempool: mempool, params: params, now: now}
}

// ProposeBatch pulls up to params.MaxBatchSize transactions from the
// mempool and computes their AuthTree batch root: the PBFT pre-prepare
// phase's candidate value, before any proof-of-work mining happens. If
// the mempool is empty it returns (zero, nil, nil): there is nothing to
// propose this round.
func (b *BlockBuilder) ProposeBatch() (Hash, []*Transaction, error) {
	txs := b.mempool.Pick(b.params.MaxBatchSize)
	if len(txs) == 0 {
		return Hash{}, nil, nil
	}
	root, err := BuildBatchRoot(txs)
	if err != nil {
		b.mempool.Requeue(txs)
		return Hash{}, nil, fmt.Errorf("block builder: batch root: %w", err)
	}
	return root, txs, nil
}

// Seal mines a nonce over (id, previous.PublicHash, now) satisfying the
// configured difficulty prefix and returns the resulting block. root is
// carried on the block as BatchRoot but is not itself part of the hashed
// seal. This is the leader-only continuation of a round once every
// replica has agreed on root.
func (b *BlockBuilder) Seal(previous *Block, root Hash, txs []*Transaction) *Block {
	id := previous.ID + 1
	ts := b.now()
	nonce, publicHash := sealBlock(id, previous.PublicHash, ts, b.params.DifficultyPrefix)
	hashes := make([]string, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.TxnHash.String()
	}
	return &Block{
		ID:           id,
		PublicHash:   publicHash,
		PreviousHash: previous.PublicHash,
		Timestamp:    ts,
		Nonce:        nonce,
		Transactions: hashes,
		BatchRoot:    root,
	}
}

package core

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
	"pbftchain/internal/errs"
)

// GasEstimator prices a transaction's payload. The block builder and the
// mempool must agree on the same estimator so that a transaction
// admitted by one is never rejected for insufficient balance by the
// other.
type GasEstimator interface {
	Estimate(payload []byte) *big.Int
}

// byteGasEstimator charges a flat per-byte rate, the simplest estimator
// the WASMHost's own gas table bottoms out to for non-contract payloads.
type byteGasEstimator struct{ perByte int64 }

func (e byteGasEstimator) Estimate(payload []byte) *big.Int {
	return big.NewInt(int64(len(payload)) * e.perByte)
}

// DefaultGasEstimator charges 10 gas per payload byte, matching the flat
// per-byte rate used everywhere else gas is estimated ahead of execution.
func DefaultGasEstimator() GasEstimator { return byteGasEstimator{perByte: 10} }

// Broadcaster is the narrow slice of GossipLayer other components need
// to announce messages without depending on the concrete gossip type.
type Broadcaster interface {
	Broadcast(topic string, data []byte) error
}

// Mempool is a FIFO queue of validated, not-yet-included transactions.
type Mempool struct {
	mu      sync.Mutex
	queue   []*Transaction
	lookup  map[Hash]*Transaction
	ledger  *AccountBook
	gas     GasEstimator
	log     *logrus.Entry
	maxSize int
}

// NewMempool constructs a mempool bound to ledger for nonce/balance
// checks, with maxSize as the maximum number of outstanding transactions
// it will hold.
func NewMempool(ledger *AccountBook, log *logrus.Logger, maxSize int) *Mempool {
	return &Mempool{
		queue:   make([]*Transaction, 0, maxSize),
		lookup:  make(map[Hash]*Transaction),
		ledger:  ledger,
		gas:     DefaultGasEstimator(),
		log:     log.WithField("component", "mempool"),
		maxSize: maxSize,
	}
}

// AddTx validates tx (type, signature, gas floor, nonce, balance) and, if
// accepted, queues it for the next producer tick.
func (mp *Mempool) AddTx(tx *Transaction) error {
	if tx.TxnType > TxContractCall {
		return fmt.Errorf("%w: unknown transaction type %d", errs.InputInvalid, tx.TxnType)
	}
	if err := tx.VerifySignature(); err != nil {
		return err
	}
	floor := mp.gas.Estimate(tx.Payload)
	if tx.GasCost == nil || tx.GasCost.Cmp(floor) < 0 {
		return fmt.Errorf("%w: gas cost below payload floor %s", errs.InputInvalid, floor)
	}

	wantNonce := mp.ledger.NonceOf(tx.Caller)
	if tx.Nonce != wantNonce {
		return fmt.Errorf("%w: expected nonce %d, got %d", errs.InputInvalid, wantNonce, tx.Nonce)
	}
	bal := mp.ledger.Balance(tx.Caller)
	cost := new(big.Int).Add(tx.Value, tx.GasCost)
	if bal.Cmp(cost) < 0 {
		return fmt.Errorf("%w: balance %s insufficient for cost %s", errs.InputInvalid, bal, cost)
	}

	mp.mu.Lock()
	if _, dup := mp.lookup[tx.TxnHash]; dup {
		mp.mu.Unlock()
		return fmt.Errorf("%w: duplicate transaction %s", errs.InputInvalid, tx.TxnHash)
	}
	if len(mp.queue) >= mp.maxSize {
		mp.mu.Unlock()
		return fmt.Errorf("%w: mempool full", errs.Transient)
	}
	mp.lookup[tx.TxnHash] = tx
	mp.queue = append(mp.queue, tx)
	mp.mu.Unlock()

	mp.log.WithField("tx", tx.TxnHash).Debug("admitted transaction")
	return nil
}

// Pick removes and returns up to max signed transactions from the front
// of the queue, in FIFO admission order. Entries already marked
// processing by another round's pre-prepare are skipped and left in
// place, the double-dispatch guard that keeps two proposers from
// batching the same transaction.
func (mp *Mempool) Pick(max int) []*Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	picked := make([]*Transaction, 0, max)
	rest := mp.queue[:0]
	for _, tx := range mp.queue {
		if len(picked) < max && tx.Status == TxSigned {
			picked = append(picked, tx)
			delete(mp.lookup, tx.TxnHash)
			continue
		}
		rest = append(rest, tx)
	}
	mp.queue = rest
	return picked
}

// MarkProcessing flags the queued copy of hash as picked up by a
// pre-prepare, so a later Pick skips it. A hash not in the queue is a
// no-op: the leader that proposed it already removed its own copy.
func (mp *Mempool) MarkProcessing(hash Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if tx, ok := mp.lookup[hash]; ok {
		tx.Status = TxProcessing
	}
}

// Remove drops hash from the queue, called when its canonical status
// transitions to committed.
func (mp *Mempool) Remove(hash Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, ok := mp.lookup[hash]; !ok {
		return
	}
	delete(mp.lookup, hash)
	for i, tx := range mp.queue {
		if tx.TxnHash == hash {
			mp.queue = append(mp.queue[:i], mp.queue[i+1:]...)
			break
		}
	}
}

// Requeue puts txs back at the front of the queue, used when a proposed
// batch is rejected by consensus and its transactions should be eligible
// again for the next round.
func (mp *Mempool) Requeue(txs []*Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.queue = append(append([]*Transaction(nil), txs...), mp.queue...)
	for _, tx := range txs {
		mp.lookup[tx.TxnHash] = tx
	}
}

// Len reports the number of queued transactions.
func (mp *Mempool) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.queue)
}

// Snapshot returns a copy of the currently queued transactions without
// removing them.
func (mp *Mempool) Snapshot() []*Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := make([]*Transaction, len(mp.queue))
	copy(out, mp.queue)
	return out
}

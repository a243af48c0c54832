package core

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"pbftchain/internal/chainparams"
	"pbftchain/internal/errs"
)

// prePreparePayload is the wire shape of a block_pbft_pre_prepared
// message: the leader's peer id maps to the candidate root, which maps
// to the batch of transactions that root was computed over.
type prePreparePayload map[string]map[string]map[string]*Transaction

// txnEnvelope is the { "key": hash, "value": serialized_txn } shape both
// phases of the single-transaction admit protocol use.
type txnEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// roundState tracks one in-flight consensus round, keyed by the
// candidate root hash R the leader proposed.
type roundState struct {
	leader string
	root   Hash
	txs    []*Transaction
}

// Net is the slice of GossipLayer the PBFT engine drives messages
// through. Kept as an interface, not the concrete *GossipLayer, so a
// round trip can be exercised against an in-process fake instead of a
// real libp2p host.
type Net interface {
	Broadcaster
	Subscribe(topic string) (<-chan InboundMsg, error)
}

// PBFTEngine drives the pre-prepare/prepare/commit state machine:
// it is the component every gossip handler calls into, and the
// only component that mutates the chain, the mempool's processing
// status, and account settlement together as one unit.
type PBFTEngine struct {
	nodeID string
	self   *KeyPair

	net     Net
	mempool *Mempool
	txStore *TransactionStore
	ledger  *AccountBook
	chain   *ChainReplica
	builder *BlockBuilder
	params  chainparams.Params
	log     *logrus.Entry

	// verificationHash is an ephemeral per-view vote token minted once
	// at startup. Nothing consumes it yet; it is carried so a future
	// view-change implementation has something to attach votes to.
	verificationHash [32]byte

	mu             sync.Mutex
	rounds         map[Hash]*roundState
	processedRoots map[Hash]bool
	tally          map[string]int // block public hash -> verification count

	// blockPeriod is how often ProduceBlock/broadcastChain fire. Defaults
	// to 20s; SetBlockPeriod lets the pbft.block_period_seconds config
	// section override it.
	blockPeriod time.Duration
}

// NewPBFTEngine wires the engine to its collaborators. nodeID is this
// replica's gossip peer id, used to recognize its own pre-prepares as
// the leader of a round.
func NewPBFTEngine(nodeID string, self *KeyPair, net Net, mempool *Mempool, txStore *TransactionStore, ledger *AccountBook, chain *ChainReplica, params chainparams.Params, log *logrus.Logger) (*PBFTEngine, error) {
	var vh [32]byte
	if _, err := rand.Read(vh[:]); err != nil {
		return nil, fmt.Errorf("%w: generate verification hash: %v", errs.Fatal, err)
	}
	builder := NewBlockBuilder(mempool, params, func() int64 { return time.Now().Unix() })
	return &PBFTEngine{
		nodeID:           nodeID,
		self:             self,
		net:              net,
		mempool:          mempool,
		txStore:          txStore,
		ledger:           ledger,
		chain:            chain,
		builder:          builder,
		params:           params,
		log:              log.WithField("component", "pbft"),
		verificationHash: vh,
		rounds:           make(map[Hash]*roundState),
		processedRoots:   make(map[Hash]bool),
		tally:            make(map[string]int),
		blockPeriod:      20 * time.Second,
	}, nil
}

// SetBlockPeriod overrides the default 20s block-producer tick, e.g.
// from the pbft.block_period_seconds config section. Must be called
// before Start.
func (e *PBFTEngine) SetBlockPeriod(d time.Duration) {
	if d > 0 {
		e.blockPeriod = d
	}
}

// Start subscribes to every PBFT-relevant topic and runs the dispatch
// loop plus the 20s block-producer ticker until ctx is cancelled.
func (e *PBFTEngine) Start(ctx context.Context) error {
	prepared, err := e.net.Subscribe(e.params.PrepareTopic)
	if err != nil {
		return err
	}
	committed, err := e.net.Subscribe(e.params.CommitTopic)
	if err != nil {
		return err
	}
	prePrepared, err := e.net.Subscribe(e.params.PrePrepareTopic)
	if err != nil {
		return err
	}
	blockCommit, err := e.net.Subscribe(e.params.BlockCommitTopic)
	if err != nil {
		return err
	}
	createBlocks, err := e.net.Subscribe(e.params.CreateBlocksTopic)
	if err != nil {
		return err
	}
	chains, err := e.net.Subscribe(e.params.ChainsTopic)
	if err != nil {
		return err
	}
	accountCreation, err := e.net.Subscribe(e.params.AccountCreationTopic)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(e.blockPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-prepared:
			if ok {
				e.handleTxnPrepared(msg)
			}
		case msg, ok := <-committed:
			if ok {
				e.handleTxnCommit(msg)
			}
		case msg, ok := <-prePrepared:
			if ok {
				e.handleBlockPrePrepare(msg)
			}
		case msg, ok := <-blockCommit:
			if ok {
				e.handleBlockCommit(msg)
			}
		case msg, ok := <-createBlocks:
			if ok {
				e.handleCreateBlocks(msg)
			}
		case msg, ok := <-chains:
			if ok {
				e.handleChains(msg)
			}
		case msg, ok := <-accountCreation:
			if ok {
				e.handleAccountCreation(msg)
			}
		case <-ticker.C:
			e.ProduceBlock()
			e.broadcastChain()
		}
	}
}

// handleTxnPrepared implements the prepared phase of the two-phase
// transaction admit protocol: recompute SHA256 of the envelope's value
// and compare it against the envelope's key, dropping silently
// (errs.AuthFail) on mismatch, then republish on the commit topic.
func (e *PBFTEngine) handleTxnPrepared(msg InboundMsg) {
	var env txnEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		e.log.WithError(err).Debug("dropping malformed prepared envelope")
		return
	}
	want := SHA256(env.Value)
	if want.String() != env.Key {
		e.log.WithField("peer", msg.PeerID).Warn("dropping prepared envelope: hash mismatch")
		return
	}
	if err := e.net.Broadcast(e.params.CommitTopic, msg.Data); err != nil {
		e.log.WithError(err).Warn("republish on commit topic failed")
	}
}

// handleTxnCommit implements the commit phase of the admit protocol:
// insert the now-trusted transaction into the mempool.
func (e *PBFTEngine) handleTxnCommit(msg InboundMsg) {
	var env txnEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		e.log.WithError(err).Debug("dropping malformed commit envelope")
		return
	}
	var tx Transaction
	if err := json.Unmarshal(env.Value, &tx); err != nil {
		e.log.WithError(err).Debug("dropping commit envelope: bad transaction")
		return
	}
	if err := e.mempool.AddTx(&tx); err != nil && !errs.Is(err, errs.InputInvalid) {
		e.log.WithError(err).Debug("admit replicated transaction failed")
	}
}

// handleBlockPrePrepare implements the pre-prepare phase: the outer map
// key is recorded as the round's leader, the inner batch is rebuilt into
// an AuthTree in ascending (caller, nonce) order, and every contained
// transaction is marked processing. A root mismatch or replay of an
// already-processed root drops the message (idempotence).
func (e *PBFTEngine) handleBlockPrePrepare(msg InboundMsg) {
	var payload prePreparePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		e.log.WithError(err).Debug("dropping malformed pre-prepare")
		return
	}
	for leader, byRoot := range payload {
		for rootHex, batch := range byRoot {
			e.processRound(leader, rootHex, batch)
		}
	}
}

func (e *PBFTEngine) processRound(leader, rootHex string, batch map[string]*Transaction) {
	root, err := HashFromHex(rootHex)
	if err != nil {
		e.log.WithError(err).Debug("dropping pre-prepare: bad root encoding")
		return
	}
	e.mu.Lock()
	if e.processedRoots[root] {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	txs := make([]*Transaction, 0, len(batch))
	for _, tx := range batch {
		txs = append(txs, tx)
	}
	computed, err := BuildBatchRoot(txs)
	if err != nil {
		e.log.WithError(err).Warn("rebuild batch root failed")
		return
	}
	if computed != root {
		e.log.WithFields(logrus.Fields{"want": root.String(), "got": computed.String()}).Warn("pre-prepare root mismatch, dropping")
		return
	}
	for _, tx := range txs {
		if _, err := e.txStore.UpdateStatus(tx.TxnHash, TxProcessing); err != nil {
			e.log.WithError(err).Debug("mark processing failed")
		}
		e.mempool.MarkProcessing(tx.TxnHash)
	}

	e.mu.Lock()
	e.processedRoots[root] = true
	e.rounds[root] = &roundState{leader: leader, root: root, txs: txs}
	e.mu.Unlock()

	if leader == e.nodeID {
		e.sealAndCommit(root, txs)
	}
}

// sealAndCommit is the leader-only continuation of a round: mine the
// proof-of-work nonce over the already-agreed batch root and broadcast
// the sealed block on the commit topic. No quorum threshold is checked
// before this happens: the leader proceeds as soon as it has locally
// validated its own proposal.
func (e *PBFTEngine) sealAndCommit(root Hash, txs []*Transaction) {
	head := e.chain.Head()
	block := e.builder.Seal(head, root, txs)
	verifier := e.nodeID
	block.NodeVerifier = &verifier
	raw, err := json.Marshal(block)
	if err != nil {
		e.log.WithError(err).Error("encode sealed block failed")
		return
	}
	if err := e.net.Broadcast(e.params.BlockCommitTopic, raw); err != nil {
		e.log.WithError(err).Warn("broadcast sealed block failed")
	}
}

// handleBlockCommit implements the commit phase for a sealed block:
// validate, append, persist, settle every referenced transaction, remove
// them from the mempool, and re-broadcast on create_blocks so lagging
// peers catch up.
func (e *PBFTEngine) handleBlockCommit(msg InboundMsg) {
	var block Block
	if err := json.Unmarshal(msg.Data, &block); err != nil {
		e.log.WithError(err).Debug("dropping malformed block commit")
		return
	}
	if err := e.applyCommittedBlock(&block); err != nil {
		e.log.WithError(err).Debug("reject block commit")
	}
}

// handleCreateBlocks lets a lagging replica catch up: it re-applies the
// same block-commit logic, idempotently, to a rebroadcast block.
func (e *PBFTEngine) handleCreateBlocks(msg InboundMsg) {
	var block Block
	if err := json.Unmarshal(msg.Data, &block); err != nil {
		e.log.WithError(err).Debug("dropping malformed create_blocks message")
		return
	}
	if err := e.applyCommittedBlock(&block); err != nil {
		e.log.WithError(err).Debug("reject create_blocks replay")
	}
}

// handleChains implements the longest-chain catch-up protocol: a peer's
// whole chain arrives on the chains topic and is handed to
// ChainReplica.Reconcile, which swaps it in if it is both longer and
// valid.
func (e *PBFTEngine) handleChains(msg InboundMsg) {
	var remote []*Block
	if err := json.Unmarshal(msg.Data, &remote); err != nil {
		e.log.WithError(err).Debug("dropping malformed chains message")
		return
	}
	if err := e.chain.Reconcile(remote); err != nil {
		e.log.WithError(err).Debug("chain reconcile rejected remote chain")
	}
}

// broadcastChain publishes this replica's whole chain on the chains
// topic, the other half of the longest-chain catch-up exchange.
func (e *PBFTEngine) broadcastChain() {
	raw, err := json.Marshal(e.chain.Blocks())
	if err != nil {
		e.log.WithError(err).Error("encode chain for broadcast failed")
		return
	}
	if err := e.net.Broadcast(e.params.ChainsTopic, raw); err != nil {
		e.log.WithError(err).Warn("broadcast chain failed")
	}
}

// handleAccountCreation replicates an account another replica created,
// so every ledger converges on the same account set. A duplicate is not
// an error: two replicas can observe the same account both locally and
// over gossip.
func (e *PBFTEngine) handleAccountCreation(msg InboundMsg) {
	var env struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		e.log.WithError(err).Debug("dropping malformed account_creation message")
		return
	}
	addr, err := AddressFromHex(env.Address)
	if err != nil {
		e.log.WithError(err).Debug("dropping account_creation: bad address")
		return
	}
	if err := e.ledger.Create(addr); err != nil && !errs.Is(err, errs.InputInvalid) {
		e.log.WithError(err).Warn("replicate account creation failed")
	}
}

// applyCommittedBlock is shared by block_pbft_commit and create_blocks:
// both carry a sealed block a replica must validate and, if new, append
// and settle exactly once.
func (e *PBFTEngine) applyCommittedBlock(block *Block) error {
	if block.PublicHash == e.chain.Head().PublicHash {
		return nil // already applied, idempotent replay
	}
	if err := e.chain.TryAdd(block); err != nil {
		return err
	}

	e.mu.Lock()
	e.tally[block.PublicHash]++
	rs, hadRound := e.rounds[block.BatchRoot]
	e.mu.Unlock()

	var committed []*Transaction
	if hadRound {
		committed = rs.txs
	} else {
		committed = make([]*Transaction, 0, len(block.Transactions))
		for _, h := range block.Transactions {
			hash, err := HashFromHex(h)
			if err != nil {
				continue
			}
			tx, err := e.txStore.Get(hash)
			if err != nil {
				e.log.WithError(err).WithField("tx", h).Warn("settle: unknown transaction in committed block")
				continue
			}
			committed = append(committed, tx)
		}
	}
	for _, tx := range committed {
		e.settle(tx)
	}

	raw, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("re-encode block for catch-up broadcast: %w", err)
	}
	if err := e.net.Broadcast(e.params.CreateBlocksTopic, raw); err != nil {
		e.log.WithError(err).Warn("rebroadcast create_blocks failed")
	}
	return nil
}

// settle applies commit-time settlement: drop the transaction from the
// mempool (a replica that only observed it over gossip still holds a
// queued copy the leader's Pick never touched); for a SimpleTransfer,
// debit the caller by value plus gas cost and credit the recipient by
// value (AccountBook.Apply); for every
// transaction type, credit the current node operator with the gas cost;
// finally advance the transaction to committed.
func (e *PBFTEngine) settle(tx *Transaction) {
	e.mempool.Remove(tx.TxnHash)
	if tx.TxnType == TxTransfer {
		if err := e.ledger.Apply(tx.Caller, tx.To, tx.Value, tx.GasCost, tx.Nonce); err != nil {
			e.log.WithError(err).WithField("tx", tx.TxnHash).Warn("settlement failed")
		}
	}
	if e.self != nil {
		if err := e.ledger.Credit(e.self.Address, tx.GasCost); err != nil {
			e.log.WithError(err).Warn("credit operator gas failed")
		}
	}
	if _, err := e.txStore.UpdateStatus(tx.TxnHash, TxCommitted); err != nil {
		e.log.WithError(err).WithField("tx", tx.TxnHash).Warn("advance to committed failed")
	}
}

// CompleteTransaction implements the /complete-transaction RPC's direct
// path to settlement: load the named transaction and run the same
// commit-time settlement a PBFT round would have run, without requiring
// a full pre-prepare/commit round to have carried it. Used for
// operator-triggered completion outside the normal gossip flow.
func (e *PBFTEngine) CompleteTransaction(hash Hash) (*Transaction, error) {
	tx, err := e.txStore.Get(hash)
	if err != nil {
		return nil, err
	}
	e.settle(tx)
	return e.txStore.Get(hash)
}

// ProduceBlock is the block-producer scheduler's single tick: pull up to
// MaxBatchSize signed, not-yet-processing transactions, build their
// AuthTree root, and broadcast a pre-prepare naming this replica as
// leader. An empty mempool drops the tick silently: no consensus round
// starts over an empty batch.
func (e *PBFTEngine) ProduceBlock() {
	root, txs, err := e.builder.ProposeBatch()
	if err != nil {
		e.log.WithError(err).Error("build batch root failed")
		return
	}
	if len(txs) == 0 {
		return
	}
	batch := make(map[string]*Transaction, len(txs))
	for _, tx := range txs {
		batch[tx.TxnHash.String()] = tx
	}
	payload := prePreparePayload{e.nodeID: {root.String(): batch}}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.log.WithError(err).Error("encode pre-prepare failed")
		e.mempool.Requeue(txs)
		return
	}
	if err := e.net.Broadcast(e.params.PrePrepareTopic, raw); err != nil {
		e.log.WithError(err).Warn("broadcast pre-prepare failed")
		e.mempool.Requeue(txs)
	}
}

package core

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"pbftchain/internal/errs"
)

// TxType distinguishes the handful of transaction shapes the chain
// understands. Unknown values are rejected at mempool admission
// (Mempool.AddTx).
type TxType uint8

const (
	TxTransfer TxType = iota
	TxContractCreate
	TxContractCall
)

// TxStatus tracks a transaction's lifecycle inside a single replica. It
// only ever moves forward: created, signed, processing (picked up by a
// pre-prepare), committed.
type TxStatus uint8

const (
	TxCreated TxStatus = iota
	TxSigned
	TxProcessing
	TxCommitted
)

// Transaction is the unit the mempool accepts, the block builder batches,
// and the authenticated tree hashes.
type Transaction struct {
	TxnHash   Hash
	TxnType   TxType
	Nonce     uint64
	Value     *big.Int
	GasCost   *big.Int
	Caller    Address
	To        Address
	Payload   []byte
	Signature []byte
	Status    TxStatus
	Timestamp int64
}

// digest computes the signing/identity hash: SHA256(caller || to || value
// || timestamp), with the type tag additionally folded in only for
// ContractCreation, so that a creation can never alias a transfer or call
// that happens to share the same value/timestamp. Nonce, gas, payload and
// signature are deliberately excluded so that re-signing after a gas
// estimate or a nonce bump does not change the transaction's identity
// seen by peers replaying the same intent.
func (tx *Transaction) digest() Hash {
	h := sha256.New()
	h.Write(tx.Caller[:])
	h.Write(tx.To[:])
	if tx.Value != nil {
		h.Write(tx.Value.Bytes())
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tx.Timestamp))
	h.Write(ts[:])
	if tx.TxnType == TxContractCreate {
		h.Write([]byte{byte(tx.TxnType)})
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Sign computes tx's digest, signs it with priv, and sets TxnHash, Caller
// and Signature. Callers must set To/Value/Timestamp/TxnType/Nonce first.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	addr, err := AddressFromPriv(priv)
	if err != nil {
		return err
	}
	tx.Caller = addr
	tx.TxnHash = tx.digest()
	sig, err := Sign(tx.TxnHash, priv)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifySignature recomputes tx's digest and checks Signature against
// Caller. A TxnHash that no longer matches the digest yields an
// errs.InputInvalid-wrapped error; a bad signature yields an
// errs.AuthFail-wrapped one.
func (tx *Transaction) VerifySignature() error {
	want := tx.digest()
	if want != tx.TxnHash {
		return fmt.Errorf("%w: stale transaction hash", errs.InputInvalid)
	}
	if err := Verify(tx.Caller, tx.TxnHash, tx.Signature); err != nil {
		return fmt.Errorf("%w: %v", errs.AuthFail, err)
	}
	return nil
}

// estimateGas prices a transaction by kind: a flat fee for a transfer, a
// flat fee for a contract creation, a flat fee for an interaction plus
// a per-byte charge on its payload.
func estimateGas(txnType TxType, payload []byte) *big.Int {
	switch txnType {
	case TxContractCreate:
		return big.NewInt(int64(GasContractCreation))
	case TxContractCall:
		return big.NewInt(int64(GasContractInteraction) + int64(len(payload))*int64(GasPerByte))
	default:
		return big.NewInt(int64(GasSimpleTransfer))
	}
}

// TransactionStore is the durable, hash-keyed record of every transaction
// this replica has ever created or observed, backing create_and_prepare's
// persistence and every later status transition.
type TransactionStore struct {
	kv KVStore
}

// NewTransactionStore wraps the transactions partition of a node's store.
func NewTransactionStore(kv KVStore) *TransactionStore {
	return &TransactionStore{kv: kv}
}

// Put persists tx under its hash.
func (s *TransactionStore) Put(tx *Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("transaction store: encode: %w", err)
	}
	return s.kv.Set(tx.TxnHash[:], raw)
}

// Get loads the transaction recorded under hash.
func (s *TransactionStore) Get(hash Hash) (*Transaction, error) {
	raw, err := s.kv.Get(hash[:])
	if err != nil {
		return nil, err
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("transaction store: decode: %w", err)
	}
	return &tx, nil
}

// UpdateStatus loads the transaction at hash, and if newStatus is not a
// regression re-persists it. Status is monotonic: requests to move
// backward are rejected as errs.InputInvalid.
func (s *TransactionStore) UpdateStatus(hash Hash, newStatus TxStatus) (*Transaction, error) {
	tx, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	if newStatus < tx.Status {
		return nil, fmt.Errorf("%w: status regression %d -> %d", errs.InputInvalid, tx.Status, newStatus)
	}
	tx.Status = newStatus
	if err := s.Put(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// GetByCaller linear-scans the transactions partition for every
// transaction sent by caller, in no particular order.
func (s *TransactionStore) GetByCaller(caller Address) ([]*Transaction, error) {
	return s.scan(func(tx *Transaction) bool { return tx.Caller == caller })
}

// GetBySender is an alias of GetByCaller: the transaction's only sender
// field is Caller, so "get_by_sender" and "get_by_caller" are the same
// scan under two names.
func (s *TransactionStore) GetBySender(caller Address) ([]*Transaction, error) {
	return s.GetByCaller(caller)
}

// GetByReceiver linear-scans the transactions partition for every
// transaction addressed to recipient.
func (s *TransactionStore) GetByReceiver(recipient Address) ([]*Transaction, error) {
	return s.scan(func(tx *Transaction) bool { return tx.To == recipient })
}

func (s *TransactionStore) scan(match func(*Transaction) bool) ([]*Transaction, error) {
	it := s.kv.Iterator(nil, nil)
	defer it.Close()
	var out []*Transaction
	for it.Next() {
		var tx Transaction
		if err := json.Unmarshal(it.Value(), &tx); err != nil {
			return nil, fmt.Errorf("transaction store: scan decode: %w", err)
		}
		if match(&tx) {
			out = append(out, &tx)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAndPrepare builds a new, unsigned transaction: it assigns the
// caller's next nonce, computes the identity hash, prices gas, persists
// a status-0 record, and returns it.
func CreateAndPrepare(store *TransactionStore, ledger *AccountBook, txnType TxType, caller, to Address, value *big.Int, payload []byte, now int64) (*Transaction, error) {
	nonce := ledger.NonceOf(caller)
	tx := &Transaction{
		TxnType:   txnType,
		Nonce:     nonce,
		Value:     value,
		Caller:    caller,
		To:        to,
		Payload:   payload,
		Status:    TxCreated,
		Timestamp: now,
	}
	tx.GasCost = estimateGas(txnType, payload)
	tx.TxnHash = tx.digest()
	if err := store.Put(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignAndSubmit loads the record created by CreateAndPrepare, signs its
// hash with priv, verifies the resulting signature against the caller's
// own public key, advances status to signed, persists, and broadcasts the
// envelope { key: hash, value: serialized_txn } on the prepared topic.
func SignAndSubmit(store *TransactionStore, hash Hash, priv *ecdsa.PrivateKey, net Broadcaster, preparedTopic string) (*Transaction, error) {
	tx, err := store.Get(hash)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(tx.TxnHash, priv)
	if err != nil {
		return nil, err
	}
	tx.Signature = sig
	if err := Verify(tx.Caller, tx.TxnHash, tx.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.AuthFail, err)
	}
	tx.Status = TxSigned
	if err := store.Put(tx); err != nil {
		return nil, err
	}
	if net == nil {
		return tx, nil
	}
	envelope, err := txEnvelope(tx)
	if err != nil {
		return nil, err
	}
	if err := net.Broadcast(preparedTopic, envelope); err != nil {
		return nil, fmt.Errorf("%w: broadcast prepared: %v", errs.Transient, err)
	}
	return tx, nil
}

// txEnvelope builds the { "key": hash, "value": serialized_txn } wire
// shape used by both phases of the transaction admit protocol. The key is
// the SHA-256 of the serialized record, the checksum the prepared-phase
// receiver recomputes before republishing: a relay that alters either
// side of the envelope is dropped on that mismatch.
func txEnvelope(tx *Transaction) ([]byte, error) {
	value, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("transaction: encode envelope: %w", err)
	}
	return json.Marshal(struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}{Key: SHA256(value).String(), Value: value})
}

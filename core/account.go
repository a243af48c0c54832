package core

import (
	"fmt"
	"math/big"
	"sync"

	"pbftchain/internal/errs"
)

// Account is a chain-state entry: balance and the last committed nonce
// (NonceOf reports the next expected one, Nonce+1).
// Balance is a big.Int; floats cannot represent value exactly and have
// no place in a ledger.
type Account struct {
	Address Address
	Balance *big.Int
	Nonce   uint64
}

// AccountBook is the in-memory ledger of accounts, mirrored to the
// account partition of the KVStore on every mutation.
type AccountBook struct {
	mu       sync.RWMutex
	accounts map[Address]*Account
	store    KVStore
}

// NewAccountBook constructs a book backed by store, replaying any
// previously persisted accounts.
func NewAccountBook(store KVStore) (*AccountBook, error) {
	ab := &AccountBook{accounts: make(map[Address]*Account), store: store}
	it := store.Iterator(nil, nil)
	defer it.Close()
	for it.Next() {
		var a Account
		if err := decodeAccount(it.Value(), &a); err != nil {
			return nil, fmt.Errorf("account book: replay: %w", err)
		}
		ab.accounts[a.Address] = &a
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("account book: replay: %w", err)
	}
	return ab, nil
}

// Create inserts a zero-balance account for addr.
func (ab *AccountBook) Create(addr Address) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if _, ok := ab.accounts[addr]; ok {
		return fmt.Errorf("%w: account %s exists", errs.InputInvalid, addr)
	}
	a := &Account{Address: addr, Balance: big.NewInt(0)}
	ab.accounts[addr] = a
	return ab.persist(a)
}

// Get returns the account for addr, creating a zero-balance one on first
// sight: accounts are implicit until they transact, and an unseen
// address reads as balance zero / nonce zero.
func (ab *AccountBook) Get(addr Address) (*Account, error) {
	ab.mu.RLock()
	a, ok := ab.accounts[addr]
	ab.mu.RUnlock()
	if ok {
		return a, nil
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if a, ok := ab.accounts[addr]; ok {
		return a, nil
	}
	a = &Account{Address: addr, Balance: big.NewInt(0)}
	ab.accounts[addr] = a
	return a, ab.persist(a)
}

// Exists reports whether addr has an account record, without the
// side-effecting auto-creation Get performs: a plain membership test for
// the check-account RPC, which must distinguish "never created" from
// "created with a zero balance".
func (ab *AccountBook) Exists(addr Address) bool {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	_, ok := ab.accounts[addr]
	return ok
}

// Balance returns addr's current balance, zero if unseen.
func (ab *AccountBook) Balance(addr Address) *big.Int {
	a, _ := ab.Get(addr)
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return new(big.Int).Set(a.Balance)
}

// NonceOf returns the next nonce expected from addr: its last committed
// nonce plus one (an account that has never transacted expects nonce 1).
func (ab *AccountBook) NonceOf(addr Address) uint64 {
	a, _ := ab.Get(addr)
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return a.Nonce + 1
}

// Apply debits amount+gas from src and credits amount to dst, bumping
// src's nonce. Both accounts are created on demand. Returns
// errs.InputInvalid if src cannot cover amount+gas.
func (ab *AccountBook) Apply(src, dst Address, amount, gas *big.Int, nonce uint64) error {
	if _, err := ab.Get(src); err != nil {
		return err
	}
	if _, err := ab.Get(dst); err != nil {
		return err
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()
	s := ab.accounts[src]
	d := ab.accounts[dst]
	if want := s.Nonce + 1; nonce != want {
		return fmt.Errorf("%w: expected nonce %d, got %d", errs.InputInvalid, want, nonce)
	}
	cost := new(big.Int).Add(amount, gas)
	if s.Balance.Cmp(cost) < 0 {
		return fmt.Errorf("%w: insufficient balance", errs.InputInvalid)
	}
	s.Balance.Sub(s.Balance, cost)
	s.Nonce = nonce
	d.Balance.Add(d.Balance, amount)
	if err := ab.persist(s); err != nil {
		return err
	}
	return ab.persist(d)
}

// Credit adds amount to addr's balance unconditionally, with no nonce
// check. Used for gas settlement, where the credited party (the node
// operator) is not a party to the transaction's own nonce sequence.
func (ab *AccountBook) Credit(addr Address, amount *big.Int) error {
	if _, err := ab.Get(addr); err != nil {
		return err
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()
	a := ab.accounts[addr]
	a.Balance.Add(a.Balance, amount)
	return ab.persist(a)
}

func (ab *AccountBook) persist(a *Account) error {
	raw, err := encodeAccount(a)
	if err != nil {
		return fmt.Errorf("account book: encode: %w", err)
	}
	return ab.store.Set(a.Address[:], raw)
}

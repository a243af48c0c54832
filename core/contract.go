package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"pbftchain/internal/errs"
)

// Contract is a deployed WASM contract: its code, its snapshot of linear
// memory between calls, and the account-like balance/nonce every
// contract carries because it can itself send and receive value.
type Contract struct {
	Address    Address
	WasmFile   []byte
	WasmMemory []byte
	Balance    *big.Int
	Nonce      uint64
	Timestamp  int64

	mu      sync.RWMutex
	storage map[string][]byte
}

// Get implements StateRW, reading one key of the contract's storage.
func (c *Contract) Get(key []byte) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.storage == nil {
		return nil, false
	}
	v, ok := c.storage[string(key)]
	return v, ok
}

// Set implements StateRW, writing one key of the contract's storage.
func (c *Contract) Set(key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		c.storage = make(map[string][]byte)
	}
	c.storage[string(key)] = append([]byte(nil), value...)
}

type contractWire struct {
	Address    Address
	WasmFile   []byte
	WasmMemory []byte
	Balance    *big.Int
	Nonce      uint64
	Timestamp  int64
	Storage    map[string][]byte
}

// MarshalJSON flattens the private storage map alongside the exported
// fields so a contract round-trips through the KVStore whole.
func (c *Contract) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(contractWire{
		Address: c.Address, WasmFile: c.WasmFile, WasmMemory: c.WasmMemory,
		Balance: c.Balance, Nonce: c.Nonce, Timestamp: c.Timestamp, Storage: c.storage,
	})
}

func (c *Contract) UnmarshalJSON(raw []byte) error {
	var w contractWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	c.Address, c.WasmFile, c.WasmMemory = w.Address, w.WasmFile, w.WasmMemory
	c.Balance, c.Nonce, c.Timestamp = w.Balance, w.Nonce, w.Timestamp
	c.storage = w.Storage
	return nil
}

// ContractRegistry persists contracts under the KVStore's contract
// partition and hands out WASMHost.Call access to them.
type ContractRegistry struct {
	mu    sync.RWMutex
	store KVStore
	host  *WASMHost
	live  map[Address]*Contract
}

// NewContractRegistry constructs a registry backed by store and host.
func NewContractRegistry(store KVStore, host *WASMHost) *ContractRegistry {
	return &ContractRegistry{store: store, host: host, live: make(map[Address]*Contract)}
}

// Deploy stores a new contract at addr with the given wasm bytecode and
// runs its "initialize" export over initArgs, the create(code, init_args)
// operation's way of letting contract code set up its own wasm_memory
// before any peer can call it. A nil host (tests that don't need a real
// sandbox) skips the initialize call entirely.
func (r *ContractRegistry) Deploy(addr Address, wasmFile []byte, initArgs []byte, timestamp int64) (*Contract, *Receipt, error) {
	r.mu.Lock()
	if _, ok := r.live[addr]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: contract %s already deployed", errs.InputInvalid, addr)
	}
	c := &Contract{Address: addr, WasmFile: wasmFile, Balance: big.NewInt(0), Timestamp: timestamp}
	r.live[addr] = c
	r.mu.Unlock()

	var receipt *Receipt
	if r.host != nil {
		var err error
		receipt, err = r.host.Call(c, "initialize", initArgs, GasContractCreation)
		if err != nil {
			r.mu.Lock()
			delete(r.live, addr)
			r.mu.Unlock()
			return nil, nil, err
		}
		if receipt.Status {
			c.Nonce++
		}
	}
	if err := r.persist(c); err != nil {
		return nil, receipt, err
	}
	return c, receipt, nil
}

// Get loads addr's contract, from the in-memory cache or the store.
func (r *ContractRegistry) Get(addr Address) (*Contract, error) {
	r.mu.RLock()
	c, ok := r.live[addr]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	raw, err := r.store.Get(addr[:])
	if err != nil {
		return nil, fmt.Errorf("%w: contract %s", errs.NotFound, addr)
	}
	c = &Contract{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("contract registry: decode: %w", err)
	}
	r.mu.Lock()
	r.live[addr] = c
	r.mu.Unlock()
	return c, nil
}

// Call invokes function on addr's contract and persists the resulting
// memory snapshot and nonce bump on success.
func (r *ContractRegistry) Call(addr Address, function string, args []byte, gasLimit uint64) (*Receipt, error) {
	c, err := r.Get(addr)
	if err != nil {
		return nil, err
	}
	receipt, err := r.host.Call(c, function, args, gasLimit)
	if err != nil {
		return nil, err
	}
	if receipt.Status {
		c.Nonce++
		if err := r.persist(c); err != nil {
			return receipt, err
		}
	}
	return receipt, nil
}

func (r *ContractRegistry) persist(c *Contract) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("contract registry: encode: %w", err)
	}
	return r.store.Set(c.Address[:], raw)
}

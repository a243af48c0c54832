package core

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"pbftchain/internal/chainparams"
	"pbftchain/internal/errs"
)

// APINode exposes the node's RPC surface: a thin HTTP gateway in front of
// the replica's real components. It never mutates state itself — every
// handler delegates to AccountBook, TransactionStore, ContractRegistry,
// Mempool, ChainReplica or PBFTEngine and only shapes their results into
// the jsonrpc envelope.
type APINode struct {
	ledger    *AccountBook
	txStore   *TransactionStore
	contracts *ContractRegistry
	mempool   *Mempool
	chain     *ChainReplica
	engine    *PBFTEngine
	net       Broadcaster
	params    chainparams.Params
	log       *logrus.Entry
	limiter   *rate.Limiter

	srv *http.Server
}

// NewAPINode wires an APINode to the replica's live components. params
// carries the gossip topic names (sign-transaction's PrepareTopic,
// create-wallet's AccountCreationTopic) the same way the consensus
// engine reads them off chainparams. The RPC front door shares a single
// token-bucket limiter across every route as a coarse per-process
// throttle.
func NewAPINode(ledger *AccountBook, txStore *TransactionStore, contracts *ContractRegistry, mempool *Mempool, chain *ChainReplica, engine *PBFTEngine, net Broadcaster, params chainparams.Params, log *logrus.Logger) *APINode {
	return &APINode{
		ledger: ledger, txStore: txStore, contracts: contracts, mempool: mempool,
		chain: chain, engine: engine, net: net, params: params,
		log:     log.WithField("component", "api"),
		limiter: rate.NewLimiter(rate.Limit(200), 400),
	}
}

// Start builds the mux and listens on addr until the process exits or
// Stop is called.
func (a *APINode) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/create-transaction", a.withRequestID(a.handleCreateTransaction))
	mux.HandleFunc("/sign-transaction", a.withRequestID(a.handleSignTransaction))
	mux.HandleFunc("/complete-transaction", a.withRequestID(a.handleCompleteTransaction))
	mux.HandleFunc("/read-transaction", a.withRequestID(a.handleReadTransaction))
	mux.HandleFunc("/create-wallet", a.withRequestID(a.handleCreateWallet))
	mux.HandleFunc("/check-account", a.withRequestID(a.handleCheckAccount))
	mux.HandleFunc("/get-wallet-balance", a.withRequestID(a.handleGetWalletBalance))
	mux.HandleFunc("/get-caller-transactions", a.withRequestID(a.handleGetCallerTransactions))
	mux.HandleFunc("/get-receiver-transactions", a.withRequestID(a.handleGetReceiverTransactions))
	mux.HandleFunc("/transfer-token", a.withRequestID(a.handleTransferToken))
	mux.HandleFunc("/create-contract", a.withRequestID(a.handleCreateContract))
	mux.HandleFunc("/call-contract", a.withRequestID(a.handleCallContract))
	mux.HandleFunc("/read-contract", a.withRequestID(a.handleReadContract))
	mux.HandleFunc("/create-block", a.withRequestID(a.handleCreateBlock))
	mux.HandleFunc("/get-blocks", a.withRequestID(a.handleGetBlocks))
	mux.HandleFunc("/latest-block", a.withRequestID(a.handleLatestBlock))
	mux.HandleFunc("/healthcheck", a.withRequestID(a.handleHealthcheck))

	a.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	a.log.WithField("addr", addr).Info("api listening")
	return a.srv.ListenAndServe()
}

// withRequestID tags every request with a fresh correlation id, the way
// the rest of the codebase stamps long-lived entities with uuid.New():
// here the entity is a single RPC call, logged on entry so a slow or
// failing handler can be traced back to the request that caused it.
func (a *APINode) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			writeError(w, errs.New(errs.Transient, "rate limit exceeded"))
			return
		}
		reqID := uuid.New().String()
		a.log.WithFields(logrus.Fields{"request_id": reqID, "path": r.URL.Path}).Debug("handling request")
		w.Header().Set("X-Request-Id", reqID)
		next(w, r)
	}
}

// Stop gracefully shuts down the HTTP server.
func (a *APINode) Stop() error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Close()
}

// writeResult writes the jsonrpc success envelope.
func writeResult(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "1.0", "result": v})
}

// writeError writes the jsonrpc error envelope, classifying HTTP status
// by error kind: InputInvalid/NotFound/AuthFail/Transient surface as
// client-visible statuses, everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.InputInvalid):
		status = http.StatusBadRequest
	case errs.Is(err, errs.NotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.AuthFail):
		status = http.StatusUnauthorized
	case errs.Is(err, errs.Transient):
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "1.0", "error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, errs.New(errs.InputInvalid, "malformed request body: "+err.Error()))
		return false
	}
	return true
}

// handleCreateTransaction implements POST /create-transaction.
func (a *APINode) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
		Value  string `json:"value"`
		Type   uint8  `json:"type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	caller, err := AddressFromHex(req.Caller)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad caller address"))
		return
	}
	to, err := AddressFromHex(req.To)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad recipient address"))
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		writeError(w, errs.New(errs.InputInvalid, "bad value"))
		return
	}
	tx, err := CreateAndPrepare(a.txStore, a.ledger, TxType(req.Type), caller, to, value, nil, time.Now().Unix())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{
		"transaction_hash": tx.TxnHash.String(),
		"gas_cost":         tx.GasCost.String(),
	})
}

// handleSignTransaction implements POST /sign-transaction.
func (a *APINode) handleSignTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller     string `json:"caller"`
		TxnHash    string `json:"txn_hash"`
		PrivateKey string `json:"private_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hash, err := HashFromHex(req.TxnHash)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad txn_hash"))
		return
	}
	kp, err := KeyPairFromHex(req.PrivateKey)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad private_key"))
		return
	}
	if _, err := SignAndSubmit(a.txStore, hash, kp.Private, a.net, a.params.PrepareTopic); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{})
}

// handleCompleteTransaction implements POST /complete-transaction.
func (a *APINode) handleCompleteTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxnHash string `json:"txn_hash"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hash, err := HashFromHex(req.TxnHash)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad txn_hash"))
		return
	}
	if _, err := a.engine.CompleteTransaction(hash); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, "Transaction completed")
}

// handleReadTransaction implements POST /read-transaction.
func (a *APINode) handleReadTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxnHash string `json:"txn_hash"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hash, err := HashFromHex(req.TxnHash)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad txn_hash"))
		return
	}
	tx, err := a.txStore.Get(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, tx)
}

// handleCreateWallet implements POST /create-wallet. A new account is
// gossip-replicated under topic account_creation so every other
// replica's AccountBook learns about it without waiting to see it as
// the caller of some later transaction.
func (a *APINode) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	kp, err := GenerateKeyPair()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.ledger.Create(kp.Address); err != nil {
		writeError(w, err)
		return
	}
	if a.net != nil {
		payload, err := json.Marshal(map[string]string{"address": kp.Address.String()})
		if err != nil {
			writeError(w, err)
			return
		}
		if err := a.net.Broadcast(a.params.AccountCreationTopic, payload); err != nil {
			a.log.WithError(err).Warn("broadcast account_creation failed")
		}
	}
	writeResult(w, map[string]interface{}{
		"wallet_address": kp.Address.String(),
		"private_key":    hexPrivKey(kp),
	})
}

// handleCheckAccount implements POST /check-account.
func (a *APINode) handleCheckAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubAddress string `json:"pub_address"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := AddressFromHex(req.PubAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad pub_address"))
		return
	}
	writeResult(w, a.ledger.Exists(addr))
}

// handleGetWalletBalance implements POST /get-wallet-balance.
func (a *APINode) handleGetWalletBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubAddress string `json:"pub_address"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := AddressFromHex(req.PubAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad pub_address"))
		return
	}
	writeResult(w, map[string]interface{}{"balance": a.ledger.Balance(addr).String()})
}

// handleGetCallerTransactions implements POST /get-caller-transactions.
func (a *APINode) handleGetCallerTransactions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubAddress string `json:"pub_address"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := AddressFromHex(req.PubAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad pub_address"))
		return
	}
	txs, err := a.txStore.GetByCaller(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{"transactions": txs})
}

// handleGetReceiverTransactions implements POST /get-receiver-transactions.
func (a *APINode) handleGetReceiverTransactions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubAddress string `json:"pub_address"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := AddressFromHex(req.PubAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad pub_address"))
		return
	}
	txs, err := a.txStore.GetByReceiver(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{"transactions": txs})
}

// handleTransferToken implements POST /transfer-token: the one-shot
// convenience path that chains create_and_prepare + sign_and_submit
// together instead of requiring two round trips.
func (a *APINode) handleTransferToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From           string `json:"from"`
		FromPrivateKey string `json:"from_private_key"`
		To             string `json:"to"`
		Amount         string `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	from, err := AddressFromHex(req.From)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad from address"))
		return
	}
	to, err := AddressFromHex(req.To)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad to address"))
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, errs.New(errs.InputInvalid, "bad amount"))
		return
	}
	kp, err := KeyPairFromHex(req.FromPrivateKey)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad from_private_key"))
		return
	}
	tx, err := CreateAndPrepare(a.txStore, a.ledger, TxTransfer, from, to, amount, nil, time.Now().Unix())
	if err != nil {
		writeError(w, err)
		return
	}
	signed, err := SignAndSubmit(a.txStore, tx.TxnHash, kp.Private, a.net, a.params.PrepareTopic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{
		"transaction_hash": signed.TxnHash.String(),
		"gas_cost":         signed.GasCost.String(),
	})
}

// handleCreateContract implements POST /create-contract.
func (a *APINode) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallAddress string `json:"call_address"`
		PrivateKey  string `json:"private_key"`
		Name        string `json:"name"`
		Symbol      string `json:"symbol"`
		WasmBase64  string `json:"wasm_base64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	caller, err := AddressFromHex(req.CallAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad call_address"))
		return
	}
	kp, err := KeyPairFromHex(req.PrivateKey)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad private_key"))
		return
	}
	if kp.Address != caller {
		writeError(w, errs.New(errs.AuthFail, "private_key does not match call_address"))
		return
	}
	wasmFile, err := base64.StdEncoding.DecodeString(req.WasmBase64)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad wasm_base64"))
		return
	}
	// A contract has no private key of its own; it is addressed by the
	// compressed pubkey shape of a freshly minted, otherwise-unused
	// identity, the same way every other account on the chain is.
	contractKP, err := GenerateKeyPair()
	if err != nil {
		writeError(w, err)
		return
	}
	contractAddr := contractKP.Address
	now := time.Now().Unix()
	// initArgs is the JSON array the "initialize" export's parameters are
	// translated from: [name, symbol], both strings written at the write
	// frontier per the call-argument translation protocol.
	initArgs, err := json.Marshal([]interface{}{req.Name, req.Symbol})
	if err != nil {
		writeError(w, err)
		return
	}
	if _, _, err := a.contracts.Deploy(contractAddr, wasmFile, initArgs, now); err != nil {
		writeError(w, err)
		return
	}
	payload, err := json.Marshal(map[string]string{"name": req.Name, "symbol": req.Symbol})
	if err != nil {
		writeError(w, err)
		return
	}
	tx, err := CreateAndPrepare(a.txStore, a.ledger, TxContractCreate, caller, contractAddr, big.NewInt(0), payload, now)
	if err != nil {
		writeError(w, err)
		return
	}
	signed, err := SignAndSubmit(a.txStore, tx.TxnHash, kp.Private, a.net, a.params.PrepareTopic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{
		"contract_address": contractAddr.String(),
		"txn_hash":         signed.TxnHash.String(),
		"gas_cost":         signed.GasCost.String(),
	})
}

// handleCallContract implements POST /call-contract. A successful call is
// itself a transaction: after the sandbox dispatch, a ContractInteraction
// record is created, signed with the caller's key, and gossiped through
// the same two-phase admit protocol every transfer goes through, so the
// call carries the full hash/nonce/status lifecycle and its gas settles
// to the node operator on commit.
func (a *APINode) handleCallContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContractAddress string          `json:"contract_address"`
		Caller          string          `json:"caller"`
		PrivateKey      string          `json:"private_key"`
		FunctionName    string          `json:"function_name"`
		Args            json.RawMessage `json:"args"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := AddressFromHex(req.ContractAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad contract_address"))
		return
	}
	caller, err := AddressFromHex(req.Caller)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad caller"))
		return
	}
	kp, err := KeyPairFromHex(req.PrivateKey)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad private_key"))
		return
	}
	if kp.Address != caller {
		writeError(w, errs.New(errs.AuthFail, "private_key does not match caller"))
		return
	}
	receipt, err := a.contracts.Call(addr, req.FunctionName, req.Args, GasContractInteraction)
	if err != nil {
		writeError(w, err)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"function": req.FunctionName,
		"args":     req.Args,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	tx, err := CreateAndPrepare(a.txStore, a.ledger, TxContractCall, caller, addr, big.NewInt(0), payload, time.Now().Unix())
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := SignAndSubmit(a.txStore, tx.TxnHash, kp.Private, a.net, a.params.PrepareTopic); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{
		"contract_address": addr.String(),
		"result":           receipt,
	})
}

// handleReadContract implements POST /read-contract.
func (a *APINode) handleReadContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContractAddress string `json:"contract_address"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := AddressFromHex(req.ContractAddress)
	if err != nil {
		writeError(w, errs.New(errs.InputInvalid, "bad contract_address"))
		return
	}
	c, err := a.contracts.Get(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]interface{}{"contract_detail": c})
}

// handleCreateBlock implements GET /create-block: fires the producer tick
// once, out of band from its 20s schedule.
func (a *APINode) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	a.engine.ProduceBlock()
	writeResult(w, map[string]interface{}{})
}

// handleGetBlocks implements POST /get-blocks. pub_address is accepted
// for wire compatibility but unused: the chain has no per-address block
// filtering, so every replica returns its whole local chain.
func (a *APINode) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubAddress string `json:"pub_address"`
	}
	defer r.Body.Close()
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeResult(w, a.chain.Blocks())
}

// handleLatestBlock implements GET /latest-block.
func (a *APINode) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.chain.Head())
}

// handleHealthcheck implements GET /healthcheck.
func (a *APINode) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]interface{}{
		"status":       "OK",
		"height":       a.chain.Head().ID,
		"mempool_size": a.mempool.Len(),
	})
}

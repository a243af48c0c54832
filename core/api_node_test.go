package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"pbftchain/internal/chainparams"
)

func newTestAPINode(t *testing.T) (*APINode, *AccountBook) {
	t.Helper()
	ledger := newTestLedger(t)
	txStore := NewTransactionStore(newMemStore())
	mp := NewMempool(ledger, testLogger(), 10)
	chain, err := OpenChainReplica(newMemStore(), chainparams.Main(), testLogger())
	require.NoError(t, err)
	a := NewAPINode(ledger, txStore, nil, mp, chain, nil, newFakeNet(), chainparams.Main(), testLogger())
	return a, ledger
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleHealthcheck(t *testing.T) {
	a, _ := newTestAPINode(t)
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	a.handleHealthcheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	result := env["result"].(map[string]interface{})
	require.Equal(t, "OK", result["status"])
}

func TestHandleCreateWalletThenCheckAccount(t *testing.T) {
	a, ledger := newTestAPINode(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/create-wallet", nil)
	a.handleCreateWallet(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	result := env["result"].(map[string]interface{})
	addr := result["wallet_address"].(string)
	require.NotEmpty(t, addr)

	got, err := AddressFromHex(addr)
	require.NoError(t, err)
	require.True(t, ledger.Exists(got))

	body, err := json.Marshal(map[string]string{"pub_address": addr})
	require.NoError(t, err)
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/check-account", bytes.NewReader(body))
	a.handleCheckAccount(rec2, req2)
	env2 := decodeEnvelope(t, rec2)
	require.Equal(t, true, env2["result"])
}

func TestHandleCheckAccountRejectsBadAddress(t *testing.T) {
	a, _ := newTestAPINode(t)
	body, err := json.Marshal(map[string]string{"pub_address": "not-hex"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/check-account", bytes.NewReader(body))
	a.handleCheckAccount(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReadTransactionNotFound(t *testing.T) {
	a, _ := newTestAPINode(t)
	body, err := json.Marshal(map[string]string{"txn_hash": SHA256([]byte("missing")).String()})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/read-transaction", bytes.NewReader(body))
	a.handleReadTransaction(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLatestBlockReturnsGenesis(t *testing.T) {
	a, _ := newTestAPINode(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/latest-block", nil)
	a.handleLatestBlock(rec, req)
	env := decodeEnvelope(t, rec)
	result := env["result"].(map[string]interface{})
	require.Equal(t, GenesisPublicHash, result["PublicHash"])
}

// tokenWasm compiles a module whose initialize export takes the
// (name_ptr, name_len, sym_ptr, sym_len) string pairs /create-contract
// hands it, plus an "add" export for interaction calls.
func tokenWasm(t *testing.T) []byte {
	t.Helper()
	wasm, err := wasmer.Wat2Wasm(`
		(module
			(memory (export "memory") 1)
			(func (export "initialize") (param $np i32) (param $nl i32) (param $sp i32) (param $sl i32) (result i32)
				(local.get $nl))
			(func (export "add") (param $a i32) (param $b i32) (result i32)
				(i32.add (local.get $a) (local.get $b))))
	`)
	require.NoError(t, err)
	return wasm
}

// newContractAPIHarness wires an APINode to a real WASM host and a PBFT
// engine whose node id matches the leader the tests drive rounds as.
func newContractAPIHarness(t *testing.T) (*APINode, *AccountBook, *Mempool, *TransactionStore, *PBFTEngine, *fakeNet) {
	t.Helper()
	params := chainparams.Main()
	ledger := newTestLedger(t)
	txStore := NewTransactionStore(newMemStore())
	mp := NewMempool(ledger, testLogger(), 10)
	chain, err := OpenChainReplica(newMemStore(), params, testLogger())
	require.NoError(t, err)
	contracts := NewContractRegistry(newMemStore(), NewWASMHost(testLogger()))
	net := newFakeNet()
	self, err := GenerateKeyPair()
	require.NoError(t, err)
	engine, err := NewPBFTEngine("leader", self, net, mp, txStore, ledger, chain, params, testLogger())
	require.NoError(t, err)
	api := NewAPINode(ledger, txStore, contracts, mp, chain, engine, net, params, testLogger())
	return api, ledger, mp, txStore, engine, net
}

// settleThroughRound admits tx to the mempool and drives one full PBFT
// round to commit, the same propose/seal/commit path
// TestProcessRoundSealsAsLeaderAndCommits exercises for transfers.
func settleThroughRound(t *testing.T, engine *PBFTEngine, net *fakeNet, mp *Mempool, tx *Transaction) {
	t.Helper()
	commitCh, err := net.Subscribe(chainparams.Main().BlockCommitTopic)
	require.NoError(t, err)
	require.NoError(t, mp.AddTx(tx))
	root, txs, err := engine.builder.ProposeBatch()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	batch := map[string]*Transaction{txs[0].TxnHash.String(): txs[0]}
	engine.processRound("leader", root.String(), batch)
	engine.handleBlockCommit(<-commitCh)
}

func TestHandleCreateContractSignsAndSettlesTransaction(t *testing.T) {
	api, ledger, mp, txStore, engine, net := newContractAPIHarness(t)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ledger.Credit(kp.Address, big.NewInt(1_000_000)))

	body, err := json.Marshal(map[string]string{
		"call_address": kp.Address.String(),
		"private_key":  hexPrivKey(kp),
		"name":         "Token",
		"symbol":       "TOK",
		"wasm_base64":  base64.StdEncoding.EncodeToString(tokenWasm(t)),
	})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	api.handleCreateContract(rec, httptest.NewRequest(http.MethodPost, "/create-contract", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeEnvelope(t, rec)["result"].(map[string]interface{})

	hash, err := HashFromHex(result["txn_hash"].(string))
	require.NoError(t, err)
	signed, err := txStore.Get(hash)
	require.NoError(t, err)
	require.Equal(t, TxSigned, signed.Status)
	require.Equal(t, TxContractCreate, signed.TxnType)
	require.NoError(t, signed.VerifySignature())

	settleThroughRound(t, engine, net, mp, signed)

	committed, err := txStore.Get(hash)
	require.NoError(t, err)
	require.Equal(t, TxCommitted, committed.Status)
	require.Equal(t, signed.GasCost, ledger.Balance(engine.self.Address))
	require.Equal(t, 0, mp.Len())
}

func TestHandleCallContractCreatesInteractionTransaction(t *testing.T) {
	api, ledger, mp, txStore, engine, net := newContractAPIHarness(t)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ledger.Credit(kp.Address, big.NewInt(1_000_000)))

	contractKP, err := GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = api.contracts.Deploy(contractKP.Address, arithmeticWasm(t), nil, 1)
	require.NoError(t, err)

	preparedCh, err := net.Subscribe(chainparams.Main().PrepareTopic)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"contract_address": contractKP.Address.String(),
		"caller":           kp.Address.String(),
		"private_key":      hexPrivKey(kp),
		"function_name":    "add",
		"args":             []int{2, 3},
	})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	api.handleCallContract(rec, httptest.NewRequest(http.MethodPost, "/call-contract", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the interaction record was created, signed, and gossiped on the
	// prepared topic, keyed by the SHA-256 of the serialized record
	txs, err := txStore.GetByCaller(kp.Address)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx := txs[0]
	require.Equal(t, TxContractCall, tx.TxnType)
	require.Equal(t, TxSigned, tx.Status)
	require.NoError(t, tx.VerifySignature())

	msg := <-preparedCh
	var env struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	require.Equal(t, SHA256(env.Value).String(), env.Key)
	var wireTx Transaction
	require.NoError(t, json.Unmarshal(env.Value, &wireTx))
	require.Equal(t, tx.TxnHash, wireTx.TxnHash)

	settleThroughRound(t, engine, net, mp, tx)

	committed, err := txStore.Get(tx.TxnHash)
	require.NoError(t, err)
	require.Equal(t, TxCommitted, committed.Status)
	require.Equal(t, tx.GasCost, ledger.Balance(engine.self.Address))
}

func TestHandleCallContractRejectsMismatchedKey(t *testing.T) {
	api, _, _, _, _, _ := newContractAPIHarness(t)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"contract_address": kp.Address.String(),
		"caller":           kp.Address.String(),
		"private_key":      hexPrivKey(other),
		"function_name":    "add",
		"args":             []int{1, 2},
	})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	api.handleCallContract(rec, httptest.NewRequest(http.MethodPost, "/call-contract", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithRequestIDSetsHeaderAndRejectsOverLimit(t *testing.T) {
	a, _ := newTestAPINode(t)
	a.limiter = rate.NewLimiter(rate.Limit(0), 1)

	handler := a.withRequestID(a.handleHealthcheck)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec2 := httptest.NewRecorder()
	handler(rec2, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

package core

import (
	"encoding/json"
	"math/big"
	"testing"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"

	"github.com/stretchr/testify/require"
)

// arithmeticWasm compiles a tiny module at test time so Call and
// translateArgs can be exercised against a real wasmer instance instead
// of a hand-rolled fake. It exports linear memory, a no-op initialize,
// an "add" taking two i32 numbers, and an "echo_len" taking a (ptr, len)
// string argument and returning its length, covering both halves of the
// JSON-argument translation.
func arithmeticWasm(t *testing.T) []byte {
	t.Helper()
	wasm, err := wasmer.Wat2Wasm(`
		(module
			(memory (export "memory") 1)
			(func (export "initialize") (result i32) (i32.const 0))
			(func (export "add") (param $a i32) (param $b i32) (result i32)
				(i32.add (local.get $a) (local.get $b)))
			(func (export "echo_len") (param $ptr i32) (param $len i32) (result i32)
				(local.get $len)))
	`)
	require.NoError(t, err)
	return wasm
}

func TestWASMHostCallTranslatesNumericArgs(t *testing.T) {
	host := NewWASMHost(testLogger())
	c := &Contract{WasmFile: arithmeticWasm(t), Balance: big.NewInt(0)}

	args, err := json.Marshal([]interface{}{2, 3})
	require.NoError(t, err)

	receipt, err := host.Call(c, "add", args, 1_000_000)
	require.NoError(t, err)
	require.True(t, receipt.Status)
	require.Equal(t, "5", string(receipt.ReturnData))
}

func TestWASMHostCallWritesStringArgAtFrontierAndSnapshotsMemory(t *testing.T) {
	host := NewWASMHost(testLogger())
	c := &Contract{WasmFile: arithmeticWasm(t), Balance: big.NewInt(0)}

	args, err := json.Marshal([]interface{}{"hello"})
	require.NoError(t, err)

	receipt, err := host.Call(c, "echo_len", args, 1_000_000)
	require.NoError(t, err)
	require.True(t, receipt.Status)
	require.Equal(t, "5", string(receipt.ReturnData))
	require.True(t, len(c.WasmMemory) >= 5)
	require.Equal(t, []byte("hello"), c.WasmMemory[:5])
}

func TestContractRegistryDeployRunsInitialize(t *testing.T) {
	host := NewWASMHost(testLogger())
	reg := NewContractRegistry(newMemStore(), host)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	c, receipt, err := reg.Deploy(kp.Address, arithmeticWasm(t), nil, 1)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.True(t, receipt.Status)
	require.Equal(t, uint64(1), c.Nonce)
}

func TestOpcodeNameKnownIDs(t *testing.T) {
	require.Equal(t, OpI32Const, opcodeName(0))
	require.Equal(t, OpI32GeU, opcodeName(39))
}

func TestOpcodeNameUnknownID(t *testing.T) {
	require.Equal(t, "unknown", opcodeName(-1))
	require.Equal(t, "unknown", opcodeName(9999))
}

func TestSandboxStatusAbsentContract(t *testing.T) {
	host := NewWASMHost(testLogger())
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, ok := host.SandboxStatus(kp.Address)
	require.False(t, ok)
}

package core

import "github.com/sirupsen/logrus"

// Opcode names the WASMHost's host_consume_gas import resolves a module's
// opcode ids to (opcodeName), matched against GasTable. Anything not in this list contributes zero gas and is
// logged, not rejected, since an unpriced opcode is a pricing gap to fix
// later, not proof the contract is malicious.
const (
	OpI32Const   = "I32Const"
	OpI32Store8  = "I32Store8"
	OpI32Load8U  = "I32Load8U"
	OpCall       = "Call"
	OpBrIf       = "BrIf"
	OpI32Store16 = "I32Store16"
	OpI32Load    = "I32Load"
	OpI32Store   = "I32Store"
	OpI32Load16U = "I32Load16U"
	OpI64Const   = "I64Const"
	OpI64Load8U  = "I64Load8U"
	OpI64Store   = "I64Store"
	OpLocalSet   = "LocalSet"
	OpLocalGet   = "LocalGet"
	OpBr         = "Br"
	OpBrTable    = "BrTable"
	OpI32Add     = "I32Add"
	OpI32Sub     = "I32Sub"
	OpI32Mul     = "I32Mul"
	OpI32DivS    = "I32DivS"
	OpI32DivU    = "I32DivU"
	OpI32RemS    = "I32RemS"
	OpI32RemU    = "I32RemU"
	OpI32And     = "I32And"
	OpI32Or      = "I32Or"
	OpI32Xor     = "I32Xor"
	OpI32Shl     = "I32Shl"
	OpI32ShrS    = "I32ShrS"
	OpI32ShrU    = "I32ShrU"
	OpI32Eqz     = "I32Eqz"
	OpI32Eq      = "I32Eq"
	OpI32Ne      = "I32Ne"
	OpI32LtS     = "I32LtS"
	OpI32LtU     = "I32LtU"
	OpI32GtS     = "I32GtS"
	OpI32GtU     = "I32GtU"
	OpI32LeS     = "I32LeS"
	OpI32LeU     = "I32LeU"
	OpI32GeS     = "I32GeS"
	OpI32GeU     = "I32GeU"
)

// GasTable is the canonical opcode pricing table. Every replica must use
// the literal same table: a proposer and a validator who disagree on one
// entry will disagree on gas-exhaustion outcomes and therefore on the
// resulting state root.
func GasTable() map[string]uint64 {
	return map[string]uint64{
		OpI32Const: 2, OpI32Store8: 4, OpI32Load8U: 3, OpCall: 10, OpBrIf: 5,
		OpI32Store16: 4, OpI32Load: 3, OpI32Store: 4, OpI32Load16U: 3,
		OpI64Const: 2, OpI64Load8U: 3, OpI64Store: 4, OpLocalSet: 2, OpLocalGet: 2,
		OpBr: 5, OpBrTable: 6, OpI32Add: 3, OpI32Sub: 3, OpI32Mul: 3,
		OpI32DivS: 5, OpI32DivU: 5, OpI32RemS: 5, OpI32RemU: 5,
		OpI32And: 3, OpI32Or: 3, OpI32Xor: 3, OpI32Shl: 3, OpI32ShrS: 3, OpI32ShrU: 3,
		OpI32Eqz: 2, OpI32Eq: 2, OpI32Ne: 2, OpI32LtS: 2, OpI32LtU: 2,
		OpI32GtS: 2, OpI32GtU: 2, OpI32LeS: 2, OpI32LeU: 2, OpI32GeS: 2, OpI32GeU: 2,
	}
}

// Base costs for the transaction shapes that don't go through the
// opcode-by-opcode WASM metering path.
const (
	GasSimpleTransfer      uint64 = 21000
	GasContractCreation    uint64 = 32000
	GasContractInteraction uint64 = 45000
	GasPerByte             uint64 = 10
	GasPerFunctionCall     uint64 = 100
)

// GasMeter tracks gas consumption during one WASM execution and rejects
// the step that would push used past limit.
type GasMeter struct {
	used  uint64
	limit uint64
	table map[string]uint64
	log   *logrus.Entry
}

// NewGasMeter constructs a meter with the given limit and the canonical
// opcode table.
func NewGasMeter(limit uint64, log *logrus.Entry) *GasMeter {
	return &GasMeter{limit: limit, table: GasTable(), log: log}
}

// Consume charges the cost of opcode, returning an error if doing so
// would exceed the meter's limit. Unknown opcodes cost zero gas but are
// logged once per occurrence.
func (g *GasMeter) Consume(opcode string) error {
	cost, ok := g.table[opcode]
	if !ok {
		if g.log != nil {
			g.log.WithField("opcode", opcode).Warn("no gas cost for opcode, charging zero")
		}
		return nil
	}
	if g.used+cost > g.limit {
		return errOutOfGas
	}
	g.used += cost
	return nil
}

// Used reports gas consumed so far.
func (g *GasMeter) Used() uint64 { return g.used }

// Remaining reports gas left before the limit is hit.
func (g *GasMeter) Remaining() uint64 {
	if g.used >= g.limit {
		return 0
	}
	return g.limit - g.used
}

var errOutOfGas = gasErr{}

type gasErr struct{}

func (gasErr) Error() string { return "gas: out of gas" }

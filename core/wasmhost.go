package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	wasmer "github.com/wasmerio/wasmer-go/wasmer"
	"pbftchain/internal/errs"
)

const wasmPageSize = 64 * 1024

// Receipt is the outcome of one WASMHost.Call.
type Receipt struct {
	Status     bool
	GasUsed    uint64
	ReturnData []byte
	Logs       []string
	Error      string
}

// SandboxInfo records the resource envelope of one contract's execution
// sandbox. It is kept in memory only and is not persisted, so a
// restarted node starts with no sandbox records.
type SandboxInfo struct {
	Contract    Address
	MemoryLimit uint64
	GasLimit    uint64
	Started     time.Time
	Active      bool
}

// WASMHost is the deterministic execution sandbox every replica runs
// contract calls through. Determinism comes from three things: a fixed
// gas table (gas.go), byte-for-byte linear-memory snapshotting across
// calls, and refusing any import besides the host_* functions below.
type WASMHost struct {
	engine *wasmer.Engine
	log    *logrus.Logger

	// maxMemoryPages caps how many 64 KiB pages a sandbox may grow to;
	// zero means unlimited. Set via SetMemoryLimit from the
	// wasm.memory_limit_pages config section.
	maxMemoryPages uint64

	mu       sync.Mutex
	sandboxes map[Address]*SandboxInfo
}

// NewWASMHost constructs a host with a fresh wasmer engine.
func NewWASMHost(log *logrus.Logger) *WASMHost {
	return &WASMHost{
		engine:    wasmer.NewEngine(),
		log:       log,
		sandboxes: make(map[Address]*SandboxInfo),
	}
}

// SetMemoryLimit bounds every subsequent Call's linear memory growth to
// pages 64 KiB pages; zero leaves it unlimited.
func (h *WASMHost) SetMemoryLimit(pages uint64) {
	h.maxMemoryPages = pages
}

// hostCtx is the state the env.host_* imports close over during one call.
type hostCtx struct {
	mem    *wasmer.Memory
	meter  *GasMeter
	logs   []string
	state  StateRW
	caller Address
}

// StateRW is the narrow contract-storage slice a call's hostCtx carries.
// Contract implements it. None of the host imports calls it:
// host_read/host_write only bounds-check against linear memory.
type StateRW interface {
	Get(key []byte) ([]byte, bool)
	Set(key, value []byte)
}

// Call invokes function on contract's wasm module, restoring its saved
// linear memory first and snapshotting it back on success. gasLimit
// bounds the host_consume_gas budget the module can spend.
func (h *WASMHost) Call(contract *Contract, function string, args []byte, gasLimit uint64) (*Receipt, error) {
	h.mu.Lock()
	h.sandboxes[contract.Address] = &SandboxInfo{Contract: contract.Address, MemoryLimit: uint64(len(contract.WasmMemory)), GasLimit: gasLimit, Started: time.Now(), Active: true}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if sb, ok := h.sandboxes[contract.Address]; ok {
			sb.Active = false
		}
		h.mu.Unlock()
	}()

	store := wasmer.NewStore(h.engine)
	module, err := wasmer.NewModule(store, contract.WasmFile)
	if err != nil {
		return nil, fmt.Errorf("%w: compile module: %v", errs.InputInvalid, err)
	}

	logEntry := h.log.WithFields(logrus.Fields{"contract": contract.Address, "fn": function})
	ctx := &hostCtx{meter: NewGasMeter(gasLimit, logEntry), state: contract}
	importObj := registerHost(store, ctx)

	instance, err := wasmer.NewInstance(module, importObj)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %v", errs.Fatal, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("%w: module has no exported memory: %v", errs.InputInvalid, err)
	}
	ctx.mem = mem

	// Step 1+2: grow to a page boundary that fits the saved snapshot,
	// then copy the snapshot back in before calling the entry point.
	// This exact page-rounding formula is what every replica must use
	// identically, or their post-call memory snapshots diverge.
	needed := len(contract.WasmMemory)
	if err := growMemoryTo(mem, needed); err != nil {
		return nil, err
	}
	copy(mem.Data(), contract.WasmMemory)

	rawFn, err := instance.Exports.GetRawFunction(function)
	if err != nil {
		return nil, fmt.Errorf("%w: no such export %q: %v", errs.InputInvalid, function, err)
	}

	// Step 4: translate the JSON call arguments onto the export's
	// declared parameter types. Numbers go by arity (i32/i64/f32/f64);
	// strings are written into linear memory at the write frontier,
	// which starts just past the restored snapshot, and passed as a
	// (ptr, len) pair.
	wasmArgs, frontier, err := translateArgs(mem, rawFn.Type().Params(), args, needed)
	if err != nil {
		return nil, err
	}
	if h.maxMemoryPages > 0 && uint64(frontier) > h.maxMemoryPages*wasmPageSize {
		return nil, fmt.Errorf("%w: call would grow sandbox past its %d-page memory limit", errs.InputInvalid, h.maxMemoryPages)
	}

	result, callErr := rawFn.Call(wasmArgs...)
	receipt := &Receipt{GasUsed: ctx.meter.Used(), Logs: ctx.logs}
	if callErr != nil {
		receipt.Status = false
		receipt.Error = callErr.Error()
		return receipt, nil
	}
	receipt.Status = true
	if result != nil {
		if rd, err := json.Marshal(result); err == nil {
			receipt.ReturnData = rd
		}
	}

	// Step 6: snapshot the full linear memory back onto the contract,
	// including anything translateArgs wrote past the old frontier, so
	// the next call starts where this one left off.
	contract.WasmMemory = append([]byte(nil), mem.Data()...)

	return receipt, nil
}

// wasmLinearMemory narrows *wasmer.Memory to the two operations
// translateArgs and growMemoryTo need, so both can be exercised in
// tests against a fake without compiling a real wasm module.
type wasmLinearMemory interface {
	Data() []byte
	Grow(delta wasmer.Pages) (bool, error)
}

// growMemoryTo grows mem, in 64 KiB page increments, until it is at
// least needed bytes long. Every replica must grow by this exact
// formula or their post-call memory snapshots diverge.
func growMemoryTo(mem wasmLinearMemory, needed int) error {
	current := len(mem.Data())
	if needed <= current {
		return nil
	}
	pages := ((needed - current) + (wasmPageSize - 1)) / wasmPageSize
	if _, err := mem.Grow(wasmer.Pages(pages)); err != nil {
		return fmt.Errorf("%w: grow memory: %v", errs.Fatal, err)
	}
	return nil
}

// translateArgs implements the JSON-argument-to-wasm-value translation:
// args is a JSON array whose elements are mapped in order onto the
// export's declared parameter types. A JSON number consumes one
// parameter slot and is coerced to whatever that slot declares
// (i32/i64/f32/f64); a JSON string consumes two i32 slots, is written
// into linear memory at frontier, and is passed as the resulting
// (ptr, len) pair. Returns the translated arguments and the frontier
// advanced past anything written.
func translateArgs(mem wasmLinearMemory, params []*wasmer.ValueType, args []byte, frontier int) ([]interface{}, int, error) {
	if len(args) == 0 {
		return nil, frontier, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(args, &elems); err != nil {
		return nil, frontier, fmt.Errorf("%w: call args must be a JSON array: %v", errs.InputInvalid, err)
	}

	wasmArgs := make([]interface{}, 0, len(params))
	paramIdx := 0
	for i, elem := range elems {
		if paramIdx >= len(params) {
			return nil, frontier, fmt.Errorf("%w: arg %d: more arguments than the export declares parameters", errs.InputInvalid, i)
		}

		var asString string
		if err := json.Unmarshal(elem, &asString); err == nil {
			if paramIdx+1 >= len(params) {
				return nil, frontier, fmt.Errorf("%w: arg %d: a string argument needs a (ptr, len) pair of parameters", errs.InputInvalid, i)
			}
			data := []byte(asString)
			if err := growMemoryTo(mem, frontier+len(data)); err != nil {
				return nil, frontier, err
			}
			copy(mem.Data()[frontier:], data)
			wasmArgs = append(wasmArgs, int32(frontier), int32(len(data)))
			frontier += len(data)
			paramIdx += 2
			continue
		}

		var num json.Number
		if err := json.Unmarshal(elem, &num); err != nil {
			return nil, frontier, fmt.Errorf("%w: arg %d: call args must be numbers or strings: %v", errs.InputInvalid, i, err)
		}
		switch params[paramIdx].Kind() {
		case wasmer.I64:
			n, err := num.Int64()
			if err != nil {
				return nil, frontier, fmt.Errorf("%w: arg %d: %v", errs.InputInvalid, i, err)
			}
			wasmArgs = append(wasmArgs, n)
		case wasmer.F32:
			f, err := num.Float64()
			if err != nil {
				return nil, frontier, fmt.Errorf("%w: arg %d: %v", errs.InputInvalid, i, err)
			}
			wasmArgs = append(wasmArgs, float32(f))
		case wasmer.F64:
			f, err := num.Float64()
			if err != nil {
				return nil, frontier, fmt.Errorf("%w: arg %d: %v", errs.InputInvalid, i, err)
			}
			wasmArgs = append(wasmArgs, f)
		default:
			n, err := num.Int64()
			if err != nil {
				return nil, frontier, fmt.Errorf("%w: arg %d: %v", errs.InputInvalid, i, err)
			}
			wasmArgs = append(wasmArgs, int32(n))
		}
		paramIdx++
	}
	return wasmArgs, frontier, nil
}

// registerHost wires the four host imports the sandbox exposes under the
// "env" namespace: gas metering, host_read/host_write, and logging.
// host_read and host_write only check that (ptr, len) lies inside linear
// memory (host_read then returns len); neither copies data nor touches
// contract storage. No
// other imports are offered, so a module cannot reach outside its
// sandbox.
func registerHost(store *wasmer.Store, ctx *hostCtx) *wasmer.ImportObject {
	consumeGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			op := args[0].I32()
			if err := ctx.meter.Consume(opcodeName(op)); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	read := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			data := ctx.mem.Data()
			if int(ptr) < 0 || int(ptr)+int(length) > len(data) {
				return nil, fmt.Errorf("host_read: out of bounds")
			}
			return []wasmer.Value{wasmer.NewI32(int32(length))}, nil
		})

	write := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			data := ctx.mem.Data()
			if int(ptr) < 0 || int(ptr)+int(length) > len(data) {
				return nil, fmt.Errorf("host_write: out of bounds")
			}
			return []wasmer.Value{}, nil
		})

	logFn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			data := ctx.mem.Data()
			if int(ptr) >= 0 && int(ptr)+int(length) <= len(data) {
				ctx.logs = append(ctx.logs, string(data[ptr:ptr+length]))
			}
			return []wasmer.Value{}, nil
		})

	imports := wasmer.NewImportObject()
	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_consume_gas": consumeGas,
		"host_read":        read,
		"host_write":       write,
		"host_log":         logFn,
	})
	return imports
}

// opcodeName maps the small integer a module passes to host_consume_gas
// back onto the canonical opcode name set. Contracts are compiled
// against a fixed table of these ids (the order of the Op constants in
// gas.go),
// so the mapping only needs to be stable, not semantically meaningful
// past that.
func opcodeName(id int32) string {
	names := []string{
		OpI32Const, OpI32Store8, OpI32Load8U, OpCall, OpBrIf, OpI32Store16, OpI32Load,
		OpI32Store, OpI32Load16U, OpI64Const, OpI64Load8U, OpI64Store, OpLocalSet, OpLocalGet,
		OpBr, OpBrTable, OpI32Add, OpI32Sub, OpI32Mul, OpI32DivS, OpI32DivU, OpI32RemS, OpI32RemU,
		OpI32And, OpI32Or, OpI32Xor, OpI32Shl, OpI32ShrS, OpI32ShrU, OpI32Eqz, OpI32Eq, OpI32Ne,
		OpI32LtS, OpI32LtU, OpI32GtS, OpI32GtU, OpI32LeS, OpI32LeU, OpI32GeS, OpI32GeU,
	}
	if id < 0 || int(id) >= len(names) {
		return "unknown"
	}
	return names[id]
}

// SandboxStatus returns the current sandbox bookkeeping for addr, if any.
func (h *WASMHost) SandboxStatus(addr Address) (SandboxInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sb, ok := h.sandboxes[addr]
	if !ok {
		return SandboxInfo{}, false
	}
	return *sb, true
}

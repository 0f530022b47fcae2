// Package answervm runs poll answer policies compiled to WebAssembly.
//
// A policy module exports "execute" and imports from "env":
//
//	gas(cost i32)               charge gas, aborting past the limit
//	input_len() i32             length of the question
//	read_input(ptr i32)         copy the question to ptr
//	write_output(ptr, len i32)  set the answer, at most MaxAnswerSize bytes
package answervm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
)

var (
	// ErrModuleNotFound is returned when a module ID is not found in the pool.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when execution runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")

	// ErrNoExecute is returned for modules without an execute export.
	ErrNoExecute = errors.New("execute function not exported")

	// ErrAnswerTooLarge is returned when a policy writes more than MaxAnswerSize.
	ErrAnswerTooLarge = errors.New("answer too large")
)

// MaxAnswerSize bounds a policy answer so it always fits one envelope.
const MaxAnswerSize = 16 << 10

// ModuleID is the blake3 hash of a module's bytes.
type ModuleID [32]byte

// String returns the hex form of the id.
func (id ModuleID) String() string {
	return hex.EncodeToString(id[:])
}

// Pool keeps compiled policy modules hot for fast instantiation.
type Pool struct {
	runtime wazero.Runtime                     // runtime is the wazero runtime instance
	modules map[ModuleID]wazero.CompiledModule // modules maps blake3 hash to compiled module
	mu      sync.RWMutex                       // mu protects modules map
	exec    sync.Mutex                         // exec serializes runs, the env host module is per run
}

// New creates a Pool. Executions stop when their context is done.
func New(ctx context.Context) *Pool {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	return &Pool{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		modules: make(map[ModuleID]wazero.CompiledModule),
	}
}

// Load compiles and stores a module, returning its id.
// Loading the same bytes twice compiles once.
func (p *Pool) Load(ctx context.Context, wasmBytes []byte) (ModuleID, error) {
	id := ModuleID(blake3.Sum256(wasmBytes))

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return ModuleID{}, fmt.Errorf("compile module:\n%w", err)
	}

	p.modules[id] = compiled

	return id, nil
}

// Execute runs a module with the given input and gas limit.
// Returns the output bytes and the amount of gas consumed.
func (p *Pool) Execute(ctx context.Context, id ModuleID, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return nil, 0, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	p.exec.Lock()
	defer p.exec.Unlock()

	return p.executeModule(ctx, compiled, input, gasLimit)
}

// executeModule instantiates and runs a compiled module.
func (p *Pool) executeModule(ctx context.Context, compiled wazero.CompiledModule, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	run := &policyRun{
		question: input,
		budget:   gasLimit,
	}

	hostModule, err := p.buildHostModule(ctx, run)
	if err != nil {
		return nil, 0, fmt.Errorf("build host module:\n%w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, run.spent, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	run.memory = instance.Memory()

	return callExecute(ctx, instance, run)
}

// callExecute calls the execute function on the instance.
func callExecute(ctx context.Context, instance api.Module, run *policyRun) ([]byte, uint64, error) {
	executeFn := instance.ExportedFunction("execute")
	if executeFn == nil {
		return nil, run.spent, ErrNoExecute
	}

	if _, err := executeFn.Call(ctx); err != nil {
		if run.outOfGas {
			return nil, run.spent, ErrGasExhausted
		}

		if run.tooLarge {
			return nil, run.spent, fmt.Errorf("%w: limit %d bytes", ErrAnswerTooLarge, MaxAnswerSize)
		}

		return nil, run.spent, fmt.Errorf("execute:\n%w", err)
	}

	return run.answer, run.spent, nil
}

// Unload removes a module from the pool.
func (p *Pool) Unload(ctx context.Context, id ModuleID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, exists := p.modules[id]; exists {
		compiled.Close(ctx)
		delete(p.modules, id)
	}
}

// Len returns the number of loaded modules.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.modules)
}

// Close releases all resources held by the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(ctx)
		delete(p.modules, id)
	}

	return p.runtime.Close(ctx)
}

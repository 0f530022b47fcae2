package answervm

import (
	"context"
	"fmt"
)

// DefaultGasLimit bounds one answer computation.
const DefaultGasLimit = 100_000

// Policy answers poll questions by running one module.
type Policy struct {
	pool     *Pool    // pool holds the compiled module
	id       ModuleID // id selects the module
	gasLimit uint64   // gasLimit bounds each run
}

// NewPolicy loads wasmBytes into pool. A zero gasLimit selects DefaultGasLimit.
func NewPolicy(ctx context.Context, pool *Pool, wasmBytes []byte, gasLimit uint64) (*Policy, error) {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	id, err := pool.Load(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("load policy:\n%w", err)
	}

	return &Policy{pool: pool, id: id, gasLimit: gasLimit}, nil
}

// ID returns the policy module id.
func (p *Policy) ID() ModuleID {
	return p.id
}

// Answer runs the policy on question.
func (p *Policy) Answer(ctx context.Context, question []byte) ([]byte, error) {
	out, _, err := p.pool.Execute(ctx, p.id, question, p.gasLimit)
	if err != nil {
		return nil, fmt.Errorf("policy %s:\n%w", p.id.String()[:16], err)
	}

	return out, nil
}

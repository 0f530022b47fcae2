package answervm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// policyRun is the host side of one answer computation. A policy that
// never calls write_output answers with an empty ballot.
type policyRun struct {
	question []byte     // question is the poll question being answered
	answer   []byte     // answer is the last ballot the guest published
	memory   api.Memory // memory is the guest linear memory
	budget   uint64     // budget is the gas the run may spend
	spent    uint64     // spent is the gas charged so far
	outOfGas bool       // outOfGas is set when spent passed budget
	tooLarge bool       // tooLarge is set when the guest published more than MaxAnswerSize
}

// buildHostModule exposes run to the guest as the "env" module.
func (p *Pool) buildHostModule(ctx context.Context, run *policyRun) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, cost uint32) {
			run.charge(cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(context.Context) uint32 {
			return uint32(len(run.question))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, ptr uint32) {
			run.readQuestion(ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, ptr, length uint32) {
			run.publish(ptr, length)
		}).
		Export("write_output").
		Instantiate(ctx)
}

// charge spends gas. Going over budget panics, which wazero turns into a
// failed call; the flag lets the caller report ErrGasExhausted instead.
func (r *policyRun) charge(cost uint32) {
	r.spent += uint64(cost)

	if r.spent > r.budget {
		r.outOfGas = true
		panic("gas exhausted")
	}
}

// readQuestion writes the question into guest memory.
func (r *policyRun) readQuestion(ptr uint32) {
	if r.memory == nil || len(r.question) == 0 {
		return
	}

	r.memory.Write(ptr, r.question)
}

// publish records the guest's answer, replacing any earlier one. An answer
// that would not fit in one ballot aborts the run.
func (r *policyRun) publish(ptr, length uint32) {
	if length > MaxAnswerSize {
		r.tooLarge = true
		panic("answer too large")
	}

	if r.memory == nil || length == 0 {
		return
	}

	data, ok := r.memory.Read(ptr, length)
	if !ok {
		return
	}

	r.answer = append(r.answer[:0:0], data...)
}

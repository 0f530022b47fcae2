package answervm

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// echoWasm charges 10 gas and answers with the question.
var echoWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x11, 0x04, 0x60,
	0x01, 0x7f, 0x00, 0x60, 0x00, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x00,
	0x60, 0x00, 0x00, 0x02, 0x3f, 0x04, 0x03, 0x65, 0x6e, 0x76, 0x03, 0x67,
	0x61, 0x73, 0x00, 0x00, 0x03, 0x65, 0x6e, 0x76, 0x09, 0x69, 0x6e, 0x70,
	0x75, 0x74, 0x5f, 0x6c, 0x65, 0x6e, 0x00, 0x01, 0x03, 0x65, 0x6e, 0x76,
	0x0a, 0x72, 0x65, 0x61, 0x64, 0x5f, 0x69, 0x6e, 0x70, 0x75, 0x74, 0x00,
	0x00, 0x03, 0x65, 0x6e, 0x76, 0x0c, 0x77, 0x72, 0x69, 0x74, 0x65, 0x5f,
	0x6f, 0x75, 0x74, 0x70, 0x75, 0x74, 0x00, 0x02, 0x03, 0x02, 0x01, 0x03,
	0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x14, 0x02, 0x06, 0x6d, 0x65, 0x6d,
	0x6f, 0x72, 0x79, 0x02, 0x00, 0x07, 0x65, 0x78, 0x65, 0x63, 0x75, 0x74,
	0x65, 0x00, 0x04, 0x0a, 0x12, 0x01, 0x10, 0x00, 0x41, 0x0a, 0x10, 0x00,
	0x41, 0x00, 0x10, 0x02, 0x41, 0x00, 0x10, 0x01, 0x10, 0x03, 0x0b,
}

// spinWasm charges 1 gas per loop iteration forever.
var spinWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x11, 0x04, 0x60,
	0x01, 0x7f, 0x00, 0x60, 0x00, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x00,
	0x60, 0x00, 0x00, 0x02, 0x3f, 0x04, 0x03, 0x65, 0x6e, 0x76, 0x03, 0x67,
	0x61, 0x73, 0x00, 0x00, 0x03, 0x65, 0x6e, 0x76, 0x09, 0x69, 0x6e, 0x70,
	0x75, 0x74, 0x5f, 0x6c, 0x65, 0x6e, 0x00, 0x01, 0x03, 0x65, 0x6e, 0x76,
	0x0a, 0x72, 0x65, 0x61, 0x64, 0x5f, 0x69, 0x6e, 0x70, 0x75, 0x74, 0x00,
	0x00, 0x03, 0x65, 0x6e, 0x76, 0x0c, 0x77, 0x72, 0x69, 0x74, 0x65, 0x5f,
	0x6f, 0x75, 0x74, 0x70, 0x75, 0x74, 0x00, 0x02, 0x03, 0x02, 0x01, 0x03,
	0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x14, 0x02, 0x06, 0x6d, 0x65, 0x6d,
	0x6f, 0x72, 0x79, 0x02, 0x00, 0x07, 0x65, 0x78, 0x65, 0x63, 0x75, 0x74,
	0x65, 0x00, 0x04, 0x0a, 0x0d, 0x01, 0x0b, 0x00, 0x03, 0x40, 0x41, 0x01,
	0x10, 0x00, 0x0c, 0x00, 0x0b, 0x0b,
}

// noExecWasm only exports memory.
var noExecWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x11, 0x04, 0x60,
	0x01, 0x7f, 0x00, 0x60, 0x00, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x00,
	0x60, 0x00, 0x00, 0x02, 0x3f, 0x04, 0x03, 0x65, 0x6e, 0x76, 0x03, 0x67,
	0x61, 0x73, 0x00, 0x00, 0x03, 0x65, 0x6e, 0x76, 0x09, 0x69, 0x6e, 0x70,
	0x75, 0x74, 0x5f, 0x6c, 0x65, 0x6e, 0x00, 0x01, 0x03, 0x65, 0x6e, 0x76,
	0x0a, 0x72, 0x65, 0x61, 0x64, 0x5f, 0x69, 0x6e, 0x70, 0x75, 0x74, 0x00,
	0x00, 0x03, 0x65, 0x6e, 0x76, 0x0c, 0x77, 0x72, 0x69, 0x74, 0x65, 0x5f,
	0x6f, 0x75, 0x74, 0x70, 0x75, 0x74, 0x00, 0x02, 0x05, 0x03, 0x01, 0x00,
	0x01, 0x07, 0x0a, 0x01, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02,
	0x00,
}

func newPool(t *testing.T) *Pool {
	t.Helper()

	pool := New(context.Background())
	t.Cleanup(func() { pool.Close(context.Background()) })

	return pool
}

// TestPool_LoadAndExecute tests loading a module and executing it.
func TestPool_LoadAndExecute(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	id, err := pool.Load(ctx, echoWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out, gas, err := pool.Execute(ctx, id, []byte("blue"), 1000)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if string(out) != "blue" {
		t.Errorf("output: got %q, want blue", out)
	}

	if gas != 10 {
		t.Errorf("gas: got %d, want 10", gas)
	}

	again, err := pool.Load(ctx, echoWasm)
	if err != nil || again != id || pool.Len() != 1 {
		t.Errorf("reload: id %s, len %d, err %v", again, pool.Len(), err)
	}
}

// TestPool_GasExhausted tests that execution stops when gas is exhausted.
func TestPool_GasExhausted(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	id, err := pool.Load(ctx, spinWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, gas, err := pool.Execute(ctx, id, nil, 500)
	if !errors.Is(err, ErrGasExhausted) {
		t.Fatalf("expected ErrGasExhausted, got %v", err)
	}

	if gas != 501 {
		t.Errorf("gas: got %d, want 501", gas)
	}

	// The pool stays usable after an aborted run.
	if _, _, err := pool.Execute(ctx, id, nil, 10); !errors.Is(err, ErrGasExhausted) {
		t.Errorf("second run: %v", err)
	}
}

// TestPool_AnswerTooLarge tests that oversized answers abort the run.
func TestPool_AnswerTooLarge(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	id, err := pool.Load(ctx, echoWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	big := bytes.Repeat([]byte("a"), MaxAnswerSize+1)
	if _, _, err := pool.Execute(ctx, id, big, 1000); !errors.Is(err, ErrAnswerTooLarge) {
		t.Fatalf("expected ErrAnswerTooLarge, got %v", err)
	}

	fits := bytes.Repeat([]byte("b"), MaxAnswerSize)
	out, _, err := pool.Execute(ctx, id, fits, 1000)
	if err != nil {
		t.Fatalf("execute at limit: %v", err)
	}

	if !bytes.Equal(out, fits) {
		t.Errorf("answer at limit: got %d bytes", len(out))
	}
}

// TestPool_ContextDone tests that a cancelled context stops a long run.
func TestPool_ContextDone(t *testing.T) {
	pool := newPool(t)

	id, err := pool.Load(context.Background(), spinWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := pool.Execute(ctx, id, nil, 1<<62); err == nil || errors.Is(err, ErrGasExhausted) {
		t.Errorf("expected context error, got %v", err)
	}
}

// TestPool_ModuleNotFound tests that executing an unknown module returns an error.
func TestPool_ModuleNotFound(t *testing.T) {
	pool := newPool(t)

	_, _, err := pool.Execute(context.Background(), ModuleID{}, nil, 1000)
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("expected ErrModuleNotFound, got %v", err)
	}
}

// TestPool_NoExecute tests a module without the execute export.
func TestPool_NoExecute(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	id, err := pool.Load(ctx, noExecWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, _, err := pool.Execute(ctx, id, nil, 1000); !errors.Is(err, ErrNoExecute) {
		t.Errorf("expected ErrNoExecute, got %v", err)
	}
}

// TestPool_InvalidModule tests that garbage fails to compile.
func TestPool_InvalidModule(t *testing.T) {
	pool := newPool(t)

	if _, err := pool.Load(context.Background(), []byte("not wasm")); err == nil {
		t.Fatal("expected compile error")
	}
}

// TestPool_Unload tests removing a module.
func TestPool_Unload(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	id, err := pool.Load(ctx, echoWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pool.Unload(ctx, id)

	if _, _, err := pool.Execute(ctx, id, nil, 1000); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("expected ErrModuleNotFound after unload, got %v", err)
	}
}

// TestPolicy_Concurrent tests concurrent answers through one policy.
func TestPolicy_Concurrent(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	policy, err := NewPolicy(ctx, pool, echoWasm, 0)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			q := []byte{byte('a' + i)}
			a, err := policy.Answer(ctx, q)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(a, q) {
				errs <- errors.New("answer mismatch")
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// panics reports whether fn panicked.
func panics(fn func()) (did bool) {
	defer func() { did = recover() != nil }()
	fn()
	return false
}

// TestPolicyRun_Limits tests gas and answer size accounting without a guest.
func TestPolicyRun_Limits(t *testing.T) {
	run := &policyRun{budget: 5}

	run.charge(5)
	if run.outOfGas {
		t.Fatal("spending the whole budget marked the run out of gas")
	}

	if !panics(func() { run.charge(1) }) || !run.outOfGas || run.spent != 6 {
		t.Errorf("over budget: outOfGas %v, spent %d", run.outOfGas, run.spent)
	}

	if panics(func() { run.publish(0, MaxAnswerSize) }) || run.tooLarge {
		t.Error("answer at the size limit was rejected")
	}

	if !panics(func() { run.publish(0, MaxAnswerSize+1) }) || !run.tooLarge {
		t.Error("oversized answer was not rejected")
	}

	if run.answer != nil {
		t.Errorf("answer published without guest memory: %q", run.answer)
	}
}

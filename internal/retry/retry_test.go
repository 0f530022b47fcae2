package retry

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"Flock/internal/timer/timertest"
)

// TestLoopDefaults tests the unbounded fixed-interval default.
func TestLoopDefaults(t *testing.T) {
	sched := timertest.NewManual()

	loop, err := NewLoop(sched, Policy{}, func() {})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	if n := loop.Begin(); n != 1 {
		t.Fatalf("first attempt: got %d, want 1", n)
	}

	if loop.Interval() != DefaultInterval {
		t.Errorf("interval: got %v, want %v", loop.Interval(), DefaultInterval)
	}

	for i := 2; i <= 50; i++ {
		n, ok := loop.Next()
		if !ok || n != i {
			t.Fatalf("attempt %d: got (%d, %v)", i, n, ok)
		}
	}

	// A fixed interval never re-arms.
	if got := len(sched.Handles()); got != 1 {
		t.Errorf("armed timers: got %d, want 1", got)
	}
}

// TestLoopMaxAttempts tests that Next refuses once the cap is reached.
func TestLoopMaxAttempts(t *testing.T) {
	loop, err := NewLoop(timertest.NewManual(), Policy{MaxAttempts: 3}, func() {})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	loop.Begin()
	loop.Next()
	loop.Next()

	if n, ok := loop.Next(); ok || n != 3 {
		t.Errorf("after cap: got (%d, %v), want (3, false)", n, ok)
	}
}

// TestLoopExponential tests growing intervals with a cap.
func TestLoopExponential(t *testing.T) {
	sched := timertest.NewManual()

	loop, err := NewLoop(sched, Policy{
		Interval:    time.Second,
		Multiplier:  2,
		MaxInterval: 5 * time.Second,
	}, func() {})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	loop.Begin()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}

	if loop.Interval() != want[0] {
		t.Fatalf("interval 0: got %v", loop.Interval())
	}

	for i := 1; i < len(want); i++ {
		loop.Next()
		if loop.Interval() != want[i] {
			t.Fatalf("interval %d: got %v, want %v", i, loop.Interval(), want[i])
		}
	}

	// Only the final re-arm is live.
	if sched.Live() != 1 {
		t.Errorf("live timers: got %d, want 1", sched.Live())
	}
}

// TestLoopStopOnce tests that Stop cancels the timer exactly once.
func TestLoopStopOnce(t *testing.T) {
	sched := timertest.NewManual()

	loop, err := NewLoop(sched, Policy{}, func() {})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	loop.Begin()
	loop.Stop()
	loop.Stop()
	loop.Stop()

	if sched.Cancels() != 1 {
		t.Errorf("cancels: got %d, want 1", sched.Cancels())
	}

	if _, ok := loop.Next(); ok {
		t.Error("next after stop should fail")
	}
}

// TestLoopTicks tests that timer fires reach the callback.
func TestLoopTicks(t *testing.T) {
	sched := timertest.NewManual()

	var ticks int
	loop, err := NewLoop(sched, Policy{}, func() { ticks++ })
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	loop.Begin()
	sched.Fire()
	sched.Fire()
	loop.Stop()
	sched.Fire()

	if ticks != 2 {
		t.Errorf("ticks: got %d, want 2", ticks)
	}
}

// TestPolicyValidate tests rejection of negative values.
func TestPolicyValidate(t *testing.T) {
	bad := []Policy{
		{Interval: -1},
		{MaxAttempts: -1},
		{Multiplier: -2},
		{MaxInterval: -time.Second},
	}

	for _, p := range bad {
		if _, err := NewLoop(timertest.NewManual(), p, func() {}); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("policy %+v: got %v, want ErrInvalidPolicy", p, err)
		}
	}
}

// TestLoopAttemptsProperty checks that attempts never exceed the cap.
func TestLoopAttemptsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAttempts := rapid.IntRange(0, 20).Draw(t, "max")
		calls := rapid.IntRange(0, 40).Draw(t, "calls")

		loop, err := NewLoop(timertest.NewManual(), Policy{MaxAttempts: maxAttempts}, func() {})
		if err != nil {
			t.Fatalf("new loop: %v", err)
		}

		loop.Begin()
		for i := 0; i < calls; i++ {
			loop.Next()
		}

		want := 1 + calls
		if maxAttempts > 0 && want > maxAttempts {
			want = maxAttempts
		}

		if loop.Attempts() != want {
			t.Fatalf("attempts: got %d, want %d", loop.Attempts(), want)
		}
	})
}

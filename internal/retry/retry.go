// Package retry drives cancellable periodic retries on a timer.Scheduler.
//
// A Loop only counts attempts and re-arms its timer; deciding whether a
// tick should still act is left to the caller.
package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"Flock/internal/timer"
)

const (
	// DefaultInterval is the retry period when none is configured.
	DefaultInterval = 2 * time.Second
)

var (
	// ErrAttemptsExhausted is returned once MaxAttempts sends were made without success.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidPolicy is returned for negative or inconsistent policy values.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Policy configures a retry schedule.
// The zero value retries forever every DefaultInterval.
type Policy struct {
	Interval    time.Duration `yaml:"interval"`     // Interval is the first (or only) retry period
	MaxAttempts int           `yaml:"max_attempts"` // MaxAttempts caps sends, 0 means unlimited
	Multiplier  float64       `yaml:"multiplier"`   // Multiplier grows the period, <= 1 keeps it fixed
	MaxInterval time.Duration `yaml:"max_interval"` // MaxInterval caps a growing period, 0 means uncapped
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	switch {
	case p.Interval < 0:
		return fmt.Errorf("%w: negative interval %v", ErrInvalidPolicy, p.Interval)
	case p.MaxAttempts < 0:
		return fmt.Errorf("%w: negative max attempts %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.Multiplier < 0:
		return fmt.Errorf("%w: negative multiplier %v", ErrInvalidPolicy, p.Multiplier)
	case p.MaxInterval < 0:
		return fmt.Errorf("%w: negative max interval %v", ErrInvalidPolicy, p.MaxInterval)
	}

	return nil
}

// WithDefaults fills unset fields.
func (p Policy) WithDefaults() Policy {
	if p.Interval == 0 {
		p.Interval = DefaultInterval
	}

	return p
}

// schedule builds the backoff sequence for the policy.
func (p Policy) schedule() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Interval)
	}

	maxInterval := p.MaxInterval
	if maxInterval == 0 {
		maxInterval = time.Duration(1<<63 - 1)
	}

	return &backoff.ExponentialBackOff{
		InitialInterval:     p.Interval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         maxInterval,
	}
}

// Loop is one retry sequence. It is created per round and never reused.
type Loop struct {
	sched    timer.Scheduler // sched arms the periodic timer
	policy   Policy          // policy is the validated policy with defaults
	backoff  backoff.BackOff // backoff yields successive intervals
	onTick   func()          // onTick runs on every timer fire
	handle   timer.Handle    // handle is the currently armed timer
	interval time.Duration   // interval is the period handle was armed with
	attempts int             // attempts counts recorded sends
	stopped  bool            // stopped is set once Stop ran

	mu sync.Mutex // mu protects the fields above
}

// NewLoop creates a loop that calls onTick on every retry period.
// The timer is not armed until Begin.
func NewLoop(sched timer.Scheduler, policy Policy, onTick func()) (*Loop, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	policy = policy.WithDefaults()

	return &Loop{
		sched:   sched,
		policy:  policy,
		backoff: policy.schedule(),
		onTick:  onTick,
	}, nil
}

// Begin records attempt #1 and arms the timer.
func (l *Loop) Begin() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || l.attempts > 0 {
		return l.attempts
	}

	l.attempts = 1
	l.armLocked(l.backoff.NextBackOff())

	return l.attempts
}

// Next records one more attempt and returns its number.
// It returns false, without recording, when the loop is stopped or MaxAttempts was reached.
func (l *Loop) Next() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return l.attempts, false
	}

	if l.policy.MaxAttempts > 0 && l.attempts >= l.policy.MaxAttempts {
		return l.attempts, false
	}

	l.attempts++

	next := l.backoff.NextBackOff()
	if next != backoff.Stop && next != l.interval {
		l.handle.Cancel()
		l.armLocked(next)
	}

	return l.attempts, true
}

// Stop cancels the timer. Only the first call has an effect.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}

	l.stopped = true

	if l.handle != nil {
		l.handle.Cancel()
	}
}

// Attempts returns the number of recorded attempts.
func (l *Loop) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.attempts
}

// Interval returns the period the timer is currently armed with.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.interval
}

// armLocked arms the timer. Caller must hold mu.
func (l *Loop) armLocked(interval time.Duration) {
	l.interval = interval
	l.handle = l.sched.Every(interval, l.onTick)
}

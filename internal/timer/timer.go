package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Handle is an armed periodic timer.
type Handle interface {
	// Cancel stops the timer. It is idempotent and no tick is delivered
	// once Cancel has returned.
	Cancel()
}

// Scheduler fires callbacks at a fixed interval until cancelled.
type Scheduler interface {
	Every(interval time.Duration, fn func()) Handle
}

// ClockScheduler is a Scheduler driven by a clock.Clock.
// Production code uses the wall clock; tests can pass clock.NewMock().
type ClockScheduler struct {
	clock clock.Clock // clock is the time source for tickers
}

// NewScheduler creates a Scheduler on the given clock.
// A nil clock selects the wall clock.
func NewScheduler(c clock.Clock) *ClockScheduler {
	if c == nil {
		c = clock.New()
	}

	return &ClockScheduler{clock: c}
}

// Clock returns the scheduler's time source.
func (s *ClockScheduler) Clock() clock.Clock {
	return s.clock
}

// Every starts a ticker calling fn every interval on a dedicated goroutine.
func (s *ClockScheduler) Every(interval time.Duration, fn func()) Handle {
	h := &tickerHandle{
		ticker: s.clock.Ticker(interval),
		stop:   make(chan struct{}),
	}

	go h.loop(fn)

	return h
}

// tickerHandle owns one ticker goroutine.
type tickerHandle struct {
	ticker    *clock.Ticker // ticker delivers the periodic ticks
	stop      chan struct{} // stop is closed on Cancel
	once      sync.Once     // once guards stop
	cancelled atomic.Bool   // cancelled is checked before every callback
}

// Cancel stops the ticker. Safe to call any number of times.
func (h *tickerHandle) Cancel() {
	h.once.Do(func() {
		h.cancelled.Store(true)
		close(h.stop)
	})
}

// loop delivers ticks until cancelled.
func (h *tickerHandle) loop(fn func()) {
	defer h.ticker.Stop()

	for {
		select {
		case <-h.ticker.C:
			// A tick may race Cancel inside select; the flag settles it.
			if h.cancelled.Load() {
				return
			}

			fn()
		case <-h.stop:
			return
		}
	}
}

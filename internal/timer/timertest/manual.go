// Package timertest provides a hand-driven timer.Scheduler for tests.
package timertest

import (
	"sync"
	"time"

	"Flock/internal/timer"
)

// Manual is a Scheduler whose ticks are fired explicitly by the test.
type Manual struct {
	mu      sync.Mutex
	handles []*Handle
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// Every registers fn; it only runs when the test calls Fire.
func (m *Manual) Every(interval time.Duration, fn func()) timer.Handle {
	h := &Handle{interval: interval, fn: fn}

	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()

	return h
}

// Fire ticks every live handle once and returns how many fired.
func (m *Manual) Fire() int {
	m.mu.Lock()
	live := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if !h.Cancelled() {
			live = append(live, h)
		}
	}
	m.mu.Unlock()

	for _, h := range live {
		h.fn()
	}

	return len(live)
}

// Handles returns every handle ever armed, in arming order.
func (m *Manual) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Handle, len(m.handles))
	copy(out, m.handles)

	return out
}

// Live returns the number of handles not yet cancelled.
func (m *Manual) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.handles {
		if !h.Cancelled() {
			n++
		}
	}

	return n
}

// Cancels sums Cancel calls over all handles.
func (m *Manual) Cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.handles {
		n += h.CancelCount()
	}

	return n
}

// Handle is a manual timer handle that counts cancellations.
type Handle struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	cancels int
}

// Cancel marks the handle cancelled. Repeated calls are counted.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancels++
	h.mu.Unlock()
}

// Cancelled reports whether Cancel was called at least once.
func (h *Handle) Cancelled() bool {
	return h.CancelCount() > 0
}

// CancelCount returns how many times Cancel was called.
func (h *Handle) CancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cancels
}

// Fire runs the callback once unless the handle was cancelled.
func (h *Handle) Fire() bool {
	if h.Cancelled() {
		return false
	}

	h.fn()

	return true
}

// Interval returns the interval the handle was armed with.
func (h *Handle) Interval() time.Duration {
	return h.interval
}

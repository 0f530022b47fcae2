package round

import "sync"

// Mailbox runs posted events one at a time, in posting order, on a single
// goroutine. Every event of a round goes through its mailbox, so round
// state needs no further locking.
type Mailbox struct {
	queue  []func()      // queue holds events not yet run
	closed bool          // closed rejects further posts
	mu     sync.Mutex    // mu protects queue and closed
	wake   chan struct{} // wake signals the run loop
	done   chan struct{} // done is closed when the run loop exits
}

// NewMailbox creates a mailbox and starts its goroutine.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go m.run()

	return m
}

// Post enqueues fn. It never blocks and returns false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}

	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	m.signal()

	return true
}

// Close stops accepting events. Already queued events still run.
// It does not wait and may be called from inside an event.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	m.mu.Unlock()

	m.signal()
}

// Done is closed after Close once the queue is drained.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Sync waits until every event posted before it has run.
// It returns false if the mailbox was already closed.
// Must not be called from inside an event.
func (m *Mailbox) Sync() bool {
	barrier := make(chan struct{})
	if !m.Post(func() { close(barrier) }) {
		<-m.done
		return false
	}

	<-barrier

	return true
}

// signal wakes the run loop without blocking.
func (m *Mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run executes events until the mailbox is closed and empty.
func (m *Mailbox) run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}

		if closed {
			return
		}

		<-m.wake
	}
}

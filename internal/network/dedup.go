package network

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen frame hashes.
	defaultDedupTTL = 5 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup drops frames seen within a TTL. Retries and probes carry a
// sequence number, so only true duplicates of one send collide.
type Dedup struct {
	clock clock.Clock            // clock is the time source
	seen  map[[32]byte]time.Time // seen maps frame hash to first sighting
	mu    sync.Mutex             // mu protects seen
	ttl   time.Duration          // ttl is how long a hash is remembered
	stop  chan struct{}          // stop signals the cleanup goroutine
	once  sync.Once              // once guards stop
	wg    sync.WaitGroup         // wg waits for the cleanup goroutine
}

// NewDedup creates a filter remembering hashes for ttl.
// A nil clock selects the wall clock and a zero ttl the default.
func NewDedup(clk clock.Clock, ttl time.Duration) *Dedup {
	if clk == nil {
		clk = clock.New()
	}

	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		clock: clk,
		seen:  make(map[[32]byte]time.Time),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.cleanupLoop()

	return d
}

// Check returns true if data was not seen within the TTL, and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now.Sub(ts) < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (d *Dedup) Close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// cleanupLoop periodically forgets expired hashes.
func (d *Dedup) cleanupLoop() {
	defer d.wg.Done()

	ticker := d.clock.Ticker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stop:
			return
		}
	}
}

// cleanup removes expired entries.
func (d *Dedup) cleanup() {
	now := d.clock.Now()

	d.mu.Lock()
	for hash, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, hash)
		}
	}
	d.mu.Unlock()
}

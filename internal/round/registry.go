package round

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// defaultTombstones is how many retired round IDs are remembered.
	defaultTombstones = 4096
)

// Status classifies a round ID looked up in a Registry.
type Status int

const (
	// Unknown means the ID was never registered here (or its tombstone was evicted).
	Unknown Status = iota
	// Live means the round is running and accepts replies.
	Live
	// Stale means the round has ended; replies to it are dropped.
	Stale
)

// String returns a lowercase status name.
func (s Status) String() string {
	switch s {
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Registry maps live round IDs to their inbound sinks.
type Registry[T any] struct {
	live       map[ID]T                 // live maps running rounds to sinks
	tombstones *lru.Cache[ID, struct{}] // tombstones remembers recently retired rounds
	mu         sync.RWMutex             // mu protects live
}

// NewRegistry creates a registry remembering up to tombstones retired IDs.
// A non-positive value selects the default.
func NewRegistry[T any](tombstones int) *Registry[T] {
	if tombstones <= 0 {
		tombstones = defaultTombstones
	}

	// lru.New only fails on a non-positive size.
	cache, _ := lru.New[ID, struct{}](tombstones)

	return &Registry[T]{
		live:       make(map[ID]T),
		tombstones: cache,
	}
}

// Register makes id live with the given sink.
func (r *Registry[T]) Register(id ID, sink T) {
	r.mu.Lock()
	r.live[id] = sink
	r.mu.Unlock()

	r.tombstones.Remove(id)
}

// Retire removes id from the live set and records a tombstone.
func (r *Registry[T]) Retire(id ID) {
	r.mu.Lock()
	_, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()

	if ok {
		r.tombstones.Add(id, struct{}{})
	}
}

// Lookup returns the sink for id and its status.
func (r *Registry[T]) Lookup(id ID) (T, Status) {
	r.mu.RLock()
	sink, ok := r.live[id]
	r.mu.RUnlock()

	if ok {
		return sink, Live
	}

	var zero T
	if r.tombstones.Contains(id) {
		return zero, Stale
	}

	return zero, Unknown
}

// Len returns the number of live rounds.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.live)
}

// Package poll runs time-bounded polls: it keeps probing the group for
// members of a team, asks each newly discovered member one question, and
// closes the tally at a deadline.
package poll

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"Flock/internal/logger"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/retry"
	"Flock/internal/round"
	"Flock/internal/timer"
	"Flock/internal/wire"
)

const (
	// DefaultProbeInterval is the report probe period.
	DefaultProbeInterval = 2 * time.Second

	// recentRounds is how many closed rounds stay reachable through Lookup.
	recentRounds = 256
)

// ErrInvalidDuration is returned by Start for a non-positive duration.
var ErrInvalidDuration = errors.New("poll duration must be positive")

// Transport is the group access a Coordinator needs.
type Transport interface {
	// Self returns the local peer id, used as the reply address.
	Self() network.PeerID
	// BroadcastRole sends msg to every member of role.
	BroadcastRole(role string, msg wire.Message) (int, error)
	// SendTo unicasts msg to peer.
	SendTo(peer network.PeerID, msg wire.Message) error
	// Subscribe routes replies for round id to sink until Unsubscribe.
	Subscribe(id round.ID, sink func(from network.PeerID, msg wire.Message))
	// Unsubscribe retires round id.
	Unsubscribe(id round.ID)
}

// Config holds the dependencies and settings of a Coordinator.
type Config struct {
	Transport     Transport        // Transport addresses the group
	Role          string           // Role is the responder role probed by every poll
	ProbeInterval time.Duration    // ProbeInterval is the report period, zero means 2 s
	Scheduler     timer.Scheduler  // Scheduler arms probe and deadline timers, nil uses Clock
	Clock         clock.Clock      // Clock decides deadlines, nil uses the wall clock
	Metrics       *metrics.Metrics // Metrics records probes, asks and answers, nil creates a private set
	OnSendError   func(error)      // OnSendError observes failed sends; they never end a round
	OnClosed      func(Tally)      // OnClosed observes every closed poll, e.g. for archiving
}

// Coordinator starts and tracks poll rounds. Rounds run independently.
type Coordinator struct {
	cfg Config // cfg is the validated configuration

	live   map[round.ID]*Round          // live holds collecting rounds
	recent *lru.Cache[round.ID, *Round] // recent holds recently closed rounds
	mu     sync.Mutex                   // mu protects live
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if cfg.Role == "" {
		return nil, fmt.Errorf("role is required")
	}

	if cfg.ProbeInterval < 0 {
		return nil, fmt.Errorf("negative probe interval %v", cfg.ProbeInterval)
	}

	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.NewScheduler(cfg.Clock)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	recent, err := lru.New[round.ID, *Round](recentRounds)
	if err != nil {
		return nil, fmt.Errorf("create recent cache:\n%w", err)
	}

	return &Coordinator{
		cfg:    cfg,
		live:   make(map[round.ID]*Round),
		recent: recent,
	}, nil
}

// Start opens a poll asking question to every member of selector's team
// discovered before now+duration. It returns without waiting.
func (c *Coordinator) Start(selector string, question []byte, duration time.Duration) (*Round, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}

	now := c.cfg.Clock.Now()

	r := &Round{
		coord:    c,
		box:      round.NewMailbox(),
		done:     make(chan struct{}),
		answers:  make(map[network.PeerID][]byte),
		selector: selector,
		question: question,
		id:       round.NewID(),
		started:  now,
		deadline: now.Add(duration),
	}

	loop, err := retry.NewLoop(c.cfg.Scheduler, retry.Policy{Interval: c.cfg.ProbeInterval}, func() { r.box.Post(r.onTick) })
	if err != nil {
		r.box.Close()
		return nil, err
	}

	r.probes = loop
	r.deadlineTimer = c.cfg.Scheduler.Every(duration, func() { r.box.Post(r.onDeadline) })

	c.mu.Lock()
	c.live[r.id] = r
	c.mu.Unlock()

	c.cfg.Transport.Subscribe(r.id, r.deliver)
	c.cfg.Metrics.ActiveRounds.WithLabelValues("poll").Inc()

	r.box.Post(r.begin)

	logger.Info("poll started",
		"round", r.id,
		"selector", selector,
		"duration", duration,
	)

	return r, nil
}

// Lookup returns a collecting or recently closed round.
func (c *Coordinator) Lookup(id round.ID) (*Round, bool) {
	c.mu.Lock()
	r, ok := c.live[id]
	c.mu.Unlock()

	if ok {
		return r, true
	}

	return c.recent.Get(id)
}

// Rounds returns collecting rounds followed by recently closed ones.
func (c *Coordinator) Rounds() []*Round {
	c.mu.Lock()
	out := make([]*Round, 0, len(c.live)+c.recent.Len())
	for _, r := range c.live {
		out = append(out, r)
	}
	c.mu.Unlock()

	return append(out, c.recent.Values()...)
}

// Close closes every collecting round early and waits for them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	rounds := make([]*Round, 0, len(c.live))
	for _, r := range c.live {
		rounds = append(rounds, r)
	}
	c.mu.Unlock()

	for _, r := range rounds {
		r.box.Post(r.close)
		<-r.box.Done()
	}
}

// retire moves a closed round from live to recent.
func (c *Coordinator) retire(r *Round) {
	c.mu.Lock()
	delete(c.live, r.id)
	c.mu.Unlock()

	c.recent.Add(r.id, r)
}

// reportSendError logs, counts and forwards a failed send.
func (c *Coordinator) reportSendError(op string, r *Round, err error) {
	c.cfg.Metrics.SendErrors.WithLabelValues(op).Inc()

	if errors.Is(err, network.ErrNoMembers) {
		logger.Debug("poll send failed", "op", op, "round", r.id, "error", err)
	} else {
		logger.Warn("poll send failed", "op", op, "round", r.id, "error", err)
	}

	if c.cfg.OnSendError != nil {
		c.cfg.OnSendError(fmt.Errorf("%s round %s:\n%w", op, r.id, err))
	}
}

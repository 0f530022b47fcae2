// Package rendezvous finds one member of a role by re-anycasting a request
// until the first reply is accepted.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"Flock/internal/logger"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/retry"
	"Flock/internal/round"
	"Flock/internal/timer"
	"Flock/internal/wire"
)

var (
	// ErrRoundInFlight is returned by Start while the previous round is pending.
	ErrRoundInFlight = errors.New("rendezvous round already in flight")

	// ErrTimeout is returned by Await when the caller's context ends first.
	// The round itself keeps running.
	ErrTimeout = errors.New("rendezvous wait timed out")

	// ErrRoundCancelled is the result of a round ended by Cancel.
	ErrRoundCancelled = errors.New("rendezvous round cancelled")

	// ErrNoRound is returned by Requester.Await before any Start.
	ErrNoRound = errors.New("no rendezvous round started")

	// ErrAttemptsExhausted is the result of a round that hit its attempt cap.
	ErrAttemptsExhausted = retry.ErrAttemptsExhausted
)

// Transport is the group access a Requester needs.
type Transport interface {
	// Self returns the local peer id, used as the reply address.
	Self() network.PeerID
	// Anycast sends msg to one member of role and returns who was chosen.
	Anycast(role string, msg wire.Message) (network.PeerID, error)
	// SendTo unicasts msg to peer.
	SendTo(peer network.PeerID, msg wire.Message) error
	// Subscribe routes replies for round id to sink until Unsubscribe.
	Subscribe(id round.ID, sink func(from network.PeerID, msg wire.Message))
	// Unsubscribe retires round id.
	Unsubscribe(id round.ID)
}

// Config holds the dependencies and settings of a Requester.
type Config struct {
	Transport   Transport        // Transport addresses the group
	Role        string           // Role is the anycast target role
	Policy      retry.Policy     // Policy is the retry schedule, zero means every 2 s forever
	Scheduler   timer.Scheduler  // Scheduler arms retry timers, nil uses Clock
	Clock       clock.Clock      // Clock timestamps rounds, nil uses the wall clock
	Metrics     *metrics.Metrics // Metrics records attempts and outcomes, nil creates a private set
	OnSendError func(error)      // OnSendError observes failed sends; they never end a round
}

// Requester runs rendezvous rounds one at a time.
type Requester struct {
	cfg Config // cfg is the validated configuration

	current *Round     // current is the most recent round
	mu      sync.Mutex // mu protects current
}

// New creates a Requester.
func New(cfg Config) (*Requester, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if cfg.Role == "" {
		return nil, fmt.Errorf("role is required")
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
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

	return &Requester{cfg: cfg}, nil
}

// StartOption customizes a single round.
type StartOption func(*Round)

// WithHandoff makes the round unicast data to the accepted responder once.
func WithHandoff(data []byte) StartOption {
	return func(r *Round) {
		r.handoff = data
	}
}

// Start begins a round for payload and returns without waiting.
// The first anycast attempt is sent from the round's mailbox.
func (q *Requester) Start(payload []byte, opts ...StartOption) (*Round, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Phase() == Pending {
		return nil, fmt.Errorf("%w: %s", ErrRoundInFlight, q.current.id)
	}

	r := &Round{
		id:      round.NewID(),
		payload: payload,
		req:     q,
		box:     round.NewMailbox(),
		started: q.cfg.Clock.Now(),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	loop, err := retry.NewLoop(q.cfg.Scheduler, q.cfg.Policy, func() { r.box.Post(r.onTick) })
	if err != nil {
		r.box.Close()
		return nil, err
	}

	r.loop = loop

	q.cfg.Transport.Subscribe(r.id, r.deliver)
	q.cfg.Metrics.ActiveRounds.WithLabelValues("rendezvous").Inc()
	q.current = r

	r.box.Post(r.begin)

	logger.Debug("rendezvous started", "round", r.id, "role", q.cfg.Role, "bytes", len(payload))

	return r, nil
}

// Current returns the most recent round, or nil.
func (q *Requester) Current() *Round {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.current
}

// Await waits for the most recent round.
func (q *Requester) Await(ctx context.Context) (Result, error) {
	r := q.Current()
	if r == nil {
		return Result{}, ErrNoRound
	}

	return r.Await(ctx)
}

// Close cancels the pending round, if any, and waits for it to end.
func (q *Requester) Close() {
	r := q.Current()
	if r == nil {
		return
	}

	r.Cancel()
	<-r.box.Done()
}

// reportSendError logs, counts and forwards a failed send.
func (q *Requester) reportSendError(op string, r *Round, err error) {
	q.cfg.Metrics.SendErrors.WithLabelValues(op).Inc()

	if errors.Is(err, network.ErrNoMembers) {
		logger.Debug("rendezvous send failed", "op", op, "round", r.id, "error", err)
	} else {
		logger.Warn("rendezvous send failed", "op", op, "round", r.id, "error", err)
	}

	if q.cfg.OnSendError != nil {
		q.cfg.OnSendError(fmt.Errorf("%s round %s:\n%w", op, r.id, err))
	}
}

// elapsed returns the time since t on the requester clock.
func (q *Requester) elapsed(t time.Time) time.Duration {
	return q.cfg.Clock.Since(t)
}

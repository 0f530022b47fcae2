package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Flock/internal/logger"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/retry"
	"Flock/internal/round"
	"Flock/internal/wire"
)

// Phase is the lifecycle state of a round.
type Phase int

const (
	// Pending rounds are still retrying.
	Pending Phase = iota
	// Satisfied rounds accepted exactly one reply.
	Satisfied
	// Expired rounds ended without a reply.
	Expired
)

// String returns a lowercase phase name.
func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Satisfied:
		return "satisfied"
	default:
		return "expired"
	}
}

// Result describes the accepted reply of a round.
type Result struct {
	Responder network.PeerID // Responder sent the accepted reply
	Payload   []byte         // Payload is the reply data
	Attempts  int            // Attempts is how many anycasts were sent
	Elapsed   time.Duration  // Elapsed is the time from start to acceptance
}

// Round is one rendezvous. Its events run on its own mailbox; fields
// below mu are written there and read by observers.
type Round struct {
	id      round.ID       // id is the reply address round
	payload []byte         // payload is resent unchanged on every attempt
	handoff []byte         // handoff is delivered to the accepted responder, if set
	req     *Requester     // req owns the transport and settings
	box     *round.Mailbox // box serializes the round's events
	loop    *retry.Loop    // loop re-arms the retry timer
	started time.Time      // started is the Start timestamp
	done    chan struct{}  // done is closed when the round leaves Pending

	phase  Phase      // phase is the lifecycle state
	result Result     // result is set when Satisfied
	err    error      // err is set when Expired
	mu     sync.Mutex // mu protects phase, result and err
}

// ID returns the round id.
func (r *Round) ID() round.ID {
	return r.id
}

// Started returns when the round began.
func (r *Round) Started() time.Time {
	return r.started
}

// Done is closed once the round is Satisfied or Expired.
func (r *Round) Done() <-chan struct{} {
	return r.done
}

// Phase returns the current phase.
func (r *Round) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.phase
}

// Attempts returns how many anycasts were sent so far.
func (r *Round) Attempts() int {
	return r.loop.Attempts()
}

// Await blocks until the round is Satisfied or Expired, or ctx ends.
// On ctx end it returns ErrTimeout and the round keeps retrying.
func (r *Round) Await(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()

		return r.result, r.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Cancel ends a pending round with ErrRoundCancelled. It has no effect
// on a finished round.
func (r *Round) Cancel() {
	r.box.Post(func() {
		if r.phase == Pending {
			r.expire(ErrRoundCancelled, metrics.OutcomeCancelled)
		}
	})
}

// deliver is the transport sink for inbound replies.
func (r *Round) deliver(from network.PeerID, msg wire.Message) {
	if msg.Kind != wire.KindReply {
		return
	}

	if !r.box.Post(func() { r.onReply(from, msg) }) {
		r.req.cfg.Metrics.RepliesDiscarded.Inc()
	}
}

// begin sends attempt #1 and arms the retry timer.
func (r *Round) begin() {
	if r.phase != Pending {
		return
	}

	r.send(r.loop.Begin())
}

// onTick re-anycasts while pending.
func (r *Round) onTick() {
	if r.phase != Pending {
		return
	}

	attempt, ok := r.loop.Next()
	if !ok {
		r.expire(fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, attempt), metrics.OutcomeExhausted)
		return
	}

	r.send(attempt)
}

// onReply accepts the first reply and discards the rest.
func (r *Round) onReply(from network.PeerID, msg wire.Message) {
	cfg := &r.req.cfg

	if r.phase != Pending {
		cfg.Metrics.RepliesDiscarded.Inc()
		return
	}

	r.loop.Stop()

	r.mu.Lock()
	r.phase = Satisfied
	r.result = Result{
		Responder: from,
		Payload:   msg.Payload,
		Attempts:  r.loop.Attempts(),
		Elapsed:   r.req.elapsed(r.started),
	}
	r.mu.Unlock()

	cfg.Metrics.RendezvousRounds.WithLabelValues(metrics.OutcomeSatisfied).Inc()
	cfg.Metrics.RendezvousLatency.Observe(r.result.Elapsed.Seconds())

	logger.Info("rendezvous satisfied",
		"round", r.id,
		"responder", from,
		"attempts", r.result.Attempts,
		"elapsed", r.result.Elapsed,
	)

	if r.handoff != nil {
		deliver := wire.Message{
			Kind:    wire.KindDeliver,
			Round:   r.id,
			Origin:  cfg.Transport.Self(),
			Role:    cfg.Role,
			Seq:     msg.Seq,
			Payload: r.handoff,
		}

		if err := cfg.Transport.SendTo(from, deliver); err != nil {
			r.req.reportSendError("deliver", r, err)
		}
	}

	r.finish()
}

// expire ends a pending round without a reply.
func (r *Round) expire(err error, outcome string) {
	r.loop.Stop()

	r.mu.Lock()
	r.phase = Expired
	r.err = err
	r.mu.Unlock()

	r.req.cfg.Metrics.RendezvousRounds.WithLabelValues(outcome).Inc()
	logger.Info("rendezvous expired", "round", r.id, "attempts", r.loop.Attempts(), "reason", err)

	r.finish()
}

// finish retires the round. Runs once, on the mailbox.
func (r *Round) finish() {
	r.req.cfg.Transport.Unsubscribe(r.id)
	r.req.cfg.Metrics.ActiveRounds.WithLabelValues("rendezvous").Dec()
	close(r.done)
	r.box.Close()
}

// send anycasts the request as the given attempt.
func (r *Round) send(attempt int) {
	cfg := &r.req.cfg

	msg := wire.Message{
		Kind:    wire.KindAnycast,
		Round:   r.id,
		Origin:  cfg.Transport.Self(),
		Role:    cfg.Role,
		Seq:     uint32(attempt),
		Payload: r.payload,
	}

	cfg.Metrics.RendezvousAttempts.Inc()

	to, err := cfg.Transport.Anycast(cfg.Role, msg)
	if err != nil {
		r.req.reportSendError("anycast", r, err)
		return
	}

	logger.Debug("rendezvous attempt", "round", r.id, "attempt", attempt, "to", to)
}

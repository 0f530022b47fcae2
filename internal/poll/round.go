package poll

import (
	"time"

	"Flock/internal/logger"
	"Flock/internal/network"
	"Flock/internal/retry"
	"Flock/internal/round"
	"Flock/internal/timer"
	"Flock/internal/wire"
)

// Round is one poll. All of its events run on its mailbox; the state
// below is only touched there.
type Round struct {
	coord         *Coordinator   // coord owns the transport and settings
	box           *round.Mailbox // box serializes the round's events
	probes        *retry.Loop    // probes re-arms the report timer
	deadlineTimer timer.Handle   // deadlineTimer fires once the duration elapsed
	done          chan struct{}  // done is closed when the round closes

	id       round.ID  // id is the reply address round
	selector string    // selector is the probed team
	question []byte    // question is sent once to each discovered peer
	started  time.Time // started is the Start timestamp
	deadline time.Time // deadline ends collection

	closed   bool                      // closed is set once, by close
	known    []network.PeerID          // known lists discovered peers in order
	asked    map[network.PeerID]bool   // asked indexes known
	answers  map[network.PeerID][]byte // answers holds first answers
	final    Tally                     // final is the frozen tally once closed
	onClosed []func(Tally)             // onClosed are pending close callbacks
}

// ID returns the round id.
func (r *Round) ID() round.ID {
	return r.id
}

// Deadline returns when collection stops.
func (r *Round) Deadline() time.Time {
	return r.deadline
}

// Done is closed once the round is closed and its tally frozen.
func (r *Round) Done() <-chan struct{} {
	return r.done
}

// Tally returns the final tally once closed, or a live snapshot.
func (r *Round) Tally() Tally {
	snap := make(chan Tally, 1)
	if r.box.Post(func() { snap <- r.snapshot() }) {
		return <-snap
	}

	<-r.done

	return r.final.clone()
}

// OnClosed registers fn to receive the final tally. If the round is
// already closed fn is called immediately. Callbacks run on the round's
// mailbox and must not block.
func (r *Round) OnClosed(fn func(Tally)) {
	posted := r.box.Post(func() {
		if r.closed {
			fn(r.final.clone())
			return
		}

		r.onClosed = append(r.onClosed, fn)
	})

	if !posted {
		<-r.done
		fn(r.final.clone())
	}
}

// deliver is the transport sink for inbound replies.
func (r *Round) deliver(from network.PeerID, msg wire.Message) {
	switch msg.Kind {
	case wire.KindReported:
		r.box.Post(func() { r.onPeerReported(from) })
	case wire.KindAnswer:
		if !r.box.Post(func() { r.onAnswer(from, msg.Payload) }) {
			r.coord.cfg.Metrics.PollAnswers.WithLabelValues("discarded").Inc()
		}
	}
}

// begin sends the first probe.
func (r *Round) begin() {
	if r.closed {
		return
	}

	r.probe(r.probes.Begin())
}

// expired reports whether the deadline has passed.
func (r *Round) expired() bool {
	return !r.coord.cfg.Clock.Now().Before(r.deadline)
}

// onTick re-probes before the deadline and closes after it.
func (r *Round) onTick() {
	if r.closed {
		return
	}

	if r.expired() {
		r.close()
		return
	}

	seq, ok := r.probes.Next()
	if !ok {
		return
	}

	r.probe(seq)
}

// onDeadline closes the round once the deadline has passed.
func (r *Round) onDeadline() {
	if !r.closed && r.expired() {
		r.close()
	}
}

// onPeerReported asks a newly discovered peer the question, once.
func (r *Round) onPeerReported(from network.PeerID) {
	if r.closed {
		return
	}

	if r.expired() {
		r.close()
		return
	}

	if r.asked[from] {
		return
	}

	if r.asked == nil {
		r.asked = make(map[network.PeerID]bool)
	}

	r.asked[from] = true
	r.known = append(r.known, from)

	cfg := &r.coord.cfg
	cfg.Metrics.PollAsks.Inc()

	ask := wire.Message{
		Kind:     wire.KindAsk,
		Round:    r.id,
		Origin:   cfg.Transport.Self(),
		Role:     cfg.Role,
		Selector: r.selector,
		Payload:  r.question,
	}

	if err := cfg.Transport.SendTo(from, ask); err != nil {
		r.coord.reportSendError("ask", r, err)
		return
	}

	logger.Debug("poll asked", "round", r.id, "peer", from, "known", len(r.known))
}

// onAnswer records the first answer of a known peer.
func (r *Round) onAnswer(from network.PeerID, answer []byte) {
	answers := r.coord.cfg.Metrics.PollAnswers

	if r.closed {
		answers.WithLabelValues("discarded").Inc()
		return
	}

	if r.expired() {
		answers.WithLabelValues("discarded").Inc()
		r.close()
		return
	}

	if !r.asked[from] {
		answers.WithLabelValues("discarded").Inc()
		return
	}

	if _, ok := r.answers[from]; ok {
		answers.WithLabelValues("discarded").Inc()
		return
	}

	r.answers[from] = answer
	answers.WithLabelValues("recorded").Inc()

	logger.Debug("poll answer", "round", r.id, "peer", from, "answers", len(r.answers))
}

// close freezes the tally and notifies observers. Runs once.
func (r *Round) close() {
	if r.closed {
		return
	}

	r.closed = true
	r.probes.Stop()
	r.deadlineTimer.Cancel()

	cfg := &r.coord.cfg
	cfg.Transport.Unsubscribe(r.id)

	r.final = r.snapshot()
	r.final.Closed = cfg.Clock.Now()

	cfg.Metrics.PollsClosed.Inc()
	cfg.Metrics.PollParticipants.Observe(float64(len(r.known)))
	cfg.Metrics.ActiveRounds.WithLabelValues("poll").Dec()

	logger.Info("poll closed",
		"round", r.id,
		"selector", r.selector,
		"known", len(r.final.Known),
		"answers", len(r.final.Answers),
	)

	r.coord.retire(r)
	close(r.done)
	r.box.Close()

	for _, fn := range r.onClosed {
		fn(r.final.clone())
	}
	r.onClosed = nil

	if cfg.OnClosed != nil {
		cfg.OnClosed(r.final.clone())
	}
}

// probe broadcasts a report probe with sequence number seq.
func (r *Round) probe(seq int) {
	cfg := &r.coord.cfg

	msg := wire.Message{
		Kind:     wire.KindReport,
		Round:    r.id,
		Origin:   cfg.Transport.Self(),
		Role:     cfg.Role,
		Selector: r.selector,
		Seq:      uint32(seq),
	}

	cfg.Metrics.PollProbes.Inc()

	n, err := cfg.Transport.BroadcastRole(cfg.Role, msg)
	if err != nil {
		r.coord.reportSendError("report", r, err)
	}

	logger.Debug("poll probe", "round", r.id, "seq", seq, "reached", n)
}

// snapshot copies the current state into a Tally.
func (r *Round) snapshot() Tally {
	t := Tally{
		Round:    r.id,
		Selector: r.selector,
		Question: r.question,
		Started:  r.started,
		Deadline: r.deadline,
		Known:    r.known,
		Answers:  r.answers,
	}

	return t.clone()
}

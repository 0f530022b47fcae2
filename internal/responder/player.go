package responder

import (
	"context"
	"sync"
	"time"

	"Flock/internal/group"
	"Flock/internal/logger"
	"Flock/internal/network"
	"Flock/internal/wire"
)

// DefaultAnswerTimeout bounds one answer computation.
const DefaultAnswerTimeout = 5 * time.Second

// Player is a poll participant belonging to one team. It reports itself
// to probes for its team and answers each question asynchronously.
type Player struct {
	team     string        // team is matched against probe selectors
	answerer Answerer      // answerer computes answers
	timeout  time.Duration // timeout bounds each answer

	ctx    context.Context    // ctx is cancelled by Close
	cancel context.CancelFunc // cancel stops pending answers
	wg     sync.WaitGroup     // wg tracks answer goroutines
	closed bool               // closed rejects new questions
	mu     sync.Mutex         // mu orders wg.Add against Close
}

// NewPlayer creates a Player for team. A zero timeout selects DefaultAnswerTimeout.
func NewPlayer(team string, answerer Answerer, timeout time.Duration) *Player {
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Player{
		team:     team,
		answerer: answerer,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Team returns the player's team.
func (p *Player) Team() string {
	return p.team
}

// Serve reports to matching probes and answers questions.
func (p *Player) Serve(s group.Sender, from network.PeerID, msg wire.Message) {
	switch msg.Kind {
	case wire.KindReport:
		if msg.Selector != p.team {
			return
		}

		to := msg.ReplyAddress().Peer
		if err := s.SendTo(to, msg.ReplyTo(wire.KindReported, s.Self(), nil)); err != nil {
			logger.Debug("report reply failed", "round", msg.Round, "to", to, "error", err)
		}
	case wire.KindAsk:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.wg.Add(1)
		p.mu.Unlock()

		go p.answer(s, msg)
	}
}

// answer computes and sends one answer.
func (p *Player) answer(s group.Sender, msg wire.Message) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	answer, err := p.answerer.Answer(ctx, msg.Payload)
	if err != nil {
		logger.Warn("answer failed", "round", msg.Round, "error", err)
		return
	}

	to := msg.ReplyAddress().Peer
	if err := s.SendTo(to, msg.ReplyTo(wire.KindAnswer, s.Self(), answer)); err != nil {
		logger.Warn("answer send failed", "round", msg.Round, "to", to, "error", err)
		return
	}

	logger.Debug("answered", "round", msg.Round, "to", to, "bytes", len(answer))
}

// Close cancels pending answers and waits for them.
func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

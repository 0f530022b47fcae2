package api

import (
	"time"

	"Flock/internal/archive"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
)

// rendezvousView is the JSON form of a rendezvous outcome.
type rendezvousView struct {
	Round     string `json:"round"`
	Phase     string `json:"phase"`
	Responder string `json:"responder,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Attempts  int    `json:"attempts"`
	ElapsedMs int64  `json:"elapsedMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ballotView is one peer in a tally.
type ballotView struct {
	Peer   string `json:"peer"`
	Status string `json:"status"`
	Answer string `json:"answer,omitempty"`
}

// countView is one answer with its votes.
type countView struct {
	Answer string `json:"answer"`
	Votes  int    `json:"votes"`
}

// tallyView is the JSON form of a poll tally.
type tallyView struct {
	Round    string       `json:"round"`
	Selector string       `json:"selector"`
	Question string       `json:"question"`
	Status   string       `json:"status"`
	Started  time.Time    `json:"started"`
	Deadline time.Time    `json:"deadline"`
	Closed   *time.Time   `json:"closed,omitempty"`
	Ballots  []ballotView `json:"ballots"`
	Counts   []countView  `json:"counts"`
}

// summaryView is one entry of GET /polls.
type summaryView struct {
	Round    string    `json:"round"`
	Selector string    `json:"selector"`
	Status   string    `json:"status"`
	Started  time.Time `json:"started"`
	Known    int       `json:"known"`
	Answered int       `json:"answered"`
}

const (
	statusCollecting = "collecting"
	statusClosed     = "closed"
)

func newRendezvousView(r *rendezvous.Round) rendezvousView {
	return rendezvousView{
		Round:    r.ID().String(),
		Phase:    r.Phase().String(),
		Attempts: r.Attempts(),
	}
}

func newTallyView(t poll.Tally) tallyView {
	v := tallyView{
		Round:    t.Round.String(),
		Selector: t.Selector,
		Question: string(t.Question),
		Status:   statusCollecting,
		Started:  t.Started,
		Deadline: t.Deadline,
		Ballots:  make([]ballotView, 0, len(t.Known)),
		Counts:   make([]countView, 0),
	}

	if t.IsClosed() {
		closed := t.Closed
		v.Status = statusClosed
		v.Closed = &closed
	}

	for _, p := range t.Known {
		b := ballotView{Peer: p.Hex(), Status: t.Status(p).String()}
		if a, ok := t.Answers[p]; ok {
			b.Answer = string(a)
		}
		v.Ballots = append(v.Ballots, b)
	}

	for _, c := range t.Counts() {
		v.Counts = append(v.Counts, countView{Answer: c.Answer, Votes: c.Votes})
	}

	return v
}

func summaryFromTally(t poll.Tally) summaryView {
	status := statusCollecting
	if t.IsClosed() {
		status = statusClosed
	}

	return summaryView{
		Round:    t.Round.String(),
		Selector: t.Selector,
		Status:   status,
		Started:  t.Started,
		Known:    len(t.Known),
		Answered: len(t.Answers),
	}
}

func summaryFromArchive(s archive.Summary) summaryView {
	return summaryView{
		Round:    s.Round.String(),
		Selector: s.Selector,
		Status:   statusClosed,
		Started:  s.Started,
		Known:    s.Known,
		Answered: s.Answered,
	}
}

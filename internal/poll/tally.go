package poll

import (
	"sort"
	"time"

	"Flock/internal/network"
	"Flock/internal/round"
)

// Status is what a closed poll knows about one peer.
type Status int

const (
	// NotDiscovered peers never answered the report probe.
	NotDiscovered Status = iota
	// Asked peers were sent the question but did not answer in time.
	Asked
	// Answered peers have an entry in the tally.
	Answered
)

// String returns a lowercase status name.
func (s Status) String() string {
	switch s {
	case Asked:
		return "asked"
	case Answered:
		return "answered"
	default:
		return "not_discovered"
	}
}

// Tally is a snapshot of a poll round. Once the round is closed it is final.
type Tally struct {
	Round    round.ID                  // Round identifies the poll
	Selector string                    // Selector is the team the probe addressed
	Question []byte                    // Question is the payload sent to every discovered peer
	Started  time.Time                 // Started is when the poll began
	Deadline time.Time                 // Deadline is when collection stops
	Closed   time.Time                 // Closed is when the round closed, zero while collecting
	Known    []network.PeerID          // Known lists discovered peers in discovery order
	Answers  map[network.PeerID][]byte // Answers holds the first answer of each known peer
}

// IsClosed reports whether the tally is final.
func (t Tally) IsClosed() bool {
	return !t.Closed.IsZero()
}

// Status returns what the poll knows about peer.
func (t Tally) Status(peer network.PeerID) Status {
	if _, ok := t.Answers[peer]; ok {
		return Answered
	}

	for _, k := range t.Known {
		if k == peer {
			return Asked
		}
	}

	return NotDiscovered
}

// Unanswered returns known peers without an answer, in discovery order.
func (t Tally) Unanswered() []network.PeerID {
	var out []network.PeerID

	for _, k := range t.Known {
		if _, ok := t.Answers[k]; !ok {
			out = append(out, k)
		}
	}

	return out
}

// Count is the number of peers giving one answer.
type Count struct {
	Answer string // Answer is the answer payload as text
	Votes  int    // Votes is how many peers gave it
}

// Counts groups answers, most votes first and ties by answer.
func (t Tally) Counts() []Count {
	byAnswer := make(map[string]int)
	for _, a := range t.Answers {
		byAnswer[string(a)]++
	}

	counts := make([]Count, 0, len(byAnswer))
	for a, n := range byAnswer {
		counts = append(counts, Count{Answer: a, Votes: n})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Votes != counts[j].Votes {
			return counts[i].Votes > counts[j].Votes
		}
		return counts[i].Answer < counts[j].Answer
	})

	return counts
}

// clone deep-copies the tally so callers cannot touch round state.
func (t Tally) clone() Tally {
	c := t
	c.Question = append([]byte(nil), t.Question...)
	c.Known = append([]network.PeerID(nil), t.Known...)
	c.Answers = make(map[network.PeerID][]byte, len(t.Answers))

	for k, v := range t.Answers {
		c.Answers[k] = append([]byte(nil), v...)
	}

	return c
}

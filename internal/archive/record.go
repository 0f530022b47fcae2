package archive

import (
	"fmt"
	"math"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Flock/internal/network"
	"Flock/internal/poll"
	"Flock/internal/round"
	"Flock/internal/types"
)

// Unix nanosecond bounds of a record timestamp.
var (
	minRecordTime = time.Unix(0, math.MinInt64)
	maxRecordTime = time.Unix(0, math.MaxInt64)
)

// encodeRecord serializes a tally into a PollRecord flatbuffer.
// Ballots follow discovery order.
func encodeRecord(t poll.Tally) ([]byte, error) {
	started, err := unixNano(t.Started)
	if err != nil {
		return nil, fmt.Errorf("started:\n%w", err)
	}

	deadline, err := unixNano(t.Deadline)
	if err != nil {
		return nil, fmt.Errorf("deadline:\n%w", err)
	}

	closed, err := unixNano(t.Closed)
	if err != nil {
		return nil, fmt.Errorf("closed:\n%w", err)
	}

	b := flatbuffers.NewBuilder(256)

	ballots := make([]flatbuffers.UOffsetT, len(t.Known))
	for i, peer := range t.Known {
		peerVec := b.CreateByteVector(peer[:])

		answer, answered := t.Answers[peer]

		var answerVec flatbuffers.UOffsetT
		if answered {
			answerVec = b.CreateByteVector(answer)
		}

		types.BallotStart(b)
		types.BallotAddPeer(b, peerVec)
		if answered {
			types.BallotAddStatus(b, types.BallotStatusAnswered)
			types.BallotAddAnswer(b, answerVec)
		} else {
			types.BallotAddStatus(b, types.BallotStatusAsked)
		}
		ballots[i] = types.BallotEnd(b)
	}

	types.PollRecordStartBallotsVector(b, len(ballots))
	for i := len(ballots) - 1; i >= 0; i-- {
		b.PrependUOffsetT(ballots[i])
	}
	ballotVec := b.EndVector(len(ballots))

	roundVec := b.CreateByteVector(t.Round[:])
	questionVec := b.CreateByteVector(t.Question)
	selector := b.CreateString(t.Selector)

	types.PollRecordStart(b)
	types.PollRecordAddRound(b, roundVec)
	types.PollRecordAddQuestion(b, questionVec)
	types.PollRecordAddSelector(b, selector)
	types.PollRecordAddStarted(b, started)
	types.PollRecordAddDeadline(b, deadline)
	types.PollRecordAddClosed(b, closed)
	types.PollRecordAddBallots(b, ballotVec)
	types.FinishPollRecordBuffer(b, types.PollRecordEnd(b))

	return b.FinishedBytes(), nil
}

// decodeRecord parses a PollRecord flatbuffer back into a tally.
func decodeRecord(data []byte) (t poll.Tally, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	if len(data) < 8 {
		return poll.Tally{}, fmt.Errorf("%w: too short", ErrCorrupt)
	}

	rec := types.GetRootAsPollRecord(data, 0)

	id, err := round.IDFromBytes(rec.RoundBytes())
	if err != nil {
		return poll.Tally{}, fmt.Errorf("%w: round:\n%w", ErrCorrupt, err)
	}

	t = poll.Tally{
		Round:    id,
		Selector: string(rec.Selector()),
		Question: append([]byte(nil), rec.QuestionBytes()...),
		Started:  fromUnixNano(rec.Started()),
		Deadline: fromUnixNano(rec.Deadline()),
		Closed:   fromUnixNano(rec.Closed()),
		Known:    make([]network.PeerID, 0, rec.BallotsLength()),
		Answers:  make(map[network.PeerID][]byte),
	}

	var ballot types.Ballot
	for i := 0; i < rec.BallotsLength(); i++ {
		if !rec.Ballots(&ballot, i) {
			return poll.Tally{}, fmt.Errorf("%w: ballot %d", ErrCorrupt, i)
		}

		peer, err := network.PeerIDFromBytes(ballot.PeerBytes())
		if err != nil {
			return poll.Tally{}, fmt.Errorf("%w: ballot %d:\n%w", ErrCorrupt, i, err)
		}

		t.Known = append(t.Known, peer)

		if ballot.Status() == types.BallotStatusAnswered {
			t.Answers[peer] = append([]byte{}, ballot.AnswerBytes()...)
		}
	}

	return t, nil
}

// unixNano maps the zero time to 0 and rejects times outside the
// int64 nanosecond range (years 1678 to 2262).
func unixNano(t time.Time) (int64, error) {
	if t.IsZero() {
		return 0, nil
	}

	if t.Before(minRecordTime) || t.After(maxRecordTime) {
		return 0, fmt.Errorf("%w: %s", ErrTimeRange, t.UTC().Format(time.RFC3339))
	}

	return t.UnixNano(), nil
}

// fromUnixNano maps 0 back to the zero time.
func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}

package responder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"Flock/internal/group/grouptest"
	"Flock/internal/network"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
	"Flock/internal/round"
	"Flock/internal/timer/timertest"
	"Flock/internal/wire"
)

// recordingSender captures everything a service sends.
type recordingSender struct {
	self network.PeerID

	mu   sync.Mutex
	sent map[network.PeerID][]wire.Message
}

func newRecordingSender(self byte) *recordingSender {
	s := &recordingSender{sent: make(map[network.PeerID][]wire.Message)}
	s.self[0] = self

	return s
}

func (s *recordingSender) Self() network.PeerID { return s.self }

func (s *recordingSender) SendTo(peer network.PeerID, msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent[peer] = append(s.sent[peer], msg)

	return nil
}

func (s *recordingSender) to(peer network.PeerID) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]wire.Message(nil), s.sent[peer]...)
}

func origin() network.PeerID {
	var id network.PeerID
	id[0] = 0x01

	return id
}

// TestRoamingServe tests anycast replies and hand-offs.
func TestRoamingServe(t *testing.T) {
	var got []byte
	roaming := NewRoaming([]byte("here"), func(from network.PeerID, data []byte) { got = data })
	s := newRecordingSender(0x09)

	req := wire.Message{Kind: wire.KindAnycast, Round: round.NewID(), Origin: origin(), Seq: 3}
	roaming.Serve(s, origin(), req)

	replies := s.to(origin())
	if len(replies) != 1 {
		t.Fatalf("replies: got %d, want 1", len(replies))
	}

	r := replies[0]
	if r.Kind != wire.KindReply || r.Round != req.Round || r.Seq != 3 || string(r.Payload) != "here" || r.Origin != s.self {
		t.Errorf("reply: %+v", r)
	}

	roaming.Serve(s, origin(), wire.Message{Kind: wire.KindDeliver, Round: req.Round, Origin: origin(), Payload: []byte("data")})

	if string(got) != "data" || roaming.Served() != 1 || roaming.Delivered() != 1 {
		t.Errorf("hand-off: got %q, served %d, delivered %d", got, roaming.Served(), roaming.Delivered())
	}
}

// TestPlayerReport tests that only probes for the player's team are answered.
func TestPlayerReport(t *testing.T) {
	player := NewPlayer("red", Static("yes"), 0)
	defer player.Close()

	s := newRecordingSender(0x09)
	probe := wire.Message{Kind: wire.KindReport, Round: round.NewID(), Origin: origin(), Selector: "blue"}

	player.Serve(s, origin(), probe)
	if len(s.to(origin())) != 0 {
		t.Fatal("reported to another team's probe")
	}

	probe.Selector = "red"
	player.Serve(s, origin(), probe)

	replies := s.to(origin())
	if len(replies) != 1 || replies[0].Kind != wire.KindReported || replies[0].Round != probe.Round {
		t.Errorf("report reply: %+v", replies)
	}
}

// TestPlayerAnswer tests the asynchronous answer to a question.
func TestPlayerAnswer(t *testing.T) {
	player := NewPlayer("red", Func(func(ctx context.Context, q []byte) ([]byte, error) {
		return append([]byte("re: "), q...), nil
	}), 0)

	s := newRecordingSender(0x09)
	ask := wire.Message{Kind: wire.KindAsk, Round: round.NewID(), Origin: origin(), Payload: []byte("color?")}

	player.Serve(s, origin(), ask)
	player.Close()

	replies := s.to(origin())
	if len(replies) != 1 || replies[0].Kind != wire.KindAnswer || string(replies[0].Payload) != "re: color?" {
		t.Errorf("answer: %+v", replies)
	}

	player.Serve(s, origin(), ask)
	if len(s.to(origin())) != 1 {
		t.Error("answered after Close")
	}
}

// TestPlayerAnswerError tests that a failing answerer sends nothing.
func TestPlayerAnswerError(t *testing.T) {
	player := NewPlayer("red", Func(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("undecided")
	}), 0)

	s := newRecordingSender(0x09)
	player.Serve(s, origin(), wire.Message{Kind: wire.KindAsk, Round: round.NewID(), Origin: origin()})
	player.Close()

	if len(s.to(origin())) != 0 {
		t.Error("sent an answer after an error")
	}
}

// TestPlayerAnswerTimeout tests that slow answerers see their deadline.
func TestPlayerAnswerTimeout(t *testing.T) {
	player := NewPlayer("red", Func(func(ctx context.Context, q []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 20*time.Millisecond)

	s := newRecordingSender(0x09)
	player.Serve(s, origin(), wire.Message{Kind: wire.KindAsk, Round: round.NewID(), Origin: origin()})

	done := make(chan struct{})
	go func() {
		player.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("slow answer not cancelled")
	}
}

// TestRendezvousOverHub runs a requester against two roaming members,
// losing the first attempt.
func TestRendezvousOverHub(t *testing.T) {
	hub := grouptest.NewHub()
	me := hub.Join()

	handoffs := make(chan []byte, 2)
	for i := 0; i < 2; i++ {
		m := hub.Join("roaming")
		m.Handle("roaming", NewRoaming([]byte("roamer"), func(_ network.PeerID, data []byte) { handoffs <- data }))
	}

	hub.SetFilter(func(from, to network.PeerID, msg wire.Message) int {
		if msg.Kind == wire.KindAnycast && msg.Seq == 1 {
			return 0
		}
		return 1
	})

	sched := timertest.NewManual()
	req, err := rendezvous.New(rendezvous.Config{Transport: me, Role: "roaming", Scheduler: sched, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("new requester: %v", err)
	}

	r, err := req.Start([]byte("where?"), rendezvous.WithHandoff([]byte("payload")))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Phase() == rendezvous.Pending && time.Now().Before(deadline) {
		sched.Fire()
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}

	if string(res.Payload) != "roamer" || res.Attempts < 2 {
		t.Errorf("result: %+v", res)
	}

	select {
	case data := <-handoffs:
		if string(data) != "payload" {
			t.Errorf("hand-off: got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no hand-off")
	}

	if len(handoffs) != 0 {
		t.Error("hand-off delivered more than once")
	}
}

// TestPollOverHub runs a poll against players of two teams.
func TestPollOverHub(t *testing.T) {
	hub := grouptest.NewHub()
	me := hub.Join()

	answers := map[string]string{"r1": "blue", "r2": "green", "b1": "red"}
	teams := map[string]string{"r1": "red", "r2": "red", "b1": "blue"}
	ids := make(map[string]network.PeerID)

	for name, team := range teams {
		m := hub.Join("player")
		p := NewPlayer(team, Static(answers[name]), 0)
		t.Cleanup(p.Close)
		m.Handle("player", p)
		ids[name] = m.ID()
	}

	mock := clock.NewMock()
	sched := timertest.NewManual()

	coord, err := poll.New(poll.Config{Transport: me, Role: "player", Scheduler: sched, Clock: mock})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	r, err := coord.Start("red", []byte("favorite color?"), 10*time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(r.Tally().Answers) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	mock.Add(10 * time.Second)
	sched.Fire()
	<-r.Done()

	final := r.Tally()
	if len(final.Known) != 2 {
		t.Fatalf("known: got %d, want 2", len(final.Known))
	}

	if string(final.Answers[ids["r1"]]) != "blue" || string(final.Answers[ids["r2"]]) != "green" {
		t.Errorf("answers: %v", final.Answers)
	}

	if final.Status(ids["b1"]) != poll.NotDiscovered {
		t.Errorf("blue player status: %v", final.Status(ids["b1"]))
	}
}

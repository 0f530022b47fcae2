package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Flock/internal/api"
	"Flock/internal/group/grouptest"
	"Flock/internal/network"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
	"Flock/internal/responder"
	"Flock/internal/retry"
)

// testNode serves the API over an in-memory group on real time.
type testNode struct {
	hub    *grouptest.Hub
	client *Client
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	hub := grouptest.NewHub()
	me := hub.Join()

	req, err := rendezvous.New(rendezvous.Config{
		Transport: me,
		Role:      "roaming",
		Policy:    retry.Policy{Interval: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new requester: %v", err)
	}

	polls, err := poll.New(poll.Config{
		Transport:     me,
		Role:          "player",
		ProbeInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	srv := httptest.NewServer(api.New(api.Config{
		Requester:   req,
		Polls:       polls,
		WaitTimeout: time.Second,
	}).Handler())

	t.Cleanup(func() {
		srv.Close()
		req.Close()
		polls.Close()
	})

	return &testNode{hub: hub, client: NewClient(srv.URL)}
}

func TestNewClient_Address(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8080":         "http://127.0.0.1:8080",
		"http://node:9000/":      "http://node:9000",
		"https://flock.internal": "https://flock.internal",
	}

	for in, want := range cases {
		if got := NewClient(in).baseURL; got != want {
			t.Errorf("NewClient(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestHealth(t *testing.T) {
	n := newTestNode(t)

	if err := n.client.Health(); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestRendezvous(t *testing.T) {
	n := newTestNode(t)

	handoffs := make(chan string, 1)
	roamer := n.hub.Join("roaming")
	roamer.Handle("roaming", responder.NewRoaming([]byte("printer 3"), func(_ network.PeerID, data []byte) {
		handoffs <- string(data)
	}))

	res, err := n.client.Rendezvous("who prints?", "page.ps", 0)
	if err != nil {
		t.Fatalf("rendezvous: %v", err)
	}

	if res.Payload != "printer 3" || res.Responder != roamer.ID().Hex() || res.Phase != "satisfied" {
		t.Errorf("unexpected result: %+v", res)
	}

	select {
	case data := <-handoffs:
		if data != "page.ps" {
			t.Errorf("hand-off: got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Error("no hand-off")
	}
}

func TestRendezvous_TimeoutIsAPIError(t *testing.T) {
	n := newTestNode(t)

	res, err := n.client.Rendezvous("anyone?", "", 50*time.Millisecond)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}

	if apiErr.Status != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", apiErr.Status)
	}

	if res.Error == "" || res.Round == "" {
		t.Errorf("partial result not decoded: %+v", res)
	}
}

func TestPollRoundTrip(t *testing.T) {
	n := newTestNode(t)

	for team, answer := range map[string]string{"red": "yes", "blue": "no"} {
		p := responder.NewPlayer(team, responder.Static(answer), 0)
		t.Cleanup(p.Close)
		n.hub.Join("player").Handle("player", p)
	}

	h, err := n.client.StartPoll("red", "lunch?", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("start poll: %v", err)
	}

	if h.Round == "" || h.Deadline.IsZero() {
		t.Fatalf("bad handle: %+v", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tally, err := n.client.WaitPoll(ctx, h.Round, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait poll: %v", err)
	}

	if !tally.IsClosed() || tally.Selector != "red" || tally.Question != "lunch?" {
		t.Errorf("unexpected tally: %+v", tally)
	}

	if len(tally.Ballots) != 1 || tally.Ballots[0].Answer != "yes" {
		t.Errorf("ballots: %+v", tally.Ballots)
	}

	list, err := n.client.Polls()
	if err != nil {
		t.Fatalf("polls: %v", err)
	}

	if len(list) != 1 || list[0].Round != h.Round || list[0].Answered != 1 {
		t.Errorf("list: %+v", list)
	}
}

func TestWaitPoll_ContextEnds(t *testing.T) {
	n := newTestNode(t)

	h, err := n.client.StartPoll("green", "q", time.Hour)
	if err != nil {
		t.Fatalf("start poll: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := n.client.WaitPoll(ctx, h.Round, 10*time.Millisecond); err == nil {
		t.Fatal("expected error while the poll is open")
	}
}

func TestPoll_Errors(t *testing.T) {
	n := newTestNode(t)

	_, err := n.client.Poll("not-a-uuid")

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message == "" {
		t.Errorf("expected 400 APIError with message, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Client errors are permanent: WaitPoll returns without retrying.
	start := time.Now()
	if _, err := n.client.WaitPoll(ctx, "not-a-uuid", 10*time.Millisecond); !errors.As(err, &apiErr) {
		t.Errorf("expected APIError, got %v", err)
	}

	if time.Since(start) > 500*time.Millisecond {
		t.Error("client error was retried")
	}

	if _, err := n.client.StartPoll("", "q", time.Second); err == nil {
		t.Error("expected error for empty selector")
	}
}

func TestAPIError_Message(t *testing.T) {
	e := &APIError{Status: 404, Message: "poll not found"}
	if e.Error() != "status 404: poll not found" {
		t.Errorf("got %q", e.Error())
	}

	if (&APIError{Status: 502}).Error() != "status 502" {
		t.Error("bare status not formatted")
	}
}

// Package client talks to a Flock node's HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Client connects to a Flock node via HTTP.
type Client struct {
	baseURL string       // baseURL is e.g. "http://127.0.0.1:8080"
	http    *http.Client // http sends the requests
}

// RendezvousResult is the outcome of POST /rendezvous.
type RendezvousResult struct {
	Round     string `json:"round"`     // Round is the rendezvous round id
	Phase     string `json:"phase"`     // Phase is satisfied or expired
	Responder string `json:"responder"` // Responder is the accepted peer, hex
	Payload   string `json:"payload"`   // Payload is the accepted reply
	Attempts  int    `json:"attempts"`  // Attempts is how many anycasts were sent
	ElapsedMs int64  `json:"elapsedMs"` // ElapsedMs is the time to acceptance
	Error     string `json:"error"`     // Error is set when no reply was accepted
}

// PollHandle identifies a started poll.
type PollHandle struct {
	Round    string    `json:"round"`    // Round is the poll id
	Deadline time.Time `json:"deadline"` // Deadline is when collection stops
}

// Ballot is one peer's entry in a tally.
type Ballot struct {
	Peer   string `json:"peer"`   // Peer is the peer id, hex
	Status string `json:"status"` // Status is asked or answered
	Answer string `json:"answer"` // Answer is set when answered
}

// Count is one answer and its votes.
type Count struct {
	Answer string `json:"answer"` // Answer is the answer text
	Votes  int    `json:"votes"`  // Votes is how many peers gave it
}

// Tally is a poll as served by GET /polls/{id}.
type Tally struct {
	Round    string     `json:"round"`    // Round is the poll id
	Selector string     `json:"selector"` // Selector is the polled team
	Question string     `json:"question"` // Question is the asked question
	Status   string     `json:"status"`   // Status is collecting or closed
	Started  time.Time  `json:"started"`  // Started is when the poll began
	Deadline time.Time  `json:"deadline"` // Deadline is when collection stops
	Closed   *time.Time `json:"closed"`   // Closed is set once closed
	Ballots  []Ballot   `json:"ballots"`  // Ballots lists discovered peers in order
	Counts   []Count    `json:"counts"`   // Counts groups answers, most votes first
}

// IsClosed reports whether the tally is final.
func (t Tally) IsClosed() bool {
	return t.Status == "closed"
}

// PollSummary is an entry of GET /polls.
type PollSummary struct {
	Round    string    `json:"round"`    // Round is the poll id
	Selector string    `json:"selector"` // Selector is the polled team
	Status   string    `json:"status"`   // Status is collecting or closed
	Started  time.Time `json:"started"`  // Started is when the poll began
	Known    int       `json:"known"`    // Known counts discovered peers
	Answered int       `json:"answered"` // Answered counts answers
}

// ErrPollOpen is returned by WaitPoll while the poll is still collecting.
var ErrPollOpen = errors.New("poll still collecting")

// NewClient creates a client for the node at addr ("host:port" or a URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: time.Minute},
	}
}

// Health checks that the node answers.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// Rendezvous asks the node to find one member of its rendezvous role.
// A zero timeout uses the node default. Failed rounds return an *APIError
// along with the partial result.
func (c *Client) Rendezvous(payload, handoff string, timeout time.Duration) (RendezvousResult, error) {
	body := map[string]any{"payload": payload}
	if handoff != "" {
		body["handoff"] = handoff
	}
	if timeout > 0 {
		body["timeoutMs"] = timeout.Milliseconds()
	}

	var res RendezvousResult
	err := c.do(http.MethodPost, "/rendezvous", body, &res)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		decodeInto(apiErr.body, &res)
		return res, fmt.Errorf("rendezvous:\n%w", err)
	}

	if err != nil {
		return res, fmt.Errorf("rendezvous:\n%w", err)
	}

	return res, nil
}

// StartPoll starts a poll of selector's team lasting duration.
func (c *Client) StartPoll(selector, question string, duration time.Duration) (PollHandle, error) {
	body := map[string]any{
		"selector":   selector,
		"question":   question,
		"durationMs": duration.Milliseconds(),
	}

	var h PollHandle
	if err := c.do(http.MethodPost, "/polls", body, &h); err != nil {
		return PollHandle{}, fmt.Errorf("start poll:\n%w", err)
	}

	return h, nil
}

// Poll returns the current tally of a poll.
func (c *Client) Poll(id string) (Tally, error) {
	var t Tally
	if err := c.do(http.MethodGet, "/polls/"+id, nil, &t); err != nil {
		return Tally{}, fmt.Errorf("get poll %s:\n%w", id, err)
	}

	return t, nil
}

// Polls lists live, recent and archived polls, newest first.
func (c *Client) Polls() ([]PollSummary, error) {
	var list []PollSummary
	if err := c.do(http.MethodGet, "/polls", nil, &list); err != nil {
		return nil, fmt.Errorf("list polls:\n%w", err)
	}

	return list, nil
}

// WaitPoll polls a tally every interval until it is closed or ctx ends.
func (c *Client) WaitPoll(ctx context.Context, id string, interval time.Duration) (Tally, error) {
	op := func() (Tally, error) {
		t, err := c.Poll(id)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return Tally{}, backoff.Permanent(err)
		}
		if err != nil {
			return Tally{}, err
		}

		if !t.IsClosed() {
			return t, ErrPollOpen
		}

		return t, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(0),
	)
}

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// maxPollDuration bounds the duration of a poll started over HTTP.
	maxPollDuration = 24 * time.Hour

	// maxWaitTimeout bounds how long a rendezvous request may wait.
	maxWaitTimeout = time.Hour

	// maxSelectorLen bounds a poll selector.
	maxSelectorLen = 256
)

// rendezvousRequest is the body of POST /rendezvous.
type rendezvousRequest struct {
	Payload   string `json:"payload"`             // Payload is anycast to the role
	Handoff   string `json:"handoff,omitempty"`   // Handoff is delivered to the responder found
	TimeoutMs int64  `json:"timeoutMs,omitempty"` // TimeoutMs bounds the wait, zero uses the server default
}

// pollRequest is the body of POST /polls.
type pollRequest struct {
	Selector   string `json:"selector"`   // Selector is the polled team
	Question   string `json:"question"`   // Question is asked to every discovered player
	DurationMs int64  `json:"durationMs"` // DurationMs is the collection window
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %v", err)
	}

	return nil
}

// validate checks a rendezvous request.
func (r *rendezvousRequest) validate() error {
	if r.TimeoutMs < 0 {
		return fmt.Errorf("negative timeout: %d", r.TimeoutMs)
	}

	if r.TimeoutMs > maxWaitTimeout.Milliseconds() {
		return fmt.Errorf("timeout exceeds %v: got %dms", maxWaitTimeout, r.TimeoutMs)
	}

	return nil
}

// validate checks a poll request.
func (r *pollRequest) validate() error {
	if r.Selector == "" {
		return fmt.Errorf("empty selector")
	}

	if len(r.Selector) > maxSelectorLen {
		return fmt.Errorf("selector too long: %d > %d", len(r.Selector), maxSelectorLen)
	}

	// Bounded in milliseconds so the later Duration conversion cannot overflow.
	if r.DurationMs <= 0 || r.DurationMs > maxPollDuration.Milliseconds() {
		return fmt.Errorf("duration must be in (0, %v]: got %dms", maxPollDuration, r.DurationMs)
	}

	return nil
}

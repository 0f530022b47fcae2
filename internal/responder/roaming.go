// Package responder holds the services answering rendezvous requests and
// poll probes.
package responder

import (
	"sync/atomic"

	"Flock/internal/group"
	"Flock/internal/logger"
	"Flock/internal/network"
	"Flock/internal/wire"
)

// Roaming answers anycast requests with a fixed reply and accepts the data
// handed off by a requester that picked it.
type Roaming struct {
	reply     []byte                                 // reply is sent to every anycast
	onDeliver func(from network.PeerID, data []byte) // onDeliver receives hand-offs
	served    atomic.Uint64                          // served counts answered requests
	delivered atomic.Uint64                          // delivered counts hand-offs
}

// NewRoaming creates a Roaming service. onDeliver may be nil.
func NewRoaming(reply []byte, onDeliver func(from network.PeerID, data []byte)) *Roaming {
	return &Roaming{reply: reply, onDeliver: onDeliver}
}

// Serve replies to anycasts and passes hand-offs to the callback.
func (r *Roaming) Serve(s group.Sender, from network.PeerID, msg wire.Message) {
	switch msg.Kind {
	case wire.KindAnycast:
		r.served.Add(1)

		to := msg.ReplyAddress().Peer
		if err := s.SendTo(to, msg.ReplyTo(wire.KindReply, s.Self(), r.reply)); err != nil {
			logger.Warn("roaming reply failed", "round", msg.Round, "to", to, "error", err)
		}
	case wire.KindDeliver:
		r.delivered.Add(1)

		logger.Info("roaming hand-off", "round", msg.Round, "from", from, "bytes", len(msg.Payload))

		if r.onDeliver != nil {
			r.onDeliver(from, msg.Payload)
		}
	}
}

// Served returns how many anycasts were answered.
func (r *Roaming) Served() uint64 {
	return r.served.Load()
}

// Delivered returns how many hand-offs were received.
func (r *Roaming) Delivered() uint64 {
	return r.delivered.Load()
}

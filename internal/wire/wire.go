// Package wire encodes the group messages exchanged by requesters,
// poll coordinators and responders.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Flock/internal/network"
	"Flock/internal/round"
	"Flock/internal/types"
)

// Message kinds carried in an envelope.
const (
	KindAnycast  = types.KindAnycast  // KindAnycast is a rendezvous request
	KindReply    = types.KindReply    // KindReply answers an anycast
	KindDeliver  = types.KindDeliver  // KindDeliver hands data to the accepted responder
	KindReport   = types.KindReport   // KindReport is a poll discovery probe
	KindReported = types.KindReported // KindReported answers a probe
	KindAsk      = types.KindAsk      // KindAsk carries the poll question
	KindAnswer   = types.KindAnswer   // KindAnswer carries a poll answer
)

// ErrMalformed is returned when an envelope cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// Message is the decoded form of an envelope.
type Message struct {
	Kind     types.Kind     // Kind selects how the message is routed
	Round    round.ID       // Round is the round the message belongs to
	Origin   network.PeerID // Origin is the node that created the message
	Role     string         // Role is the addressed role for requests
	Selector string         // Selector is the team filter of a report probe
	Seq      uint32         // Seq is the attempt or probe number
	Payload  []byte         // Payload is opaque application data
}

// IsReply reports whether m answers a round started by its receiver.
func (m Message) IsReply() bool {
	switch m.Kind {
	case KindReply, KindReported, KindAnswer:
		return true
	}

	return false
}

// ReplyAddress returns where replies to m must be sent.
func (m Message) ReplyAddress() round.ReplyAddress {
	return round.ReplyAddress{Peer: m.Origin, Round: m.Round}
}

// Key returns the rendezvous key of m: its round and sequence number.
// Each retry attempt of a round gets its own key.
func (m Message) Key() []byte {
	key := make([]byte, 0, 20)
	key = append(key, m.Round[:]...)

	return binary.BigEndian.AppendUint32(key, m.Seq)
}

// ReplyTo builds a reply of kind to m, originating from self.
func (m Message) ReplyTo(kind types.Kind, self network.PeerID, payload []byte) Message {
	return Message{
		Kind:    kind,
		Round:   m.Round,
		Origin:  self,
		Seq:     m.Seq,
		Payload: payload,
	}
}

// Encode serializes m into a flatbuffers envelope.
func Encode(m Message) []byte {
	b := flatbuffers.NewBuilder(64 + len(m.Payload))

	roundVec := b.CreateByteVector(m.Round[:])
	originVec := b.CreateByteVector(m.Origin[:])
	payloadVec := b.CreateByteVector(m.Payload)

	var role, selector flatbuffers.UOffsetT
	if m.Role != "" {
		role = b.CreateString(m.Role)
	}
	if m.Selector != "" {
		selector = b.CreateString(m.Selector)
	}

	types.EnvelopeStart(b)
	types.EnvelopeAddKind(b, m.Kind)
	types.EnvelopeAddRound(b, roundVec)
	types.EnvelopeAddOrigin(b, originVec)
	if role != 0 {
		types.EnvelopeAddRole(b, role)
	}
	if selector != 0 {
		types.EnvelopeAddSelector(b, selector)
	}
	types.EnvelopeAddSeq(b, m.Seq)
	types.EnvelopeAddPayload(b, payloadVec)
	b.Finish(types.EnvelopeEnd(b))

	return b.FinishedBytes()
}

// Decode parses and validates an envelope.
func Decode(data []byte) (m Message, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	if len(data) < 8 {
		return Message{}, fmt.Errorf("%w: too short", ErrMalformed)
	}

	env := types.GetRootAsEnvelope(data, 0)

	kind := env.Kind()
	if kind < KindAnycast || kind > KindAnswer {
		return Message{}, fmt.Errorf("%w: unexpected kind %s", ErrMalformed, kind)
	}

	id, err := round.IDFromBytes(env.RoundBytes())
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	origin, err := network.PeerIDFromBytes(env.OriginBytes())
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Message{
		Kind:     kind,
		Round:    id,
		Origin:   origin,
		Role:     string(env.Role()),
		Selector: string(env.Selector()),
		Seq:      env.Seq(),
		Payload:  append([]byte(nil), env.PayloadBytes()...),
	}, nil
}

// Package round holds the per-round plumbing shared by the coordinators:
// round identifiers, reply addresses, the serializing mailbox and the
// registry routing inbound replies to live rounds.
package round

import (
	"fmt"

	"github.com/google/uuid"

	"Flock/internal/network"
)

// ID identifies one rendezvous or poll round.
type ID = uuid.UUID

// NewID returns a fresh random round ID.
func NewID() ID {
	return uuid.New()
}

// ParseID parses the textual form of an ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse round id:\n%w", err)
	}

	return id, nil
}

// IDFromBytes converts a raw 16-byte slice to an ID.
func IDFromBytes(b []byte) (ID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return ID{}, fmt.Errorf("round id from bytes:\n%w", err)
	}

	return id, nil
}

// ReplyAddress tells a responder where to send its reply.
// It is created once per round and retired with it.
type ReplyAddress struct {
	Peer  network.PeerID // Peer is the requesting node
	Round ID             // Round is the round awaiting the reply
}

// NewReplyAddress creates a reply address for a fresh round on peer.
func NewReplyAddress(peer network.PeerID) ReplyAddress {
	return ReplyAddress{Peer: peer, Round: NewID()}
}

// String returns "peer/round".
func (a ReplyAddress) String() string {
	return a.Peer.String() + "/" + a.Round.String()
}

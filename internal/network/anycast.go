package network

import (
	"bytes"
	"sort"

	"github.com/zeebo/blake3"
)

// scoredPeer pairs a member with its rendezvous score.
type scoredPeer struct {
	peer  *Peer    // peer is the candidate member
	score [32]byte // score is BLAKE3(key || peer id)
}

// rankMembers orders members by rendezvous score for key, highest first.
// The same key always ranks a stable member set the same way, and
// different keys spread across members.
func rankMembers(key []byte, members []*Peer) []*Peer {
	scored := make([]scoredPeer, len(members))
	for i, p := range members {
		scored[i] = scoredPeer{peer: p, score: rendezvousScore(key, p.id)}
	}

	sort.Slice(scored, func(i, j int) bool {
		return bytes.Compare(scored[i].score[:], scored[j].score[:]) > 0
	})

	ranked := make([]*Peer, len(scored))
	for i, s := range scored {
		ranked[i] = s.peer
	}

	return ranked
}

// rendezvousScore computes BLAKE3(key || id).
func rendezvousScore(key []byte, id PeerID) [32]byte {
	h := blake3.New()
	h.Write(key)
	h.Write(id[:])

	var result [32]byte
	h.Sum(result[:0])

	return result
}

package network

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// PeerID identifies a node by its ed25519 public key.
type PeerID [ed25519.PublicKeySize]byte

// PeerIDFromKey converts a public key to a PeerID.
func PeerIDFromKey(pub ed25519.PublicKey) PeerID {
	var id PeerID
	copy(id[:], pub)

	return id
}

// PeerIDFromBytes converts a raw 32-byte slice to a PeerID.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid peer id size: got %d, want %d", len(b), len(id))
	}

	copy(id[:], b)

	return id, nil
}

// ParsePeerID parses the full hex form of a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("decode peer id:\n%w", err)
	}

	return PeerIDFromBytes(b)
}

// Hex returns the full hex encoding.
func (id PeerID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String returns a short hex prefix for logs.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:8])
}

// IsZero reports whether id is unset.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

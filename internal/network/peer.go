package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Flock/internal/logger"
)

const (
	// acceptTimeout bounds each wait for an inbound stream.
	acceptTimeout = 10 * time.Second
)

// ErrPeerClosed is returned when sending to a closed peer.
var ErrPeerClosed = errors.New("peer is closed")

// Peer represents a connection to a remote node.
type Peer struct {
	id        PeerID            // id is derived from publicKey
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	name      string            // name is the remote certificate common name
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
	mu        sync.Mutex        // mu serializes stream opening

	roles   []string     // roles is the last advertised role list
	rolesMu sync.RWMutex // rolesMu protects roles
}

// ID returns the remote node's id.
func (p *Peer) ID() PeerID {
	return p.id
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Name returns the remote node's name.
func (p *Peer) Name() string {
	return p.name
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Roles returns the roles the peer advertised.
func (p *Peer) Roles() []string {
	p.rolesMu.RLock()
	defer p.rolesMu.RUnlock()

	return slices.Clone(p.roles)
}

// HasRole reports whether the peer advertised role.
func (p *Peer) HasRole(role string) bool {
	p.rolesMu.RLock()
	defer p.rolesMu.RUnlock()

	return slices.Contains(p.roles, role)
}

// Send sends an application payload on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	return p.sendFrame(frameData, data)
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// sendFrame writes one framed message.
func (p *Peer) sendFrame(kind byte, payload []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(p.node.ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, frame(kind, payload)); err != nil {
		stream.Close()
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// setRoles replaces the advertised role list.
func (p *Peer) setRoles(roles []string) {
	p.rolesMu.Lock()
	p.roles = roles
	p.rolesMu.Unlock()
}

// receiveLoop accepts inbound streams until the connection ends.
func (p *Peer) receiveLoop() {
	streams := 0

	for {
		ctx, cancel := context.WithTimeout(p.node.ctx, acceptTimeout)
		stream, err := p.conn.AcceptUniStream(ctx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && p.node.ctx.Err() == nil {
				continue
			}

			logger.Debug("receive loop ended", "peer", p.id, "streams", streams, "error", err)
			break
		}

		streams++
		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// handleUniStream reads one framed message and dispatches it.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	msg, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.id, "error", err)
		return
	}

	kind, payload, err := splitFrame(msg)
	if err != nil {
		logger.Debug("bad frame", "peer", p.id, "error", err)
		return
	}

	switch kind {
	case frameHello:
		p.handleHello(payload)
	case frameData:
		if !p.node.dedup.Check(payload) {
			logger.Debug("dedup filtered", "peer", p.id, "bytes", len(payload))
			return
		}

		p.node.callOnMessage(p, payload)
	default:
		logger.Debug("unknown frame type", "peer", p.id, "type", kind)
	}
}

// handleHello records the roles a peer advertised.
func (p *Peer) handleHello(payload []byte) {
	roles, err := decodeHello(payload)
	if err != nil {
		logger.Warn("invalid hello", "peer", p.id, "error", err)
		return
	}

	p.setRoles(roles)
	logger.Debug("peer roles", "peer", p.id, "name", p.name, "roles", roles)

	p.node.callOnHello(p)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}

package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"Flock/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay before the first reconnection attempt.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "flock/1"
)

var (
	// ErrNoMembers is returned when no connected peer holds the addressed role.
	ErrNoMembers = errors.New("no members for role")

	// ErrUnknownPeer is returned when unicasting to a peer that is not connected.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	Name           string             // Name is advertised in the TLS certificate
	Roles          []string           // Roles are advertised to every peer on connect
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	DedupTTL       time.Duration      // DedupTTL is how long inbound frame hashes are remembered
	Clock          clock.Clock        // Clock drives the duplicate filter and reconnection waits
}

// Node is a group member: it accepts and initiates QUIC connections,
// advertises its roles, and addresses peers by unicast, anycast or broadcast.
type Node struct {
	id         PeerID             // id is the node's own peer id
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	roles      []string           // roles are advertised in hello frames
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration
	clock      clock.Clock        // clock is the node's time source

	listener *quic.Listener // listener is the QUIC listener

	peers   map[PeerID]*Peer // peers maps peer id to live connection
	peersMu sync.RWMutex     // peersMu protects peers map

	knownAddrs   map[PeerID]string // knownAddrs maps dialed peers to their address (for reconnection)
	knownAddrsMu sync.RWMutex      // knownAddrsMu protects knownAddrs map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	dedup *Dedup // dedup drops duplicate data frames

	onConnect    func(*Peer)         // onConnect is called when a peer connects
	onHello      func(*Peer)         // onHello is called when a peer advertises its roles
	onMessage    func(*Peer, []byte) // onMessage is called when a data frame is received
	onDisconnect func(*Peer)         // onDisconnect is called when a peer disconnects
	handlersMu   sync.RWMutex        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	cert, err := generateCertificate(cfg.PrivateKey, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the ed25519 key, checked in setupPeer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		id:             PeerIDFromKey(publicKey),
		privateKey:     cfg.PrivateKey,
		publicKey:      publicKey,
		listenAddr:     cfg.ListenAddr,
		roles:          slices.Clone(cfg.Roles),
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		clock:          clk,
		peers:          make(map[PeerID]*Peer),
		knownAddrs:     make(map[PeerID]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(clk, cfg.DedupTTL),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// ID returns the node's peer id.
func (n *Node) ID() PeerID {
	return n.id
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Roles returns the roles this node advertises.
func (n *Node) Roles() []string {
	return slices.Clone(n.roles)
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node and remembers its address for reconnection.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.knownAddrsMu.Lock()
	n.knownAddrs[peer.id] = addr
	n.knownAddrsMu.Unlock()

	return peer, nil
}

// SendTo unicasts data to a connected peer.
func (n *Node) SendTo(id PeerID, data []byte) error {
	p := n.GetPeer(id)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	return p.Send(data)
}

// Anycast sends data to exactly one member of role and returns its id.
// The member is chosen by rendezvous score over key; if sending to it fails
// the next-ranked member is tried.
func (n *Node) Anycast(role string, key, data []byte) (PeerID, error) {
	members := n.Members(role)
	if len(members) == 0 {
		return PeerID{}, fmt.Errorf("%w %q", ErrNoMembers, role)
	}

	var errs error

	for _, p := range rankMembers(key, members) {
		err := p.Send(data)
		if err == nil {
			return p.id, nil
		}

		errs = multierr.Append(errs, fmt.Errorf("send to %s:\n%w", p.id, err))
	}

	return PeerID{}, fmt.Errorf("anycast %q:\n%w", role, errs)
}

// BroadcastRole sends data to every member of role.
// It returns how many members were reached and the combined send errors.
func (n *Node) BroadcastRole(role string, data []byte) (int, error) {
	var (
		sent int
		errs error
	)

	for _, p := range n.Members(role) {
		if err := p.Send(data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %s:\n%w", p.id, err))
			continue
		}

		sent++
	}

	return sent, errs
}

// Members returns connected peers holding role, ordered by id.
func (n *Node) Members(role string) []*Peer {
	var members []*Peer

	for _, p := range n.Peers() {
		if p.HasRole(role) {
			members = append(members, p)
		}
	}

	return members
}

// Peers returns all connected peers, ordered by id.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peersMu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].id[:], peers[j].id[:]) < 0
	})

	return peers
}

// GetPeer returns the peer for the given id, or nil if not connected.
func (n *Node) GetPeer(id PeerID) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnHello sets the handler called when a peer advertises its roles.
func (n *Node) OnHello(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onHello = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a data frame is received.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
// Peers are closed while the node context is still live: a receive loop
// that sees the context end first would mark its peer closed without
// sending CONNECTION_CLOSE, leaving the remote to wait for the idle timeout.
func (n *Node) Close() error {
	n.closePeers()
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	// Connections set up while the first sweep ran.
	n.closePeers()

	n.wg.Wait()
	n.dedup.Close()

	return nil
}

// closePeers closes and forgets every connected peer.
func (n *Node) closePeers() {
	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[PeerID]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer registers a connection, starts its receive loop and sends our hello.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, name, err := remoteIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract identity:\n%w", err)
	}

	peer := &Peer{
		id:        PeerIDFromKey(pubKey),
		publicKey: pubKey,
		name:      name,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[peer.id] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	if err := peer.sendFrame(frameHello, encodeHello(n.roles)); err != nil {
		logger.Warn("send hello failed", "peer", peer.id, "error", err)
	}

	logger.Debug("peer connected", "peer", peer.id, "name", name, "addr", addr)

	return peer, nil
}

// handlePeerDisconnect forgets a closed connection and schedules reconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	// A newer connection to the same peer may have replaced this one.
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.id)
	}()
}

// reconnectPeer redials a previously dialed peer with exponential backoff.
func (n *Node) reconnectPeer(id PeerID) {
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     n.reconnectDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxReconnectDelay,
	}

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clock.After(schedule.NextBackOff()):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[id]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // only the dialing side redials
		}

		if n.GetPeer(id) != nil {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			logger.Info("peer reconnected", "peer", id, "addr", addr)
			n.callOnConnect(peer)
			return
		}

		logger.Debug("reconnect failed", "peer", id, "addr", addr, "error", err)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnHello calls the onHello handler if set.
func (n *Node) callOnHello(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onHello
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

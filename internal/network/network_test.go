package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startNode creates and starts a node advertising roles.
func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("expected listen address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNewNodeValidation tests required config fields.
func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("expected error without private key")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("expected error without listen address")
	}
}

// TestNodeConnectIdentity tests that both ends learn each other's identity.
func TestNodeConnectIdentity(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startNode(t, Config{PrivateKey: serverKey, Name: "server"})
	client := startNode(t, Config{Name: "client"})

	var connected atomic.Bool
	server.OnConnect(func(p *Peer) { connected.Store(true) })

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if peer.ID() != PeerIDFromKey(serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer id mismatch")
	}

	if peer.Name() != "server" {
		t.Errorf("peer name: got %q, want server", peer.Name())
	}

	waitFor(t, "server connect", connected.Load)

	if client.GetPeer(server.ID()) == nil || server.GetPeer(client.ID()) == nil {
		t.Error("GetPeer should find both ends")
	}
}

// TestHelloRoles tests role advertisement and Members.
func TestHelloRoles(t *testing.T) {
	hub := startNode(t, Config{})
	a := startNode(t, Config{Roles: []string{"roaming", "player"}})
	b := startNode(t, Config{Roles: []string{"player"}})

	var hellos atomic.Int32
	hub.OnHello(func(p *Peer) { hellos.Add(1) })

	for _, n := range []*Node{a, b} {
		if _, err := n.Connect(hub.Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	waitFor(t, "hellos", func() bool { return hellos.Load() == 2 })

	if got := len(hub.Members("player")); got != 2 {
		t.Errorf("player members: got %d, want 2", got)
	}

	roaming := hub.Members("roaming")
	if len(roaming) != 1 || roaming[0].ID() != a.ID() {
		t.Errorf("roaming members: got %d", len(roaming))
	}

	if got := len(hub.Members("absent")); got != 0 {
		t.Errorf("absent members: got %d, want 0", got)
	}
}

// TestNodeSendMessage tests unicast delivery.
func TestNodeSendMessage(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	received := make(chan []byte, 1)
	server.OnMessage(func(p *Peer, data []byte) {
		if p.ID() == client.ID() {
			received <- data
		}
	})

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := client.SendTo(server.ID(), []byte("hello, server")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello, server" {
			t.Errorf("message: got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

// TestSendToUnknownPeer tests unicast to a peer that is not connected.
func TestSendToUnknownPeer(t *testing.T) {
	node := startNode(t, Config{})

	var id PeerID
	id[0] = 1

	if err := node.SendTo(id, []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("got %v, want ErrUnknownPeer", err)
	}
}

// TestAnycast tests that an anycast reaches exactly one member.
func TestAnycast(t *testing.T) {
	sender := startNode(t, Config{})

	if _, err := sender.Anycast("roaming", []byte("k"), []byte("x")); !errors.Is(err, ErrNoMembers) {
		t.Fatalf("anycast without members: got %v, want ErrNoMembers", err)
	}

	var received atomic.Int32
	for i := 0; i < 3; i++ {
		member := startNode(t, Config{Roles: []string{"roaming"}})
		member.OnMessage(func(p *Peer, data []byte) { received.Add(1) })

		if _, err := sender.Connect(member.Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	waitFor(t, "members", func() bool { return len(sender.Members("roaming")) == 3 })

	first, err := sender.Anycast("roaming", []byte("key-1"), []byte("one"))
	if err != nil {
		t.Fatalf("anycast: %v", err)
	}

	again, err := sender.Anycast("roaming", []byte("key-1"), []byte("two"))
	if err != nil {
		t.Fatalf("anycast: %v", err)
	}

	if first != again {
		t.Error("same key should select the same member")
	}

	waitFor(t, "anycast delivery", func() bool { return received.Load() == 2 })
	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("deliveries: got %d, want 2", received.Load())
	}
}

// TestBroadcastRole tests broadcast to role members only.
func TestBroadcastRole(t *testing.T) {
	broadcaster := startNode(t, Config{})

	var players, others atomic.Int32

	for i := 0; i < 4; i++ {
		roles := []string{"player"}
		counter := &players
		if i == 3 {
			roles = []string{"roaming"}
			counter = &others
		}

		n := startNode(t, Config{Roles: roles})
		n.OnMessage(func(p *Peer, data []byte) { counter.Add(1) })

		if _, err := n.Connect(broadcaster.Addr()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	waitFor(t, "members", func() bool { return len(broadcaster.Members("player")) == 3 })

	sent, err := broadcaster.BroadcastRole("player", []byte("report"))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if sent != 3 {
		t.Errorf("sent: got %d, want 3", sent)
	}

	waitFor(t, "broadcast delivery", func() bool { return players.Load() == 3 })

	if others.Load() != 0 {
		t.Errorf("non-member deliveries: got %d, want 0", others.Load())
	}
}

// TestNodeDisconnect tests disconnect handling.
func TestNodeDisconnect(t *testing.T) {
	server := startNode(t, Config{})

	disconnected := make(chan struct{})
	var once sync.Once
	server.OnDisconnect(func(p *Peer) { once.Do(func() { close(disconnected) }) })

	client, err := NewNode(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	if err := client.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "server peer", func() bool { return len(server.Peers()) == 1 })

	client.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	waitFor(t, "peer removal", func() bool { return len(server.Peers()) == 0 })
}

// TestCloseNotifiesRemote checks that closing a node tears down its
// connections explicitly, so the remote drops it well before the idle timeout.
func TestCloseNotifiesRemote(t *testing.T) {
	server := startNode(t, Config{})

	client, err := NewNode(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	if err := client.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "server peer", func() bool { return server.GetPeer(client.ID()) != nil })

	start := time.Now()
	client.Close()

	waitFor(t, "remote drop", func() bool { return server.GetPeer(client.ID()) == nil })

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("remote dropped the peer after %v", elapsed)
	}

	if len(client.Peers()) != 0 {
		t.Errorf("closed node still lists %d peers", len(client.Peers()))
	}
}

// TestNodeReconnect tests automatic reconnection by the dialing side.
func TestNodeReconnect(t *testing.T) {
	serverKey := generateTestKey(t)

	server, err := NewNode(Config{PrivateKey: serverKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	client := startNode(t, Config{ReconnectDelay: 200 * time.Millisecond})

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	server.Close()

	server2 := startNode(t, Config{PrivateKey: serverKey})

	reconnected := make(chan struct{})
	var once sync.Once
	server2.OnConnect(func(p *Peer) { once.Do(func() { close(reconnected) }) })

	// Point the client at the restarted server.
	client.knownAddrsMu.Lock()
	for k := range client.knownAddrs {
		client.knownAddrs[k] = server2.Addr()
	}
	client.knownAddrsMu.Unlock()

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

// TestLargeMessage tests sending a 1 MB payload.
func TestLargeMessage(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	received := make(chan []byte, 1)
	server.OnMessage(func(p *Peer, data []byte) { received <- data })

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	large := make([]byte, 1<<20)
	for i := range large {
		large[i] = byte(i % 256)
	}

	if err := peer.Send(large); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		if !bytes.Equal(data, large) {
			t.Error("large message mismatch")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

// TestDuplicateFramesDropped tests the inbound duplicate filter.
func TestDuplicateFramesDropped(t *testing.T) {
	server := startNode(t, Config{})
	client := startNode(t, Config{})

	var count atomic.Int32
	server.OnMessage(func(p *Peer, data []byte) { count.Add(1) })

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := peer.Send([]byte("same")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if err := peer.Send([]byte("other")); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "delivery", func() bool { return count.Load() >= 2 })
	time.Sleep(200 * time.Millisecond)

	if count.Load() != 2 {
		t.Errorf("delivered: got %d, want 2", count.Load())
	}
}

// TestDedupBasic tests basic deduplication.
func TestDedupBasic(t *testing.T) {
	d := NewDedup(nil, 0)
	defer d.Close()

	msg := []byte("test message")

	if !d.Check(msg) {
		t.Error("first check should return true")
	}

	if d.Check(msg) {
		t.Error("second check should return false")
	}

	if !d.Check([]byte("different message")) {
		t.Error("different message should return true")
	}
}

// TestDedupConcurrent tests that exactly one concurrent check wins.
func TestDedupConcurrent(t *testing.T) {
	d := NewDedup(nil, 0)
	defer d.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Check([]byte("same message")) {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins: got %d, want 1", wins.Load())
	}
}

// TestDedupExpiry tests TTL expiry on a mock clock.
func TestDedupExpiry(t *testing.T) {
	mock := clock.NewMock()
	d := NewDedup(mock, time.Second)
	defer d.Close()

	msg := []byte("expiring message")

	if !d.Check(msg) {
		t.Fatal("first check should return true")
	}

	mock.Add(500 * time.Millisecond)
	if d.Check(msg) {
		t.Error("check within ttl should return false")
	}

	mock.Add(time.Second)
	if !d.Check(msg) {
		t.Error("check after expiry should return true")
	}
}

// TestDedupCleanup tests that expired hashes are forgotten.
func TestDedupCleanup(t *testing.T) {
	d := NewDedup(nil, time.Millisecond)
	defer d.Close()

	d.Check([]byte("a"))
	d.Check([]byte("b"))

	time.Sleep(5 * time.Millisecond)
	d.cleanup()

	if d.Len() != 0 {
		t.Errorf("remembered: got %d, want 0", d.Len())
	}
}

// TestDedupCloseTwice tests that a second Close is a no-op.
func TestDedupCloseTwice(t *testing.T) {
	d := NewDedup(clock.NewMock(), 0)

	d.Close()
	d.Close()

	if !d.Check([]byte("after close")) {
		t.Error("closed filter rejected a fresh frame")
	}
}

// TestRankMembersStable tests that ranking depends on the key only.
func TestRankMembersStable(t *testing.T) {
	members := make([]*Peer, 5)
	for i := range members {
		var id PeerID
		id[0] = byte(i + 1)
		members[i] = &Peer{id: id}
	}

	a := rankMembers([]byte("key"), members)
	reversed := []*Peer{members[4], members[3], members[2], members[1], members[0]}
	b := rankMembers([]byte("key"), reversed)

	for i := range a {
		if a[i].id != b[i].id {
			t.Fatalf("rank %d differs with input order", i)
		}
	}

	// Different keys should not always elect the same member.
	winners := make(map[PeerID]bool)
	for k := 0; k < 64; k++ {
		winners[rankMembers([]byte{byte(k)}, members)[0].id] = true
	}

	if len(winners) < 2 {
		t.Errorf("64 keys elected %d distinct members", len(winners))
	}
}

// TestHelloCodec tests hello encoding and malformed input.
func TestHelloCodec(t *testing.T) {
	roles, err := decodeHello(encodeHello([]string{"a", "b"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(roles) != 2 || roles[0] != "a" || roles[1] != "b" {
		t.Errorf("roles: got %v", roles)
	}

	if _, err := decodeHello([]byte{0xff, 0xff, 0xff, 0x7f, 1, 2, 3, 4}); err == nil {
		t.Error("expected error for malformed hello")
	}

	if _, _, err := splitFrame(nil); !errors.Is(err, errEmptyFrame) {
		t.Errorf("split empty: got %v", err)
	}
}

// TestPeerIDParse tests hex round trips and size checks.
func TestPeerIDParse(t *testing.T) {
	key := generateTestKey(t)
	id := PeerIDFromKey(key.Public().(ed25519.PublicKey))

	parsed, err := ParsePeerID(id.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed != id {
		t.Error("parsed id mismatch")
	}

	if _, err := ParsePeerID("abcd"); err == nil {
		t.Error("expected size error")
	}

	if len(id.String()) != 16 {
		t.Errorf("short form: got %q", id.String())
	}
}

// Package integration runs rendezvous and poll rounds over real QUIC
// connections between in-process nodes.
package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"Flock/internal/group"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
	"Flock/internal/responder"
	"Flock/internal/retry"
)

const (
	// roamingRole is the rendezvous target role in these tests.
	roamingRole = "roaming"

	// playerRole is the poll target role in these tests.
	playerRole = "player"

	// testInterval is the retry and probe period; short so tests stay fast.
	testInterval = 100 * time.Millisecond

	// settleTimeout bounds every wait for the group to converge.
	settleTimeout = 10 * time.Second
)

// Member is one in-process group member.
type Member struct {
	node    *network.Node    // node is the QUIC endpoint
	router  *group.Router    // router carries wire messages over node
	metrics *metrics.Metrics // metrics is the member's collector set

	deliveries *deliveryLog // deliveries records Deliver hand-offs when roaming
}

// ID returns the member's peer id.
func (m *Member) ID() network.PeerID { return m.node.ID() }

// Addr returns the member's QUIC address.
func (m *Member) Addr() string { return m.node.Addr() }

// deliveryLog collects hand-offs received by a roaming member.
type deliveryLog struct {
	mu   sync.Mutex
	data []string
}

func (d *deliveryLog) add(data []byte) {
	d.mu.Lock()
	d.data = append(d.data, string(data))
	d.mu.Unlock()
}

func (d *deliveryLog) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.data...)
}

// Cluster manages in-process members for one test.
type Cluster struct {
	t       *testing.T // t is the test context
	members []*Member  // members are every started member
}

// NewCluster returns an empty cluster and registers cleanup.
func NewCluster(t *testing.T) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c := &Cluster{t: t}
	t.Cleanup(c.Stop)

	return c
}

// start creates and starts a member advertising roles.
func (c *Cluster) start(roles ...string) *Member {
	c.t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		c.t.Fatalf("generate key: %v", err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:     key,
		ListenAddr:     "127.0.0.1:0",
		Roles:          roles,
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		c.t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		c.t.Fatalf("start node: %v", err)
	}

	m := &Member{node: node, metrics: metrics.New()}
	m.router = group.NewRouter(node, m.metrics)
	c.members = append(c.members, m)

	return m
}

// Roaming starts a roaming service replying with reply.
func (c *Cluster) Roaming(reply string) *Member {
	c.t.Helper()

	m := c.start(roamingRole)
	m.deliveries = &deliveryLog{}
	m.router.Handle(roamingRole, responder.NewRoaming([]byte(reply), func(_ network.PeerID, data []byte) {
		m.deliveries.add(data)
	}))

	return m
}

// Player starts a player of team answering answer.
func (c *Cluster) Player(team, answer string) *Member {
	c.t.Helper()

	m := c.start(playerRole)
	p := responder.NewPlayer(team, responder.Static(answer), 0)
	c.t.Cleanup(p.Close)
	m.router.Handle(playerRole, p)

	return m
}

// Plain starts a member with no roles, used as requester or coordinator.
func (c *Cluster) Plain() *Member {
	c.t.Helper()
	return c.start()
}

// Connect dials to from `from` and waits until both sides saw the hello.
func (c *Cluster) Connect(from, to *Member) {
	c.t.Helper()

	if _, err := from.node.Connect(to.Addr()); err != nil {
		c.t.Fatalf("connect %s -> %s: %v", from.ID(), to.ID(), err)
	}

	waitFor(c.t, "hello exchange", func() bool {
		p := from.node.GetPeer(to.ID())
		q := to.node.GetPeer(from.ID())
		return p != nil && q != nil && len(p.Roles()) == len(to.node.Roles()) && len(q.Roles()) == len(from.node.Roles())
	})
}

// Requester creates a rendezvous requester on m.
func (c *Cluster) Requester(m *Member, policy retry.Policy) *rendezvous.Requester {
	c.t.Helper()

	req, err := rendezvous.New(rendezvous.Config{
		Transport: m.router,
		Role:      roamingRole,
		Policy:    policy,
		Metrics:   m.metrics,
	})
	if err != nil {
		c.t.Fatalf("new requester: %v", err)
	}

	c.t.Cleanup(req.Close)

	return req
}

// Coordinator creates a poll coordinator on m.
func (c *Cluster) Coordinator(m *Member) *poll.Coordinator {
	c.t.Helper()

	co, err := poll.New(poll.Config{
		Transport:     m.router,
		Role:          playerRole,
		ProbeInterval: testInterval,
		Metrics:       m.metrics,
	})
	if err != nil {
		c.t.Fatalf("new coordinator: %v", err)
	}

	c.t.Cleanup(co.Close)

	return co
}

// Stop closes every member.
func (c *Cluster) Stop() {
	for _, m := range c.members {
		m.node.Close()
	}
}

// waitFor polls cond until it holds or settleTimeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}

// awaitTally waits for rd to close and returns its final tally.
func awaitTally(t *testing.T, rd *poll.Round, within time.Duration) poll.Tally {
	t.Helper()

	closed := make(chan poll.Tally, 1)
	rd.OnClosed(func(tally poll.Tally) { closed <- tally })

	select {
	case tally := <-closed:
		return tally
	case <-time.After(within):
		t.Fatalf("poll %s did not close within %v", rd.ID(), within)
		return poll.Tally{}
	}
}

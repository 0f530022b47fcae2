// Package grouptest provides an in-memory peer group for tests.
package grouptest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"Flock/internal/group"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/round"
	"Flock/internal/wire"
)

// ErrNotMember is returned when sending to a peer that left or never joined.
var ErrNotMember = errors.New("peer is not a hub member")

// Filter decides how many copies of a message reach its target:
// 0 drops it, 2 duplicates it.
type Filter func(from, to network.PeerID, msg wire.Message) int

// Hub is a group whose members deliver synchronously through the wire codec.
type Hub struct {
	members map[network.PeerID]*Member // members holds joined members
	filter  Filter                     // filter is applied to every send
	next    byte                       // next seeds member ids
	mu      sync.Mutex                 // mu protects the fields above
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[network.PeerID]*Member)}
}

// SetFilter installs fn for every later send. Nil delivers one copy.
func (h *Hub) SetFilter(fn Filter) {
	h.mu.Lock()
	h.filter = fn
	h.mu.Unlock()
}

// Join adds a member holding roles.
func (h *Hub) Join(roles ...string) *Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++

	var id network.PeerID
	id[0] = h.next
	id[31] = 0xf1

	m := &Member{hub: h, id: id, roles: roles}
	m.mux = group.NewMux(m, metrics.New())
	h.members[id] = m

	return m
}

// Leave removes a member; sends to it fail afterwards.
func (h *Hub) Leave(id network.PeerID) {
	h.mu.Lock()
	delete(h.members, id)
	h.mu.Unlock()
}

// holders returns members other than self holding role, ordered by id.
func (h *Hub) holders(self network.PeerID, role string) []*Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Member
	for id, m := range h.members {
		if id != self && m.hasRole(role) {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return string(out[i].id[:]) < string(out[j].id[:])
	})

	return out
}

// deliver passes msg through the filter and the codec to target.
func (h *Hub) deliver(from network.PeerID, to *Member, msg wire.Message) {
	h.mu.Lock()
	filter := h.filter
	h.mu.Unlock()

	copies := 1
	if filter != nil {
		copies = filter(from, to.id, msg)
	}

	data := wire.Encode(msg)
	for i := 0; i < copies; i++ {
		to.mux.Deliver(from, data)
	}
}

// Member is one hub participant. It implements the coordinators'
// transports and group.Sender.
type Member struct {
	hub   *Hub           // hub is the shared group
	id    network.PeerID // id is the member's peer id
	roles []string       // roles are the advertised roles
	mux   *group.Mux     // mux routes deliveries to rounds and services
}

// ID returns the member id.
func (m *Member) ID() network.PeerID {
	return m.id
}

// Self returns the member id.
func (m *Member) Self() network.PeerID {
	return m.id
}

// Mux returns the member's router.
func (m *Member) Mux() *group.Mux {
	return m.mux
}

// Handle registers svc for requests addressed to role.
func (m *Member) Handle(role string, svc group.Service) {
	m.mux.Handle(role, svc)
}

// Anycast picks one holder of role by the message sequence number.
func (m *Member) Anycast(role string, msg wire.Message) (network.PeerID, error) {
	holders := m.hub.holders(m.id, role)
	if len(holders) == 0 {
		return network.PeerID{}, fmt.Errorf("%w %q", network.ErrNoMembers, role)
	}

	to := holders[int(msg.Seq)%len(holders)]
	m.hub.deliver(m.id, to, msg)

	return to.id, nil
}

// BroadcastRole delivers msg to every holder of role.
func (m *Member) BroadcastRole(role string, msg wire.Message) (int, error) {
	holders := m.hub.holders(m.id, role)
	for _, to := range holders {
		m.hub.deliver(m.id, to, msg)
	}

	return len(holders), nil
}

// SendTo delivers msg to peer.
func (m *Member) SendTo(peer network.PeerID, msg wire.Message) error {
	m.hub.mu.Lock()
	to, ok := m.hub.members[peer]
	m.hub.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, peer)
	}

	m.hub.deliver(m.id, to, msg)

	return nil
}

// Subscribe routes replies for round id to sink.
func (m *Member) Subscribe(id round.ID, sink func(from network.PeerID, msg wire.Message)) {
	m.mux.Subscribe(id, sink)
}

// Unsubscribe retires round id.
func (m *Member) Unsubscribe(id round.ID) {
	m.mux.Unsubscribe(id)
}

func (m *Member) hasRole(role string) bool {
	for _, r := range m.roles {
		if r == role {
			return true
		}
	}

	return false
}

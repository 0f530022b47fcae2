package group

import (
	"fmt"

	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/round"
	"Flock/internal/wire"
)

// Router carries wire messages over a network node. It satisfies the
// transports of both coordinators and the Sender of services.
type Router struct {
	node *network.Node // node is the QUIC group member
	mux  *Mux          // mux routes inbound envelopes
}

// NewRouter wraps node and takes over its message callback.
func NewRouter(node *network.Node, m *metrics.Metrics) *Router {
	r := &Router{node: node}
	r.mux = NewMux(r, m)

	node.OnMessage(func(p *network.Peer, data []byte) {
		r.mux.Deliver(p.ID(), data)
	})

	return r
}

// Node returns the wrapped node.
func (r *Router) Node() *network.Node {
	return r.node
}

// Self returns the node's peer id.
func (r *Router) Self() network.PeerID {
	return r.node.ID()
}

// Handle registers svc for requests addressed to role.
func (r *Router) Handle(role string, svc Service) {
	r.mux.Handle(role, svc)
}

// Anycast sends msg to one member of role, chosen by the message key.
func (r *Router) Anycast(role string, msg wire.Message) (network.PeerID, error) {
	id, err := r.node.Anycast(role, msg.Key(), wire.Encode(msg))
	if err != nil {
		return network.PeerID{}, fmt.Errorf("anycast %s:\n%w", msg.Kind, err)
	}

	return id, nil
}

// BroadcastRole sends msg to every member of role.
func (r *Router) BroadcastRole(role string, msg wire.Message) (int, error) {
	n, err := r.node.BroadcastRole(role, wire.Encode(msg))
	if err != nil {
		return n, fmt.Errorf("broadcast %s:\n%w", msg.Kind, err)
	}

	return n, nil
}

// SendTo unicasts msg to peer.
func (r *Router) SendTo(peer network.PeerID, msg wire.Message) error {
	if err := r.node.SendTo(peer, wire.Encode(msg)); err != nil {
		return fmt.Errorf("send %s:\n%w", msg.Kind, err)
	}

	return nil
}

// Subscribe routes replies for round id to sink.
func (r *Router) Subscribe(id round.ID, sink func(from network.PeerID, msg wire.Message)) {
	r.mux.Subscribe(id, sink)
}

// Unsubscribe retires round id.
func (r *Router) Unsubscribe(id round.ID) {
	r.mux.Unsubscribe(id)
}

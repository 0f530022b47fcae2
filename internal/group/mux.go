// Package group connects rendezvous requesters, poll coordinators and
// responders to a peer group. Replies are routed to their round by id and
// requests are dispatched to the service registered for their role.
package group

import (
	"sync"

	"Flock/internal/logger"
	"Flock/internal/metrics"
	"Flock/internal/network"
	"Flock/internal/round"
	"Flock/internal/wire"
)

// Sender is what a service needs to answer a request.
type Sender interface {
	// Self returns the local peer id.
	Self() network.PeerID
	// SendTo unicasts msg to peer.
	SendTo(peer network.PeerID, msg wire.Message) error
}

// Service handles the requests addressed to one role.
// Serve runs on the receive path and must not block.
type Service interface {
	Serve(s Sender, from network.PeerID, msg wire.Message)
}

// ServiceFunc adapts a function to a Service.
type ServiceFunc func(s Sender, from network.PeerID, msg wire.Message)

// Serve calls f.
func (f ServiceFunc) Serve(s Sender, from network.PeerID, msg wire.Message) {
	f(s, from, msg)
}

// Sink receives the replies of one round.
type Sink func(from network.PeerID, msg wire.Message)

// Mux routes decoded envelopes.
type Mux struct {
	sender  Sender                // sender is handed to services for their replies
	sinks   *round.Registry[Sink] // sinks maps live rounds to reply sinks
	metrics *metrics.Metrics      // metrics counts inbound routing results

	services map[string]Service // services maps roles to request handlers
	mu       sync.RWMutex       // mu protects services
}

// NewMux creates a Mux whose services answer through sender.
func NewMux(sender Sender, m *metrics.Metrics) *Mux {
	if m == nil {
		m = metrics.New()
	}

	return &Mux{
		sender:   sender,
		sinks:    round.NewRegistry[Sink](0),
		metrics:  m,
		services: make(map[string]Service),
	}
}

// Handle registers svc for requests addressed to role, replacing any
// previous service.
func (m *Mux) Handle(role string, svc Service) {
	m.mu.Lock()
	m.services[role] = svc
	m.mu.Unlock()
}

// Subscribe routes replies for round id to sink.
func (m *Mux) Subscribe(id round.ID, sink func(from network.PeerID, msg wire.Message)) {
	m.sinks.Register(id, sink)
}

// Unsubscribe retires round id; later replies to it are counted as stale.
func (m *Mux) Unsubscribe(id round.ID) {
	m.sinks.Retire(id)
}

// Live returns the number of subscribed rounds.
func (m *Mux) Live() int {
	return m.sinks.Len()
}

// Deliver decodes an inbound envelope from peer and routes it.
func (m *Mux) Deliver(from network.PeerID, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		m.metrics.Inbound.WithLabelValues("unknown", metrics.RouteMalformed).Inc()
		logger.Debug("dropped malformed envelope", "from", from, "error", err)
		return
	}

	m.Dispatch(from, msg)
}

// Dispatch routes a decoded message from peer: replies to their round,
// requests to the service of their role.
func (m *Mux) Dispatch(from network.PeerID, msg wire.Message) {
	kind := msg.Kind.String()

	if msg.IsReply() {
		sink, status := m.sinks.Lookup(msg.Round)

		switch status {
		case round.Live:
			m.metrics.Inbound.WithLabelValues(kind, metrics.RouteDelivered).Inc()
			sink(from, msg)
		case round.Stale:
			m.metrics.Inbound.WithLabelValues(kind, metrics.RouteStale).Inc()
		default:
			m.metrics.Inbound.WithLabelValues(kind, metrics.RouteUnknown).Inc()
			logger.Debug("reply for unknown round", "kind", kind, "round", msg.Round, "from", from)
		}

		return
	}

	m.mu.RLock()
	svc, ok := m.services[msg.Role]
	m.mu.RUnlock()

	if !ok {
		m.metrics.Inbound.WithLabelValues(kind, metrics.RouteNoService).Inc()
		logger.Debug("no service for role", "kind", kind, "role", msg.Role, "from", from)
		return
	}

	m.metrics.Inbound.WithLabelValues(kind, metrics.RouteDelivered).Inc()
	svc.Serve(m.sender, from, msg)
}

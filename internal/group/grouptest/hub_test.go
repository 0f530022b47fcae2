package grouptest

import (
	"errors"
	"testing"

	"Flock/internal/group"
	"Flock/internal/network"
	"Flock/internal/round"
	"Flock/internal/wire"
)

// echo replies to every request with its payload.
var echo = group.ServiceFunc(func(s group.Sender, from network.PeerID, msg wire.Message) {
	s.SendTo(msg.Origin, msg.ReplyTo(wire.KindReply, s.Self(), msg.Payload))
})

// TestHubAnycast tests that anycast reaches one holder and the reply comes back.
func TestHubAnycast(t *testing.T) {
	hub := NewHub()
	req := hub.Join()
	a := hub.Join("roaming")
	b := hub.Join("roaming")

	a.Handle("roaming", echo)
	b.Handle("roaming", echo)

	id := round.NewID()
	var from []network.PeerID
	req.Subscribe(id, func(p network.PeerID, msg wire.Message) { from = append(from, p) })

	for seq := uint32(0); seq < 2; seq++ {
		if _, err := req.Anycast("roaming", wire.Message{Kind: wire.KindAnycast, Round: id, Origin: req.ID(), Role: "roaming", Seq: seq}); err != nil {
			t.Fatalf("anycast: %v", err)
		}
	}

	if len(from) != 2 || from[0] == from[1] {
		t.Errorf("anycast should rotate holders by seq: %v", from)
	}
}

// TestHubFilter tests drop and duplicate filters.
func TestHubFilter(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join("player")

	count := 0
	b.Handle("player", group.ServiceFunc(func(group.Sender, network.PeerID, wire.Message) { count++ }))

	msg := wire.Message{Kind: wire.KindReport, Round: round.NewID(), Origin: a.ID(), Role: "player"}

	hub.SetFilter(func(from, to network.PeerID, m wire.Message) int { return 0 })
	if n, _ := a.BroadcastRole("player", msg); n != 1 || count != 0 {
		t.Fatalf("dropped broadcast: reached %d, served %d", n, count)
	}

	hub.SetFilter(func(from, to network.PeerID, m wire.Message) int { return 2 })
	a.BroadcastRole("player", msg)
	if count != 2 {
		t.Errorf("duplicated broadcast: served %d, want 2", count)
	}
}

// TestHubLeave tests sends to departed and absent members.
func TestHubLeave(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join("roaming")

	hub.Leave(b.ID())

	if err := a.SendTo(b.ID(), wire.Message{Kind: wire.KindAsk, Round: round.NewID()}); !errors.Is(err, ErrNotMember) {
		t.Errorf("send to departed: got %v", err)
	}

	if _, err := a.Anycast("roaming", wire.Message{Kind: wire.KindAnycast, Round: round.NewID()}); !errors.Is(err, network.ErrNoMembers) {
		t.Errorf("anycast to empty role: got %v", err)
	}
}

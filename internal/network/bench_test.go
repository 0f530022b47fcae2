package network

import (
	"crypto/rand"
	"encoding/binary"
	"testing"
)

// retryFrames returns n frames sharing a payload and differing only in
// their trailing sequence number, like the attempts of one round.
func retryFrames(n int) [][]byte {
	payload := make([]byte, 256)
	rand.Read(payload)

	frames := make([][]byte, n)
	for i := range frames {
		f := make([]byte, len(payload)+4)
		copy(f, payload)
		binary.BigEndian.PutUint32(f[len(payload):], uint32(i))
		frames[i] = f
	}

	return frames
}

// BenchmarkDedupRetries checks distinct attempts of the same request.
func BenchmarkDedupRetries(b *testing.B) {
	d := NewDedup(nil, 0)
	defer d.Close()

	frames := retryFrames(b.N)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		d.Check(frames[i])
	}
}

// BenchmarkDedupRedelivery checks one frame delivered over and over.
func BenchmarkDedupRedelivery(b *testing.B) {
	d := NewDedup(nil, 0)
	defer d.Close()

	frame := retryFrames(1)[0]
	d.Check(frame)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		d.Check(frame)
	}
}

// BenchmarkDedupParallel checks a mix of new and repeated frames from
// concurrent receive loops.
func BenchmarkDedupParallel(b *testing.B) {
	d := NewDedup(nil, 0)
	defer d.Close()

	frames := retryFrames(10000)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			d.Check(frames[i%len(frames)])
			i++
		}
	})
}

// BenchmarkRankMembers ranks a 50-member role for one anycast key.
func BenchmarkRankMembers(b *testing.B) {
	members := make([]*Peer, 50)
	for i := range members {
		p := &Peer{}
		rand.Read(p.id[:])
		members[i] = p
	}

	key := make([]byte, 20)
	rand.Read(key)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint32(key[16:], uint32(i))
		rankMembers(key, members)
	}
}

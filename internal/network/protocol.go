package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"

	"Flock/internal/types"
)

const (
	// maxMessageSize is the maximum allowed message size (16 MB).
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// Frame types, stored in the first byte of every message.
const (
	frameHello byte = 0x01 // frameHello advertises the sender's roles
	frameData  byte = 0x02 // frameData carries an application payload
)

// errEmptyFrame is returned for a message without a frame type.
var errEmptyFrame = errors.New("empty frame")

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}

// frame prepends the frame type to a payload.
func frame(kind byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = kind
	copy(buf[1:], payload)

	return buf
}

// splitFrame returns the frame type and payload of a message.
func splitFrame(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, errEmptyFrame
	}

	return msg[0], msg[1:], nil
}

// encodeHello builds a Hello envelope listing roles.
func encodeHello(roles []string) []byte {
	b := flatbuffers.NewBuilder(64)

	offsets := make([]flatbuffers.UOffsetT, len(roles))
	for i, r := range roles {
		offsets[i] = b.CreateString(r)
	}

	types.EnvelopeStartRolesVector(b, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	rolesVec := b.EndVector(len(offsets))

	types.EnvelopeStart(b)
	types.EnvelopeAddKind(b, types.KindHello)
	types.EnvelopeAddRoles(b, rolesVec)
	b.Finish(types.EnvelopeEnd(b))

	return b.FinishedBytes()
}

// decodeHello extracts the role list of a Hello envelope.
func decodeHello(data []byte) (roles []string, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("malformed hello")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("hello too short")
	}

	env := types.GetRootAsEnvelope(data, 0)
	if env.Kind() != types.KindHello {
		return nil, fmt.Errorf("unexpected envelope kind %s", env.Kind())
	}

	roles = make([]string, env.RolesLength())
	for i := range roles {
		roles[i] = string(env.Roles(i))
	}

	return roles, nil
}

package proto

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// WireVersion is the first byte of every datagram.
const WireVersion byte = 1

// MaxDatagramSize bounds encoded messages so they fit in one UDP datagram
// without fragmentation on common paths.
const MaxDatagramSize = 1400

const idLen = 32

var (
	ErrMalformed = errors.New("proto: malformed message")
	ErrTooLarge  = errors.New("proto: message too large")
)

// Codec converts messages to and from datagrams.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

// MsgpackCodec frames a msgpack body behind a version byte.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m *Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("proto encode: %w", err)
	}
	if len(body)+1 > MaxDatagramSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, WireVersion)
	return append(out, body...), nil
}

func (MsgpackCodec) Decode(b []byte) (*Message, error) {
	if len(b) < 2 || b[0] != WireVersion {
		return nil, ErrMalformed
	}
	var m Message
	if err := msgpack.Unmarshal(b[1:], &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validate(m *Message) error {
	if m.Type != TypeQuery && m.Type != TypeResponse {
		return ErrMalformed
	}
	if !m.Command.Valid() {
		return ErrMalformed
	}
	if !optionalID(m.ID) || !optionalID(m.Target) || !optionalID(m.PeerID) {
		return ErrMalformed
	}
	for _, n := range m.Nodes {
		if !optionalID(n.ID) {
			return ErrMalformed
		}
	}
	return nil
}

func optionalID(b []byte) bool { return len(b) == 0 || len(b) == idLen }

// MustMarshal encodes with the default codec and panics on failure.
// Test helper for hand-built datagrams.
func MustMarshal(m *Message) []byte {
	b, err := MsgpackCodec{}.Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

package dhtnode

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"

	"swarm-dht/internal/dht"
)

var errEmptyTopic = errors.New("empty topic")

// parseTopic maps user text to a 32-byte id: 64 hex digits are taken
// as-is, anything else is hashed.
func parseTopic(s string) (dht.NodeID, error) {
	if s == "" {
		return dht.NodeID{}, errEmptyTopic
	}
	if len(s) == hex.EncodedLen(dht.NodeIDBytes) {
		if id, err := dht.ParseNodeIDHex(s); err == nil {
			return id, nil
		}
	}
	return blake2b.Sum256([]byte(s)), nil
}

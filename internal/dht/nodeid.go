package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

const NodeIDBytes = 32

const nodeIDBits = NodeIDBytes * 8

// NodeID identifies nodes, topics and value keys alike.
type NodeID [NodeIDBytes]byte

func ParseNodeIDHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	return NodeIDFromBytes(b)
}

func MustParseNodeIDHex(s string) NodeID {
	id, err := ParseNodeIDHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDBytes {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// Short is the first 8 hex chars, for logs.
func (id NodeID) Short() string { return hex.EncodeToString(id[:4]) }

func (id NodeID) String() string { return id.Hex() }

func (id NodeID) IsZero() bool { return id == NodeID{} }

// XOR distance: d = a ^ b
func Xor(a, b NodeID) (out NodeID) {
	for i := 0; i < NodeIDBytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// Distance is the XOR metric read as a big-endian unsigned integer.
func Distance(a, b NodeID) NodeID { return Xor(a, b) }

// Closer reports whether a is strictly closer to target than b. Equal
// distances only happen for a == b; the id comparison keeps it total.
func Closer(target, a, b NodeID) bool {
	da, db := Distance(target, a), Distance(target, b)
	if c := bytes.Compare(da[:], db[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(a[:], b[:]) < 0
}

// CommonPrefixLen counts leading bits shared by a and b (256 if equal).
func CommonPrefixLen(a, b NodeID) int {
	for i := 0; i < NodeIDBytes; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return nodeIDBits
}

// BucketIndex returns [0..255] for 256-bit IDs.
// It's the index of the first differing bit (MSB-first).
// If identical, returns -1.
func BucketIndex(self, other NodeID) int {
	cpl := CommonPrefixLen(self, other)
	if cpl == nodeIDBits {
		return -1
	}
	return cpl
}

// RandomIDInBucket returns an id sharing exactly cpl leading bits with
// self, used to refresh the bucket at that depth.
func RandomIDInBucket(self NodeID, cpl int) NodeID {
	id := RandomNodeID()
	if cpl >= nodeIDBits {
		return self
	}
	for i := 0; i < cpl; i++ {
		setBit(&id, i, bit(self, i))
	}
	setBit(&id, cpl, bit(self, cpl)^1)
	return id
}

func bit(id NodeID, i int) byte { return (id[i/8] >> (7 - uint(i%8))) & 1 }

func setBit(id *NodeID, i int, v byte) {
	mask := byte(1) << (7 - uint(i%8))
	if v == 1 {
		id[i/8] |= mask
	} else {
		id[i/8] &^= mask
	}
}

package dht

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
)

const MaxSaltSize = 64

var (
	ErrBadRecord     = errors.New("dht: bad record")
	ErrBadSignature  = errors.New("dht: bad signature")
	ErrStaleSequence = errors.New("dht: stale sequence")
	ErrKeyMismatch   = errors.New("dht: key mismatch")
	ErrValueTooLarge = errors.New("dht: value too large")
)

// ValueRecord is a stored value. PubKey is nil for immutable records.
type ValueRecord struct {
	Key    NodeID
	Value  []byte
	PubKey ed25519.PublicKey
	Salt   []byte
	Seq    uint64
	Sig    []byte

	StoredAt time.Time
}

func (r *ValueRecord) Mutable() bool { return len(r.PubKey) > 0 }

func (r *ValueRecord) clone() *ValueRecord {
	out := *r
	out.Value = append([]byte(nil), r.Value...)
	if r.PubKey != nil {
		out.PubKey = append(ed25519.PublicKey(nil), r.PubKey...)
	}
	if r.Salt != nil {
		out.Salt = append([]byte(nil), r.Salt...)
	}
	if r.Sig != nil {
		out.Sig = append([]byte(nil), r.Sig...)
	}
	return &out
}

// ImmutableKey is the content address of value.
func ImmutableKey(value []byte) NodeID {
	return NodeID(blake2b.Sum256(value))
}

// For mutable keys: key = blake2b(pubKey || salt)
func MutableKey(pubKey ed25519.PublicKey, salt []byte) NodeID {
	buf := make([]byte, 0, len(pubKey)+len(salt))
	buf = append(buf, pubKey...)
	buf = append(buf, salt...)
	return NodeID(blake2b.Sum256(buf))
}

// Canonical payload for signing mutable records:
// len(salt) || salt || seq (big endian) || value.
func signPayload(salt []byte, seq uint64, value []byte) []byte {
	buf := make([]byte, 0, 1+len(salt)+8+len(value))
	buf = append(buf, byte(len(salt)))
	buf = append(buf, salt...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return append(buf, value...)
}

func SignMutable(priv ed25519.PrivateKey, salt []byte, seq uint64, value []byte) []byte {
	return ed25519.Sign(priv, signPayload(salt, seq, value))
}

func VerifyMutable(pub ed25519.PublicKey, salt []byte, seq uint64, value []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, signPayload(salt, seq, value), sig)
}

// NewMutableRecord signs value under priv.
func NewMutableRecord(priv ed25519.PrivateKey, salt []byte, seq uint64, value []byte) *ValueRecord {
	pub := priv.Public().(ed25519.PublicKey)
	return &ValueRecord{
		Key:    MutableKey(pub, salt),
		Value:  append([]byte(nil), value...),
		PubKey: pub,
		Salt:   append([]byte(nil), salt...),
		Seq:    seq,
		Sig:    SignMutable(priv, salt, seq, value),
	}
}

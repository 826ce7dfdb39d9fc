package dht

import (
	"bytes"
	"crypto/ed25519"
)

// validateImmutable checks an immutable record against the key it was
// requested or stored under.
func validateImmutable(key NodeID, value []byte, maxSize int) error {
	if len(value) > maxSize {
		return ErrValueTooLarge
	}
	if ImmutableKey(value) != key {
		return ErrKeyMismatch
	}
	return nil
}

// validateMutableShape covers everything that does not need the stored
// state or the signature: sizes and the key derivation.
func validateMutableShape(rec *ValueRecord, maxSize int) error {
	if rec == nil || len(rec.PubKey) != ed25519.PublicKeySize {
		return ErrBadRecord
	}
	if len(rec.Salt) > MaxSaltSize {
		return ErrBadRecord
	}
	if len(rec.Value) > maxSize {
		return ErrValueTooLarge
	}
	if MutableKey(rec.PubKey, rec.Salt) != rec.Key {
		return ErrKeyMismatch
	}
	return nil
}

// ValidateRecord fully checks a record fetched from a remote node for key.
// Nodes answering get are untrusted, so every hit goes through here before
// it is returned or cached.
func ValidateRecord(key NodeID, rec *ValueRecord, maxSize int) error {
	if rec == nil {
		return ErrBadRecord
	}
	if !rec.Mutable() {
		return validateImmutable(key, rec.Value, maxSize)
	}
	if rec.Key != key {
		return ErrKeyMismatch
	}
	if err := validateMutableShape(rec, maxSize); err != nil {
		return err
	}
	if !VerifyMutable(rec.PubKey, rec.Salt, rec.Seq, rec.Value, rec.Sig) {
		return ErrBadSignature
	}
	return nil
}

func sameMutable(a, b *ValueRecord) bool {
	return a.Seq == b.Seq && bytes.Equal(a.Value, b.Value)
}

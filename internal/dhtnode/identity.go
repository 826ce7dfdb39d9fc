package dhtnode

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"swarm-dht/internal/dht"
)

// loadOrCreateID reads the node id stored at path, creating a random one
// on first start. Keeping the id stable keeps our place in other nodes'
// routing tables across restarts.
func loadOrCreateID(path string) (dht.NodeID, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id, err := dht.ParseNodeIDHex(strings.TrimSpace(string(raw)))
		if err != nil {
			return dht.NodeID{}, fmt.Errorf("node id %s: %w", path, err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return dht.NodeID{}, err
	}

	id := dht.RandomNodeID()
	if err := os.WriteFile(path, []byte(id.Hex()+"\n"), 0o600); err != nil {
		return dht.NodeID{}, err
	}
	return id, nil
}

// loadOrCreateSigningKey does the same for the ed25519 key that signs
// mutable records. Only the seed is stored.
func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: malformed seed", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

package dht

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const tokenSecretSize = 32

// TokenManager issues round-trip tokens: keyed blake2b over the
// requester's address. Tokens verify against the current and the previous
// secret, so one issued just before a rotation still works.
type TokenManager struct {
	rand io.Reader

	mu       sync.RWMutex
	current  [tokenSecretSize]byte
	previous [tokenSecretSize]byte
}

// NewTokenManager draws both secrets from r (crypto/rand when nil).
func NewTokenManager(r io.Reader) (*TokenManager, error) {
	if r == nil {
		r = rand.Reader
	}
	tm := &TokenManager{rand: r}
	if _, err := io.ReadFull(r, tm.current[:]); err != nil {
		return nil, fmt.Errorf("dht: token secret: %w", err)
	}
	if _, err := io.ReadFull(r, tm.previous[:]); err != nil {
		return nil, fmt.Errorf("dht: token secret: %w", err)
	}
	return tm, nil
}

// Rotate retires the current secret to previous and draws a new one.
func (tm *TokenManager) Rotate() error {
	var next [tokenSecretSize]byte
	if _, err := io.ReadFull(tm.rand, next[:]); err != nil {
		return fmt.Errorf("dht: token rotate: %w", err)
	}
	tm.mu.Lock()
	tm.previous = tm.current
	tm.current = next
	tm.mu.Unlock()
	return nil
}

func (tm *TokenManager) Issue(addr netip.AddrPort) []byte {
	tm.mu.RLock()
	secret := tm.current
	tm.mu.RUnlock()
	return deriveToken(secret, addr)
}

func (tm *TokenManager) Verify(token []byte, addr netip.AddrPort) bool {
	if len(token) != blake2b.Size256 {
		return false
	}
	tm.mu.RLock()
	cur, prev := tm.current, tm.previous
	tm.mu.RUnlock()

	okCur := subtle.ConstantTimeCompare(token, deriveToken(cur, addr))
	okPrev := subtle.ConstantTimeCompare(token, deriveToken(prev, addr))
	return okCur|okPrev == 1
}

func deriveToken(secret [tokenSecretSize]byte, addr netip.AddrPort) []byte {
	h, err := blake2b.New256(secret[:])
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	ip := addr.Addr().Unmap().As16()
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], addr.Port())
	h.Write(ip[:])
	h.Write(port[:])
	return h.Sum(nil)
}

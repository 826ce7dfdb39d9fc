package dht

import (
	"net/netip"
	"sync"
	"time"
)

// ipLimiter is a token bucket per source IP. Ports are ignored so a host
// cannot dodge the limit by rebinding.
type ipLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[netip.Addr]*tokenBucket
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newIPLimiter(rate, burst float64) *ipLimiter {
	return &ipLimiter{rate: rate, burst: burst, buckets: make(map[netip.Addr]*tokenBucket)}
}

func (l *ipLimiter) allow(ip netip.Addr, now time.Time) bool {
	ip = ip.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[ip]
	if b == nil {
		b = &tokenBucket{tokens: l.burst, last: now}
		l.buckets[ip] = b
	}
	if dt := now.Sub(b.last).Seconds(); dt > 0 {
		b.tokens = min(l.burst, b.tokens+dt*l.rate)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune forgets buckets idle long enough to have refilled completely.
func (l *ipLimiter) prune(now time.Time) int {
	idle := time.Duration(l.burst/l.rate*float64(time.Second)) + time.Second
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.buckets {
		if now.Sub(b.last) > idle {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

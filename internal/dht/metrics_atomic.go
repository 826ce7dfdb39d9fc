package dht

import (
	"sync"
	"sync/atomic"
	"time"
)

// AtomicMetrics counts RPC and lookup outcomes in memory; the daemon prints
// its snapshot on /stats.
type AtomicMetrics struct {
	rpcOK         atomic.Uint64
	rpcFail       atomic.Uint64
	lookups       atomic.Uint64
	lookupOK      atomic.Uint64
	lookupFail    atomic.Uint64
	lookupQueries atomic.Uint64
	rtSize        atomic.Int64

	mu      sync.Mutex
	byKind  map[string]uint64
	buckets map[int]int
}

func (m *AtomicMetrics) IncRPC(kind string, ok bool) {
	if ok {
		m.rpcOK.Add(1)
	} else {
		m.rpcFail.Add(1)
	}
	m.mu.Lock()
	if m.byKind == nil {
		m.byKind = make(map[string]uint64)
	}
	m.byKind[kind]++
	m.mu.Unlock()
}

func (m *AtomicMetrics) ObserveLookup(kind string, queries int, duration time.Duration, ok bool) {
	m.lookups.Add(1)
	m.lookupQueries.Add(uint64(queries))
	if ok {
		m.lookupOK.Add(1)
	} else {
		m.lookupFail.Add(1)
	}
}

func (m *AtomicMetrics) SetRoutingTableSize(n int) { m.rtSize.Store(int64(n)) }

func (m *AtomicMetrics) SetBucketOccupancy(bucket int, n int) {
	m.mu.Lock()
	if m.buckets == nil {
		m.buckets = make(map[int]int)
	}
	m.buckets[bucket] = n
	m.mu.Unlock()
}

func (m *AtomicMetrics) Snapshot() map[string]uint64 {
	out := map[string]uint64{
		"rpc_ok":         m.rpcOK.Load(),
		"rpc_fail":       m.rpcFail.Load(),
		"lookups":        m.lookups.Load(),
		"lookup_ok":      m.lookupOK.Load(),
		"lookup_fail":    m.lookupFail.Load(),
		"lookup_queries": m.lookupQueries.Load(),
		"routing_size":   uint64(m.rtSize.Load()),
	}
	m.mu.Lock()
	for k, v := range m.byKind {
		out["rpc_"+k] = v
	}
	m.mu.Unlock()
	return out
}

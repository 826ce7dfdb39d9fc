package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

// PeerRecord is one peer announced under a topic.
type PeerRecord struct {
	Topic       NodeID
	PeerID      NodeID
	Addr        netip.AddrPort
	AnnouncedAt time.Time
}

type PeerStoreConfig struct {
	MaxPeersPerTopic int
	MaxTopics        int
	TTL              time.Duration
}

func DefaultPeerStoreConfig() PeerStoreConfig {
	return PeerStoreConfig{
		MaxPeersPerTopic: 64,
		MaxTopics:        10000,
		TTL:              30 * time.Minute,
	}
}

// PeerStore holds announcements. Both maps keep insertion order so the
// front is always the eviction candidate: the oldest announce within a
// topic, the least recently touched topic overall.
type PeerStore struct {
	cfg PeerStoreConfig

	mu     sync.Mutex
	topics *orderedmap.OrderedMap[NodeID, *orderedmap.OrderedMap[NodeID, PeerRecord]]
}

func NewPeerStore(cfg PeerStoreConfig) *PeerStore {
	def := DefaultPeerStoreConfig()
	if cfg.MaxPeersPerTopic <= 0 {
		cfg.MaxPeersPerTopic = def.MaxPeersPerTopic
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = def.MaxTopics
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &PeerStore{
		cfg:    cfg,
		topics: orderedmap.NewOrderedMap[NodeID, *orderedmap.OrderedMap[NodeID, PeerRecord]](),
	}
}

// touchLocked moves topic to the back of the recency order.
func (ps *PeerStore) touchLocked(topic NodeID) (*orderedmap.OrderedMap[NodeID, PeerRecord], bool) {
	peers, ok := ps.topics.Get(topic)
	if !ok {
		return nil, false
	}
	ps.topics.Delete(topic)
	ps.topics.Set(topic, peers)
	return peers, true
}

// Announce upserts the record for (topic, peerID) and bumps its time. A live
// record announced from another IP is left alone and false is returned.
func (ps *PeerStore) Announce(topic, peerID NodeID, addr netip.AddrPort, now time.Time) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peers, ok := ps.touchLocked(topic)
	if ok {
		ps.expireLocked(topic, peers, now)
		if rec, found := peers.Get(peerID); found && rec.Addr.Addr().Unmap() != addr.Addr().Unmap() {
			return false
		}
		ok = peers.Len() > 0
	}
	if !ok {
		peers = orderedmap.NewOrderedMap[NodeID, PeerRecord]()
		ps.topics.Set(topic, peers)
		for ps.topics.Len() > ps.cfg.MaxTopics {
			ps.topics.Delete(ps.topics.Front().Key)
		}
	}

	peers.Delete(peerID)
	peers.Set(peerID, PeerRecord{Topic: topic, PeerID: peerID, Addr: addr, AnnouncedAt: now})
	for peers.Len() > ps.cfg.MaxPeersPerTopic {
		peers.Delete(peers.Front().Key)
	}
	return true
}

// Unannounce removes (topic, peerID). When from is valid the record is only
// removed if it was announced from the same IP. Missing records are a no-op.
func (ps *PeerStore) Unannounce(topic, peerID NodeID, from netip.Addr) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peers, ok := ps.topics.Get(topic)
	if !ok {
		return false
	}
	rec, ok := peers.Get(peerID)
	if !ok {
		return false
	}
	if from.IsValid() && rec.Addr.Addr() != from.Unmap() {
		return false
	}
	peers.Delete(peerID)
	if peers.Len() == 0 {
		ps.topics.Delete(topic)
	}
	return true
}

// GetPeers returns up to limit live records for topic, newest first.
func (ps *PeerStore) GetPeers(topic NodeID, limit int, now time.Time) []PeerRecord {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peers, ok := ps.touchLocked(topic)
	if !ok {
		return nil
	}
	ps.expireLocked(topic, peers, now)
	if peers.Len() == 0 {
		return nil
	}
	if limit <= 0 || limit > peers.Len() {
		limit = peers.Len()
	}

	out := make([]PeerRecord, 0, limit)
	for el := peers.Back(); el != nil && len(out) < limit; el = el.Prev() {
		out = append(out, el.Value)
	}
	return out
}

// expireLocked drops expired records from the front; announce order means
// the first live record ends the scan.
func (ps *PeerStore) expireLocked(topic NodeID, peers *orderedmap.OrderedMap[NodeID, PeerRecord], now time.Time) int {
	var dead []NodeID
	for el := peers.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value.AnnouncedAt) <= ps.cfg.TTL {
			break
		}
		dead = append(dead, el.Key)
	}
	for _, id := range dead {
		peers.Delete(id)
	}
	if peers.Len() == 0 {
		ps.topics.Delete(topic)
	}
	return len(dead)
}

// Sweep expires records across all topics.
func (ps *PeerStore) Sweep(now time.Time) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := 0
	for _, topic := range ps.topics.Keys() {
		peers, ok := ps.topics.Get(topic)
		if !ok {
			continue
		}
		n += ps.expireLocked(topic, peers, now)
	}
	return n
}

// Len returns the total number of records.
func (ps *PeerStore) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	n := 0
	for el := ps.topics.Front(); el != nil; el = el.Next() {
		n += el.Value.Len()
	}
	return n
}

func (ps *PeerStore) Topics() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.topics.Len()
}

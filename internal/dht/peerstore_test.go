package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerStore_NewestFirst(t *testing.T) {
	ps := NewPeerStore(DefaultPeerStoreConfig())
	topic := RandomNodeID()
	now := time.Now()

	p1, p2 := RandomNodeID(), RandomNodeID()
	ps.Announce(topic, p1, addrN(1), now)
	ps.Announce(topic, p2, addrN(2), now.Add(time.Second))

	got := ps.GetPeers(topic, 0, now.Add(2*time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, p2, got[0].PeerID)
	assert.Equal(t, p1, got[1].PeerID)

	// Re-announcing bumps it back to the front.
	moved := netip.AddrPortFrom(addrN(1).Addr(), 5000)
	require.True(t, ps.Announce(topic, p1, moved, now.Add(3*time.Second)))
	got = ps.GetPeers(topic, 1, now.Add(4*time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, p1, got[0].PeerID)
	assert.Equal(t, moved, got[0].Addr)
	assert.Equal(t, 2, ps.Len())
}

func TestPeerStore_PerTopicCap(t *testing.T) {
	ps := NewPeerStore(PeerStoreConfig{MaxPeersPerTopic: 3})
	topic := RandomNodeID()
	now := time.Now()

	ids := make([]NodeID, 5)
	for i := range ids {
		ids[i] = RandomNodeID()
		ps.Announce(topic, ids[i], addrN(i), now.Add(time.Duration(i)*time.Second))
	}

	got := ps.GetPeers(topic, 0, now.Add(10*time.Second))
	require.Len(t, got, 3)
	for _, p := range got {
		assert.NotEqual(t, ids[0], p.PeerID)
		assert.NotEqual(t, ids[1], p.PeerID)
	}
}

func TestPeerStore_TopicCapEvictsLeastRecentlyTouched(t *testing.T) {
	ps := NewPeerStore(PeerStoreConfig{MaxTopics: 2})
	now := time.Now()
	t1, t2, t3 := RandomNodeID(), RandomNodeID(), RandomNodeID()

	ps.Announce(t1, RandomNodeID(), addrN(1), now)
	ps.Announce(t2, RandomNodeID(), addrN(2), now)
	// Reading t1 makes t2 the eviction candidate.
	require.Len(t, ps.GetPeers(t1, 0, now), 1)
	ps.Announce(t3, RandomNodeID(), addrN(3), now)

	assert.Equal(t, 2, ps.Topics())
	assert.Len(t, ps.GetPeers(t1, 0, now), 1)
	assert.Empty(t, ps.GetPeers(t2, 0, now))
	assert.Len(t, ps.GetPeers(t3, 0, now), 1)
}

func TestPeerStore_TTL(t *testing.T) {
	ps := NewPeerStore(PeerStoreConfig{TTL: time.Minute})
	topic := RandomNodeID()
	now := time.Now()

	ps.Announce(topic, RandomNodeID(), addrN(1), now)
	ps.Announce(topic, RandomNodeID(), addrN(2), now.Add(50*time.Second))

	assert.Len(t, ps.GetPeers(topic, 0, now.Add(90*time.Second)), 1)
	assert.Equal(t, 1, ps.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, 0, ps.Len())
	assert.Equal(t, 0, ps.Topics())
}

func TestPeerStore_UnannounceChecksSourceIP(t *testing.T) {
	ps := NewPeerStore(DefaultPeerStoreConfig())
	topic, peer := RandomNodeID(), RandomNodeID()
	now := time.Now()

	ps.Announce(topic, peer, netip.MustParseAddrPort("10.0.0.1:4000"), now)

	assert.False(t, ps.Unannounce(topic, peer, netip.MustParseAddr("10.0.0.2")))
	assert.Equal(t, 1, ps.Len())

	assert.True(t, ps.Unannounce(topic, peer, netip.MustParseAddr("10.0.0.1")))
	assert.Equal(t, 0, ps.Len())

	assert.False(t, ps.Unannounce(topic, peer, netip.Addr{}), "missing record is a no-op")
}

func TestPeerStore_AnnounceKeepsRecordFromOtherIP(t *testing.T) {
	ps := NewPeerStore(PeerStoreConfig{TTL: time.Minute})
	topic, peer := RandomNodeID(), RandomNodeID()
	now := time.Now()
	victim := netip.MustParseAddrPort("10.1.1.1:5000")

	require.True(t, ps.Announce(topic, peer, victim, now))
	assert.False(t, ps.Announce(topic, peer, netip.MustParseAddrPort("10.9.9.9:6000"), now.Add(time.Second)))

	got := ps.GetPeers(topic, 0, now.Add(2*time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, victim, got[0].Addr)

	// Once the record expires the id is free again.
	assert.True(t, ps.Announce(topic, peer, netip.MustParseAddrPort("10.9.9.9:6000"), now.Add(2*time.Minute)))
}

package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm-dht/internal/proto"
)

// farID returns an id in the bucket farthest from the test node's self.
func farID(n byte) NodeID {
	var id NodeID
	id[0] = 0x80
	id[NodeIDBytes-1] = n
	return id
}

// fullBucket leaves the far bucket holding two incumbents, oldest first,
// and delivers a ping from a third contact that lands in the replacement
// cache and challenges the oldest.
func fullBucket(t *testing.T, cfg Config) (d *DHT, ft *fakeTransport, clk *fakeClock, oldest, newest NodeID) {
	t.Helper()
	cfg.K = 2
	cfg.MaxPerSubnet = 0
	d, ft, clk = newTestDHT(t, cfg)

	oldest, newest = farID(1), farID(3)
	d.rt.Insert(Contact{ID: oldest, Addr: addrN(1)}, clk.Now())
	d.rt.Insert(Contact{ID: farID(2), Addr: addrN(2)}, clk.Now())

	m := query(proto.CmdPing, 1)
	m.ID = newest[:]
	ft.deliver(m, addrN(3))

	_, ok := d.rt.Lookup(newest)
	require.False(t, ok, "bucket should be full")
	return d, ft, clk, oldest, newest
}

func TestChallenge_TimeoutPromotesReplacement(t *testing.T) {
	cfg := DefaultConfig()
	// Only the challenge itself may evict.
	cfg.MaxFailures = 10
	d, ft, clk, oldest, newest := fullBucket(t, cfg)

	ping := ft.waitQuery(t, proto.CmdPing)
	assert.Equal(t, addrN(1), ping.to)

	require.Eventually(t, func() bool {
		d.rpc.Sweep(clk.Advance(cfg.RPCTimeout))
		_, ok := d.rt.Lookup(oldest)
		return !ok
	}, 2*time.Second, time.Millisecond)

	_, ok := d.rt.Lookup(newest)
	assert.True(t, ok, "replacement promoted")
	assert.Equal(t, 2, d.rt.Size())
}

func TestChallenge_LiveIncumbentStays(t *testing.T) {
	d, ft, _, oldest, newest := fullBucket(t, DefaultConfig())

	ping := ft.waitQuery(t, proto.CmdPing)
	require.Equal(t, addrN(1), ping.to)
	ft.respond(ping, oldest, nil)

	require.Eventually(t, func() bool {
		d.challengeMu.Lock()
		defer d.challengeMu.Unlock()
		return len(d.challenging) == 0
	}, 2*time.Second, time.Millisecond)

	_, ok := d.rt.Lookup(oldest)
	assert.True(t, ok)
	_, ok = d.rt.Lookup(newest)
	assert.False(t, ok)

	// The newcomer is still waiting in the replacement cache.
	require.True(t, d.rt.Evict(oldest))
	_, ok = d.rt.Lookup(newest)
	assert.True(t, ok)
}

func TestChallenge_NotStartedAfterClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.K = 2
	cfg.MaxPerSubnet = 0
	d, ft, clk := newTestDHT(t, cfg)

	d.rt.Insert(Contact{ID: farID(1), Addr: addrN(1)}, clk.Now())
	d.rt.Insert(Contact{ID: farID(2), Addr: addrN(2)}, clk.Now())
	require.NoError(t, d.Close())

	d.addContact(Contact{ID: farID(3), Addr: addrN(3)})

	assert.Empty(t, ft.queries(proto.CmdPing))
	d.challengeMu.Lock()
	assert.Empty(t, d.challenging)
	d.challengeMu.Unlock()
}

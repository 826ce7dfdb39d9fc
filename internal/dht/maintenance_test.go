package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm-dht/internal/proto"
)

func TestTick_RotatesTokensWhenDue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenRotation = time.Minute
	d, _, clk := newTestDHT(t, cfg)

	now := clk.Now()
	st := maintenanceState{
		nextRotate:     now.Add(time.Minute),
		nextStoreSweep: now.Add(time.Hour),
		nextRefresh:    now.Add(time.Hour),
		nextRepublish:  now.Add(time.Hour),
	}

	tok := d.tokens.Issue(remoteAddr)

	d.tick(clk.Advance(30*time.Second), &st)
	assert.True(t, d.tokens.Verify(tok, remoteAddr))

	d.tick(clk.Advance(30*time.Second), &st)
	assert.True(t, d.tokens.Verify(tok, remoteAddr), "one rotation keeps it valid")

	d.tick(clk.Advance(time.Minute), &st)
	assert.False(t, d.tokens.Verify(tok, remoteAddr))
}

func TestTick_SweepsStores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerStore.TTL = time.Minute
	cfg.ValueStore.TTL = time.Minute
	metrics := &AtomicMetrics{}
	d, _, clk := newTestDHT(t, cfg)
	d.metrics = metrics

	now := clk.Now()
	d.peers.Announce(RandomNodeID(), RandomNodeID(), remoteAddr, now)
	_, err := d.values.PutImmutable([]byte("v"), now)
	require.NoError(t, err)
	d.rt.Insert(Contact{ID: RandomNodeID(), Addr: remoteAddr}, now)

	st := maintenanceState{
		nextRotate:     now.Add(time.Hour),
		nextStoreSweep: now.Add(2 * time.Minute),
		nextRefresh:    now.Add(time.Hour),
		nextRepublish:  now.Add(time.Hour),
	}
	d.tick(clk.Advance(2*time.Minute), &st)

	assert.Equal(t, 0, d.peers.Len())
	assert.Equal(t, 0, d.values.Len())
	assert.Equal(t, uint64(1), metrics.Snapshot()["routing_size"])
}

func TestTick_RefreshLooksUpEveryBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.K = 2
	cfg.MaxPerSubnet = 0
	cfg.MaxFailures = 255
	d, ft, clk := newTestDHT(t, cfg)

	near := farID(9)
	near[0] = 0x40
	d.rt.Insert(Contact{ID: farID(1), Addr: addrN(1)}, clk.Now())
	d.rt.Insert(Contact{ID: farID(2), Addr: addrN(2)}, clk.Now())
	d.rt.Insert(Contact{ID: near, Addr: addrN(3)}, clk.Now())
	require.Equal(t, 2, d.rt.BucketCount())

	now := clk.Now()
	st := maintenanceState{
		nextRotate:     now.Add(time.Hour),
		nextStoreSweep: now.Add(time.Hour),
		nextRefresh:    now,
		nextRepublish:  now.Add(time.Hour),
	}
	d.tick(now, &st)
	require.True(t, d.refreshing.Load())

	// Nobody answers; every lookup ends on timeouts.
	require.Eventually(t, func() bool {
		d.rpc.Sweep(clk.Advance(cfg.RPCTimeout))
		return !d.refreshing.Load()
	}, 5*time.Second, time.Millisecond)

	depths := map[int]bool{}
	for _, q := range ft.queries(proto.CmdFindNode) {
		target, err := NodeIDFromBytes(q.msg.Target)
		require.NoError(t, err)
		depths[CommonPrefixLen(d.self, target)] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, depths)
	assert.Equal(t, 3, d.rt.Size())
}

func TestTick_RepublishRewritesOwnedRecords(t *testing.T) {
	d, ft, clk := newTestDHT(t, DefaultConfig())

	peer := farID(1)
	d.rt.Insert(Contact{ID: peer, Addr: addrN(1)}, clk.Now())

	topic := RandomNodeID()
	d.ownedMu.Lock()
	d.ownedTopics[topic] = clk.Now()
	d.ownedMu.Unlock()

	value := []byte("republished")
	key, err := d.values.PutImmutable(value, clk.Now())
	require.NoError(t, err)
	d.own(key)

	now := clk.Now()
	st := maintenanceState{
		nextRotate:     now.Add(time.Hour),
		nextStoreSweep: now.Add(time.Hour),
		nextRefresh:    now.Add(time.Hour),
		nextRepublish:  now,
	}
	d.tick(now, &st)

	token := []byte("token-from-peer")
	withToken := func(m *proto.Message) { m.Token = token }

	fp := ft.waitQuery(t, proto.CmdFindPeers)
	assert.Equal(t, topic[:], fp.msg.Target)
	ft.respond(fp, peer, withToken)

	ann := ft.waitQuery(t, proto.CmdAnnounce)
	assert.Equal(t, addrN(1), ann.to)
	assert.Equal(t, topic[:], ann.msg.Target)
	assert.Equal(t, token, ann.msg.Token)
	assert.Equal(t, d.self[:], ann.msg.PeerID)
	ft.respond(ann, peer, nil)

	get := ft.waitQuery(t, proto.CmdGet)
	assert.Equal(t, key[:], get.msg.Target)
	ft.respond(get, peer, withToken)

	put := ft.waitQuery(t, proto.CmdPut)
	require.NotNil(t, put.msg.Record)
	assert.Equal(t, value, put.msg.Record.Value)
	assert.Equal(t, token, put.msg.Token)
	ft.respond(put, peer, nil)

	require.Eventually(t, func() bool { return !d.republishing.Load() }, 2*time.Second, time.Millisecond)
}

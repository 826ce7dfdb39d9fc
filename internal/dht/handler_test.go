package dht

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm-dht/internal/proto"
)

var remoteAddr = netip.MustParseAddrPort("127.0.0.1:9999")

func query(cmd proto.Command, tid uint16) *proto.Message {
	remote := MustParseNodeIDHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	return &proto.Message{Type: proto.TypeQuery, TID: tid, Command: cmd, ID: remote[:]}
}

func TestHandler_PingPong(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())

	ft.deliver(query(proto.CmdPing, 1), remoteAddr)

	got, to := ft.lastSent(t)
	assert.Equal(t, remoteAddr, to)
	assert.Equal(t, proto.TypeResponse, got.Type)
	assert.Equal(t, proto.CmdPing, got.Command)
	assert.Equal(t, uint16(1), got.TID)
	assert.Equal(t, d.self[:], got.ID)

	require.NotNil(t, got.To)
	observed, ok := got.To.AddrPort()
	require.True(t, ok)
	assert.Equal(t, remoteAddr, observed)

	// The sender identified itself, so it is now a contact.
	_, ok = d.rt.Lookup(MustParseNodeIDHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	assert.True(t, ok)
}

func TestHandler_SelfPingIgnored(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())

	m := query(proto.CmdPing, 1)
	m.Value = d.self[:]
	ft.deliver(m, remoteAddr)
	assert.Equal(t, 0, ft.sentCount())
}

func TestHandler_AnonymousSenderNotInserted(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())

	m := query(proto.CmdPing, 1)
	m.ID = nil
	ft.deliver(m, remoteAddr)
	assert.Equal(t, 1, ft.sentCount())
	assert.Equal(t, 0, d.rt.Size())
}

func TestHandler_FindNode_ReturnsClosest(t *testing.T) {
	d, ft, clk := newTestDHT(t, DefaultConfig())

	id1 := MustParseNodeIDHex("1111111111111111111111111111111111111111111111111111111111111111")
	id2 := MustParseNodeIDHex("2222222222222222222222222222222222222222222222222222222222222222")
	id3 := MustParseNodeIDHex("3333333333333333333333333333333333333333333333333333333333333333")
	d.rt.Insert(Contact{ID: id1, Addr: netip.MustParseAddrPort("10.0.0.1:1001")}, clk.Now())
	d.rt.Insert(Contact{ID: id2, Addr: netip.MustParseAddrPort("10.0.1.2:1002")}, clk.Now())
	d.rt.Insert(Contact{ID: id3, Addr: netip.MustParseAddrPort("10.0.2.3:1003")}, clk.Now())

	m := query(proto.CmdFindNode, 2)
	m.Target = id2[:]
	ft.deliver(m, remoteAddr)

	got, _ := ft.lastSent(t)
	assert.Equal(t, proto.CmdFindNode, got.Command)
	assert.Equal(t, proto.CodeOK, got.Error)
	require.NotEmpty(t, got.Nodes)
	assert.Empty(t, got.Token, "find_node hands out no token")

	// The target itself comes first.
	assert.Equal(t, id2[:], got.Nodes[0].ID)
	ap, ok := got.Nodes[0].AddrPort()
	require.True(t, ok)
	assert.Equal(t, "10.0.1.2:1002", ap.String())
}

func TestHandler_AnnounceNeedsToken(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())
	topic := RandomNodeID()

	m := query(proto.CmdAnnounce, 3)
	m.Target = topic[:]
	m.Token = []byte("forged-token-forged-token-forged")
	ft.deliver(m, remoteAddr)

	got, _ := ft.lastSent(t)
	assert.Equal(t, proto.CodeUnauthorized, got.Error)
	assert.Equal(t, 0, d.peers.Len())
}

func TestHandler_AnnounceThenFindPeers(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())
	topic := RandomNodeID()

	fp := query(proto.CmdFindPeers, 4)
	fp.Target = topic[:]
	ft.deliver(fp, remoteAddr)
	got, _ := ft.lastSent(t)
	require.NotEmpty(t, got.Token)
	assert.Empty(t, got.Peers)

	ann := query(proto.CmdAnnounce, 5)
	ann.Target = topic[:]
	ann.Token = got.Token
	ft.deliver(ann, remoteAddr)
	got, _ = ft.lastSent(t)
	require.Equal(t, proto.CodeOK, got.Error)

	fp.TID = 6
	ft.deliver(fp, remoteAddr)
	got, _ = ft.lastSent(t)
	require.Len(t, got.Peers, 1)
	ap, ok := got.Peers[0].AddrPort()
	require.True(t, ok)
	assert.Equal(t, remoteAddr, ap)
	assert.Equal(t, query(proto.CmdPing, 0).ID, got.Peers[0].ID)

	// Unannounce removes it again.
	un := query(proto.CmdUnannounce, 7)
	un.Target = topic[:]
	un.Token = d.tokens.Issue(remoteAddr)
	ft.deliver(un, remoteAddr)
	got, _ = ft.lastSent(t)
	require.Equal(t, proto.CodeOK, got.Error)
	assert.Equal(t, 0, d.peers.Len())
}

func TestHandler_TokenFromOtherAddressRejected(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())
	topic := RandomNodeID()

	m := query(proto.CmdAnnounce, 3)
	m.Target = topic[:]
	m.Token = d.tokens.Issue(netip.MustParseAddrPort("127.0.0.2:9999"))
	ft.deliver(m, remoteAddr)

	got, _ := ft.lastSent(t)
	assert.Equal(t, proto.CodeUnauthorized, got.Error)
}

func TestHandler_PutAndGetImmutable(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())
	value := []byte("hello")
	key := ImmutableKey(value)

	put := query(proto.CmdPut, 8)
	put.Target = key[:]
	put.Token = d.tokens.Issue(remoteAddr)
	put.Record = &proto.Record{Value: value}
	ft.deliver(put, remoteAddr)
	got, _ := ft.lastSent(t)
	require.Equal(t, proto.CodeOK, got.Error)

	get := query(proto.CmdGet, 9)
	get.Target = key[:]
	ft.deliver(get, remoteAddr)
	got, _ = ft.lastSent(t)
	require.NotNil(t, got.Record)
	assert.Equal(t, value, got.Record.Value)
	assert.NotEmpty(t, got.Token)

	// Stored under the wrong key.
	other := RandomNodeID()
	bad := query(proto.CmdPut, 10)
	bad.Target = other[:]
	bad.Token = d.tokens.Issue(remoteAddr)
	bad.Record = &proto.Record{Value: value}
	ft.deliver(bad, remoteAddr)
	got, _ = ft.lastSent(t)
	assert.Equal(t, proto.CodeBadRequest, got.Error)
}

func TestHandler_PutMutableRejections(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())
	priv := newKey(t)

	putRec := func(tid uint16, rec *ValueRecord) proto.ErrorCode {
		m := query(proto.CmdPut, tid)
		m.Target = rec.Key[:]
		m.Token = d.tokens.Issue(remoteAddr)
		m.Record = toWireRecord(rec)
		ft.deliver(m, remoteAddr)
		got, _ := ft.lastSent(t)
		return got.Error
	}

	assert.Equal(t, proto.CodeOK, putRec(1, NewMutableRecord(priv, nil, 2, []byte("v2"))))
	assert.Equal(t, proto.CodeStaleSequence, putRec(2, NewMutableRecord(priv, nil, 1, []byte("v1"))))

	tampered := NewMutableRecord(priv, nil, 3, []byte("v3"))
	tampered.Value = []byte("evil")
	assert.Equal(t, proto.CodeBadSignature, putRec(3, tampered))

	assert.Equal(t, proto.CodeOK, putRec(4, NewMutableRecord(priv, nil, 2, []byte("v2"))), "replay is idempotent")
}

func TestHandler_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	_, ft, clk := newTestDHT(t, cfg)

	for i := 0; i < 4; i++ {
		ft.deliver(query(proto.CmdPing, uint16(i)), remoteAddr)
	}
	assert.Equal(t, 2, ft.sentCount())

	clk.Advance(time.Second)
	ft.deliver(query(proto.CmdPing, 9), remoteAddr)
	assert.Equal(t, 3, ft.sentCount())
}

func TestHandler_EphemeralOmitsID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ephemeral = true
	_, ft, _ := newTestDHT(t, cfg)

	ft.deliver(query(proto.CmdPing, 1), remoteAddr)
	got, _ := ft.lastSent(t)
	assert.Empty(t, got.ID)
}

// fillTable inserts n contacts on distinct subnets.
func fillTable(t *testing.T, d *DHT, n int) {
	t.Helper()
	now := d.clock.Now()
	for i := 1; i <= n; i++ {
		d.rt.Insert(Contact{ID: randID(t), Addr: addrN(i)}, now)
	}
	require.GreaterOrEqual(t, d.rt.Size(), d.cfg.K)
}

func TestHandler_FindPeersReplyFitsDatagram(t *testing.T) {
	d, ft, clk := newTestDHT(t, DefaultConfig())
	fillTable(t, d, 200)

	topic := RandomNodeID()
	for i := 0; i < 20; i++ {
		require.True(t, d.peers.Announce(topic, randID(t), addrN(1000+i), clk.Now()))
	}

	m := query(proto.CmdFindPeers, 11)
	m.Target = topic[:]
	ft.deliver(m, remoteAddr)

	require.Equal(t, 1, ft.sentCount())
	assert.LessOrEqual(t, ft.lastSize(), proto.MaxDatagramSize)
	got, _ := ft.lastSent(t)
	assert.Equal(t, proto.CodeOK, got.Error)
	assert.NotEmpty(t, got.Token)
	assert.NotEmpty(t, got.Peers)
	assert.Len(t, got.Nodes, minReplyNodes)

	// The newest peer survives trimming.
	newest := d.peers.GetPeers(topic, 1, clk.Now())
	require.Len(t, newest, 1)
	assert.Equal(t, newest[0].PeerID[:], got.Peers[0].ID)
}

func TestHandler_GetReplyKeepsLargeValue(t *testing.T) {
	d, ft, clk := newTestDHT(t, DefaultConfig())
	fillTable(t, d, 200)

	value := bytes.Repeat([]byte{0xab}, d.values.MaxValueSize())
	key, err := d.values.PutImmutable(value, clk.Now())
	require.NoError(t, err)

	m := query(proto.CmdGet, 12)
	m.Target = key[:]
	ft.deliver(m, remoteAddr)

	require.Equal(t, 1, ft.sentCount())
	assert.LessOrEqual(t, ft.lastSize(), proto.MaxDatagramSize)
	got, _ := ft.lastSent(t)
	require.NotNil(t, got.Record)
	assert.Equal(t, value, got.Record.Value)
	assert.NotEmpty(t, got.Token)
	assert.Less(t, len(got.Nodes), d.cfg.K)
}

func TestHandler_AnnounceCannotHijackPeer(t *testing.T) {
	d, ft, _ := newTestDHT(t, DefaultConfig())
	topic := RandomNodeID()
	victimID := MustParseNodeIDHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	victim := netip.MustParseAddrPort("10.1.1.1:5000")
	attacker := netip.MustParseAddrPort("10.9.9.9:6000")

	ann := query(proto.CmdAnnounce, 1)
	ann.Target = topic[:]
	ann.Token = d.tokens.Issue(victim)
	ft.deliver(ann, victim)
	got, _ := ft.lastSent(t)
	require.Equal(t, proto.CodeOK, got.Error)

	// An identified attacker naming someone else.
	attackerID := randID(t)
	forged := query(proto.CmdAnnounce, 2)
	forged.ID = attackerID[:]
	forged.Target = topic[:]
	forged.PeerID = victimID[:]
	forged.Token = d.tokens.Issue(attacker)
	ft.deliver(forged, attacker)
	got, _ = ft.lastSent(t)
	assert.Equal(t, proto.CodeUnauthorized, got.Error)

	// An anonymous attacker naming the victim.
	forged.TID = 3
	forged.ID = nil
	ft.deliver(forged, attacker)
	got, _ = ft.lastSent(t)
	assert.Equal(t, proto.CodeUnauthorized, got.Error)

	peers := d.peers.GetPeers(topic, 0, d.clock.Now())
	require.Len(t, peers, 1)
	assert.Equal(t, victim, peers[0].Addr)
	assert.True(t, d.peers.Unannounce(topic, victimID, victim.Addr()))
}

package dht

import (
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"swarm-dht/internal/netx"
	"swarm-dht/internal/proto"
)

type sentDatagram struct {
	to   netip.AddrPort
	data []byte
}

// fakeTransport records outgoing datagrams; tests feed inbound ones
// straight into the handler.
type fakeTransport struct {
	addr netip.AddrPort

	mu      sync.Mutex
	sent    []sentDatagram
	handler netx.Handler
	failing bool
	closed  bool
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{addr: netip.MustParseAddrPort(addr)}
}

func (f *fakeTransport) LocalAddr() netip.AddrPort { return f.addr }

func (f *fakeTransport) Send(to netip.AddrPort, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("fake: send failed")
	}
	f.sent = append(f.sent, sentDatagram{to: to, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) SetHandler(h netx.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent(t *testing.T) (*proto.Message, netip.AddrPort) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "nothing sent")
	last := f.sent[len(f.sent)-1]
	msg, err := proto.MsgpackCodec{}.Decode(last.data)
	require.NoError(t, err)
	return msg, last.to
}

func (f *fakeTransport) lastSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return 0
	}
	return len(f.sent[len(f.sent)-1].data)
}

type sentQuery struct {
	msg *proto.Message
	to  netip.AddrPort
}

// queries decodes every sent query of cmd, oldest first.
func (f *fakeTransport) queries(cmd proto.Command) []sentQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentQuery
	for _, s := range f.sent {
		msg, err := proto.MsgpackCodec{}.Decode(s.data)
		if err != nil {
			continue
		}
		if msg.Type == proto.TypeQuery && msg.Command == cmd {
			out = append(out, sentQuery{msg: msg, to: s.to})
		}
	}
	return out
}

// waitQuery waits until a query of cmd has been sent and returns the first.
func (f *fakeTransport) waitQuery(t *testing.T, cmd proto.Command) sentQuery {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.queries(cmd)) > 0 }, 2*time.Second, time.Millisecond, "no %s sent", cmd)
	return f.queries(cmd)[0]
}

// respond answers q as the node id living at q.to.
func (f *fakeTransport) respond(q sentQuery, id NodeID, fill func(*proto.Message)) {
	resp := &proto.Message{Type: proto.TypeResponse, TID: q.msg.TID, Command: q.msg.Command, ID: id[:]}
	if fill != nil {
		fill(resp)
	}
	f.deliver(resp, q.to)
}

func (f *fakeTransport) deliver(m *proto.Message, from netip.AddrPort) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(proto.MustMarshal(m), from)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func quietEntry() *logrus.Entry { return logrus.NewEntry(quietLogger()) }

// newTestDHT builds an unstarted DHT on a fake transport and clock.
func newTestDHT(t *testing.T, cfg Config) (*DHT, *fakeTransport, *fakeClock) {
	t.Helper()
	ft := newFakeTransport("127.0.0.1:4000")
	clk := newFakeClock()
	cfg.Logger = quietLogger()
	d, err := New(MustParseNodeIDHex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"), ft, cfg, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, ft, clk
}

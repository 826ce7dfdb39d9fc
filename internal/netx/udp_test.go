package netx

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

func TestUDPTransport_SendReceive(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0", quietLogger())
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport("127.0.0.1:0", quietLogger())
	require.NoError(t, err)
	defer b.Close()

	got := make(chan datagram, 1)
	b.SetHandler(func(data []byte, from netip.AddrPort) {
		got <- datagram{data: append([]byte(nil), data...), from: from}
	})

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))

	select {
	case d := <-got:
		assert.Equal(t, []byte("hello"), d.data)
		assert.Equal(t, a.LocalAddr().Port(), d.from.Port())
		assert.True(t, d.from.Addr().Is4())
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestUDPTransport_CloseIsIdempotent(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", quietLogger())
	require.NoError(t, err)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.Error(t, tr.Send(netip.MustParseAddrPort("127.0.0.1:9"), []byte("x")))
}

func TestUDPTransport_RejectsInvalidDestination(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	assert.Error(t, tr.Send(netip.AddrPort{}, []byte("x")))
}

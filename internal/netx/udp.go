package netx

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

const readBufferSize = 64 * 1024

// UDPTransport implements PacketTransport over a UDP socket. Inbound
// datagrams are handed to the handler one at a time from a single read loop.
type UDPTransport struct {
	conn *net.UDPConn
	log  *logrus.Entry

	mu      sync.RWMutex
	handler Handler

	done      chan struct{}
	closeOnce sync.Once
}

// NewUDPTransport binds bindAddr (e.g. ":49737" or "127.0.0.1:0") and starts
// the read loop.
func NewUDPTransport(bindAddr string, logger *logrus.Logger) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	t := &UDPTransport{
		conn: conn,
		log:  logger.WithField("transport", conn.LocalAddr().String()),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	ap := t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (t *UDPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *UDPTransport) Send(to netip.AddrPort, data []byte) error {
	if !to.IsValid() {
		return errors.New("netx: invalid destination")
	}
	_, err := t.conn.WriteToUDPAddrPort(data, to)
	return err
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h == nil {
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		h(buf[:n], from)
	}
}

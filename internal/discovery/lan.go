// Package discovery finds DHT nodes on the local network by UDP broadcast.
// It only learns addresses; the DHT itself verifies them.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

// LANConfig controls LAN discovery behavior.
type LANConfig struct {
	Port    int
	Timeout time.Duration
}

const (
	DefaultLANPort    = 42042
	DefaultLANTimeout = 1 * time.Second

	frameMagic = "swarm-dht/lan/1"
	maxFrame   = 512
)

// DefaultLANConfig returns the default settings for LAN discovery.
func DefaultLANConfig() LANConfig {
	return LANConfig{
		Port:    DefaultLANPort,
		Timeout: DefaultLANTimeout,
	}
}

const (
	framePing = "ping"
	framePong = "pong"
)

// lanFrame is the discovery message format.
type lanFrame struct {
	Magic string `msgpack:"m"`
	Type  string `msgpack:"t"`
	// ID is the sender's DHT node id, empty for an ephemeral prober.
	ID []byte `msgpack:"id,omitempty"`
	// Port is the sender's DHT UDP port.
	Port uint16 `msgpack:"p"`
}

func encodeFrame(f lanFrame) []byte {
	f.Magic = frameMagic
	data, err := msgpack.Marshal(&f)
	if err != nil {
		panic(err)
	}
	return data
}

func decodeFrame(data []byte) (lanFrame, bool) {
	var f lanFrame
	if len(data) > maxFrame {
		return f, false
	}
	if err := msgpack.Unmarshal(data, &f); err != nil || f.Magic != frameMagic {
		return f, false
	}
	return f, true
}

// Responder answers LAN discovery pings with this node's DHT port.
type Responder struct {
	conn *net.UDPConn
	log  *logrus.Entry

	id      []byte
	dhtPort uint16

	closeOnce sync.Once
	done      chan struct{}
}

func reuseControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	if network == "udp4" || network == "udp" {
		ctrlErr = c.Control(func(fd uintptr) {
			// Several nodes on one host share the discovery port.
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
	}
	return ctrlErr
}

// StartLANResponder listens on cfg.Port until Close. id is the local node
// id and dhtPort the port its DHT transport is bound to.
func StartLANResponder(cfg LANConfig, id []byte, dhtPort uint16, logger *logrus.Logger) (*Responder, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("lan responder listen: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, errors.New("lan responder: not a UDPConn")
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Responder{
		conn:    udpConn,
		log:     logger.WithField("component", "lan"),
		id:      append([]byte(nil), id...),
		dhtPort: dhtPort,
		done:    make(chan struct{}),
	}
	go r.serve()
	return r, nil
}

// Port returns the port the responder is bound to.
func (r *Responder) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *Responder) serve() {
	pong := encodeFrame(lanFrame{Type: framePong, ID: r.id, Port: r.dhtPort})
	buf := make([]byte, maxFrame+1)

	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		f, ok := decodeFrame(buf[:n])
		if !ok || f.Type != framePing {
			continue
		}
		// Our own broadcast echoes back on some platforms.
		if len(r.id) > 0 && bytes.Equal(f.ID, r.id) {
			continue
		}
		if _, err := r.conn.WriteToUDPAddrPort(pong, from); err != nil {
			r.log.WithFields(logrus.Fields{
				"function": "serve",
				"to":       from.String(),
				"error":    err.Error(),
			}).Debug("Cannot answer ping")
		}
	}
}

// DiscoverLANPeers broadcasts a ping on the LAN and returns the DHT
// addresses of responders that answer within cfg.Timeout. Answers carrying
// id are skipped.
func DiscoverLANPeers(ctx context.Context, cfg LANConfig, id []byte) ([]netip.AddrPort, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("lan discover listen: %w", err)
	}
	defer conn.Close()

	ping := encodeFrame(lanFrame{Type: framePing, ID: id})

	targets := interfaceBroadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		targets = append(targets, netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(cfg.Port)))
	}
	// Loopback reaches responders on this host even without broadcast.
	targets = append(targets, netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(cfg.Port)))

	sent := 0
	var lastErr error
	for _, dst := range targets {
		if _, err := conn.WriteToUDPAddrPort(ping, dst); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, fmt.Errorf("lan discover broadcast: %w", lastErr)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("lan discover set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[netip.AddrPort]struct{})
	out := make([]netip.AddrPort, 0, 4)
	buf := make([]byte, maxFrame+1)

	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			break
		}
		f, ok := decodeFrame(buf[:n])
		if !ok || f.Type != framePong || f.Port == 0 {
			continue
		}
		if len(id) > 0 && bytes.Equal(f.ID, id) {
			continue
		}
		ap := netip.AddrPortFrom(from.Addr().Unmap(), f.Port)
		if _, dup := seen[ap]; dup {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	return out, nil
}

// Package sim is an in-process datagram network for DHT testing.
// It is NOT production networking; it exists to exercise algorithmic
// behavior with controllable loss and latency.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/dht"
	"swarm-dht/internal/netx"
)

// DefaultPort is the port every simulated node listens on.
const DefaultPort = 49737

var ErrClosed = errors.New("sim: endpoint closed")

type Network struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]*Endpoint
	blackhole map[netip.AddrPort]bool
	next      uint32

	// Simulation knobs
	Latency  time.Duration // fixed latency per datagram
	DropRate float64       // 0..1

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewNetwork(seed int64) *Network {
	return &Network{
		endpoints: make(map[netip.AddrPort]*Endpoint),
		blackhole: make(map[netip.AddrPort]bool),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// NewEndpoint attaches a transport with the next free address. Each
// endpoint gets its own /24 so subnet diversity limits never interfere.
func (nw *Network) NewEndpoint() *Endpoint {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.next++
	n := nw.next
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, byte(n >> 8), byte(n), 1}), DefaultPort)
	ep := &Endpoint{nw: nw, addr: addr}
	nw.endpoints[addr] = ep
	return ep
}

// Blackhole makes addr silently drop everything sent to it.
func (nw *Network) Blackhole(addr netip.AddrPort, on bool) {
	nw.mu.Lock()
	nw.blackhole[addr] = on
	nw.mu.Unlock()
}

func (nw *Network) drop() bool {
	if nw.DropRate <= 0 {
		return false
	}
	nw.rngMu.Lock()
	defer nw.rngMu.Unlock()
	return nw.rng.Float64() < nw.DropRate
}

func (nw *Network) deliver(from netip.AddrPort, to netip.AddrPort, data []byte) error {
	nw.mu.RLock()
	ep := nw.endpoints[to]
	hole := nw.blackhole[to]
	nw.mu.RUnlock()
	if ep == nil {
		return fmt.Errorf("sim: unknown address %s", to)
	}
	if hole || nw.drop() {
		return nil
	}

	buf := append([]byte(nil), data...)
	go func() {
		if nw.Latency > 0 {
			time.Sleep(nw.Latency)
		}
		ep.receive(buf, from)
	}()
	return nil
}

func (nw *Network) remove(addr netip.AddrPort) {
	nw.mu.Lock()
	delete(nw.endpoints, addr)
	nw.mu.Unlock()
}

// Endpoint implements netx.PacketTransport on a Network.
type Endpoint struct {
	nw   *Network
	addr netip.AddrPort

	mu      sync.RWMutex
	handler netx.Handler
	closed  bool
}

func (e *Endpoint) LocalAddr() netip.AddrPort { return e.addr }

func (e *Endpoint) Send(to netip.AddrPort, data []byte) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return e.nw.deliver(e.addr, to, data)
}

func (e *Endpoint) SetHandler(h netx.Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.handler = nil
	e.mu.Unlock()
	e.nw.remove(e.addr)
	return nil
}

func (e *Endpoint) receive(data []byte, from netip.AddrPort) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(data, from)
	}
}

// Node is a DHT running on a simulated endpoint.
type Node struct {
	*dht.DHT
	Addr netip.AddrPort
}

// NewNode starts a DHT with a random id on a fresh endpoint.
func (nw *Network) NewNode(cfg dht.Config, opts ...dht.Option) (*Node, error) {
	return nw.NewNodeWithID(dht.RandomNodeID(), cfg, opts...)
}

func (nw *Network) NewNodeWithID(id dht.NodeID, cfg dht.Config, opts ...dht.Option) (*Node, error) {
	ep := nw.NewEndpoint()
	d, err := dht.New(id, ep, cfg, opts...)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	d.Start()
	return &Node{DHT: d, Addr: ep.addr}, nil
}

// TestConfig is a configuration with timers short enough for tests.
func TestConfig() dht.Config {
	cfg := dht.DefaultConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.Logger = quietLogger()
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

package bootstrap

import (
	"context"
	"net/netip"

	"swarm-dht/internal/discovery"
)

// LANSource asks LAN responders for their DHT port.
type LANSource struct {
	Cfg discovery.LANConfig
	// ID is the local node id, so our own responder is ignored.
	ID []byte
}

func (s LANSource) Name() string { return "lan" }

func (s LANSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	return discovery.DiscoverLANPeers(ctx, s.Cfg, s.ID)
}

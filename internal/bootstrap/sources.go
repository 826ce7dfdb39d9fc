package bootstrap

import (
	"context"
	"net/netip"
)

// SeedSource yields addresses to start the routing table from.
type SeedSource interface {
	// Discover returns candidate seed addresses.
	Discover(ctx context.Context) ([]netip.AddrPort, error)
	Name() string
}

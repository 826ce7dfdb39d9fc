package bootstrap

import (
	"context"
	"net/netip"
)

type StaticSource struct {
	Addrs []netip.AddrPort
	Label string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	return append([]netip.AddrPort(nil), s.Addrs...), nil
}

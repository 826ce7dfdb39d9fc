package bootstrap

import (
	"context"
	"net/netip"

	"swarm-dht/internal/nodecache"
)

// CacheSource replays contacts that answered in an earlier run.
type CacheSource struct {
	Cache       *nodecache.Cache
	MaxFailures int
	Limit       int
}

func (s CacheSource) Name() string { return "nodecache" }

func (s CacheSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	cs, err := s.Cache.Candidates(s.MaxFailures, s.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Addr)
	}
	return out, nil
}

package dhtnode

import (
	"net/netip"

	"swarm-dht/internal/bootstrap"
	"swarm-dht/internal/dht"
	"swarm-dht/internal/discovery"
)

type Config struct {
	DataDir string
	Bind    string
	Seeds   []netip.AddrPort

	// LAN enables both answering and sending LAN discovery probes.
	LAN     bool
	LANPort int

	// NoCache skips the on-disk contact cache.
	NoCache bool

	DHT       dht.Config
	Bootstrap bootstrap.Config
}

func DefaultConfig() Config {
	return Config{
		Bind:      ":49737",
		LAN:       true,
		LANPort:   discovery.DefaultLANPort,
		DHT:       dht.DefaultConfig(),
		Bootstrap: bootstrap.DefaultConfig(),
	}
}

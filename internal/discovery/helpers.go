package discovery

import (
	"net"
	"net/netip"
)

// interfaceBroadcastAddrs returns the IPv4 broadcast address of every
// interface that is up.
func interfaceBroadcastAddrs(port int) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 {
			continue
		}
		// skip point-to-point/tunnel-ish
		if it.Flags&net.FlagPointToPoint != 0 {
			continue
		}

		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if b, ok := broadcastOf(ipnet); ok {
				out = append(out, netip.AddrPortFrom(b, uint16(port)))
			}
		}
	}
	return out
}

// broadcastOf computes ip | ^mask for an IPv4 network.
func broadcastOf(ipnet *net.IPNet) (netip.Addr, bool) {
	ip4 := ipnet.IP.To4()
	if ip4 == nil || len(ipnet.Mask) != 4 {
		return netip.Addr{}, false
	}
	var b [4]byte
	for i := range b {
		b[i] = ip4[i] | ^ipnet.Mask[i]
	}
	return netip.AddrFrom4(b), true
}

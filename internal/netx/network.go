package netx

import "net/netip"

// Handler receives one inbound datagram. data is only valid for the
// duration of the call.
type Handler func(data []byte, from netip.AddrPort)

// PacketTransport is an unreliable datagram transport. Delivery may drop,
// reorder or duplicate packets; callers own retries.
type PacketTransport interface {
	LocalAddr() netip.AddrPort
	Send(to netip.AddrPort, data []byte) error
	// SetHandler installs the inbound callback. A nil handler drops
	// everything received.
	SetHandler(h Handler)
	Close() error
}

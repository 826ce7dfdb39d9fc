package proto

import (
	"net/netip"
)

// MessageType separates queries from the responses that answer them.
type MessageType uint8

const (
	TypeQuery    MessageType = 1
	TypeResponse MessageType = 2
)

// Command is the closed set of DHT methods. Anything outside it is rejected
// at decode time.
type Command uint8

const (
	CmdPing Command = iota + 1
	CmdFindNode
	CmdFindPeers
	CmdAnnounce
	CmdUnannounce
	CmdPut
	CmdGet
)

func (c Command) String() string {
	switch c {
	case CmdPing:
		return "PING"
	case CmdFindNode:
		return "FIND_NODE"
	case CmdFindPeers:
		return "FIND_PEERS"
	case CmdAnnounce:
		return "ANNOUNCE"
	case CmdUnannounce:
		return "UNANNOUNCE"
	case CmdPut:
		return "PUT"
	case CmdGet:
		return "GET"
	default:
		return "UNKNOWN"
	}
}

func (c Command) Valid() bool { return c >= CmdPing && c <= CmdGet }

// IsWrite reports whether the command mutates remote state and therefore
// needs a round-trip token.
func (c Command) IsWrite() bool {
	return c == CmdAnnounce || c == CmdUnannounce || c == CmdPut
}

// ErrorCode is carried in responses that reject a query.
type ErrorCode uint8

const (
	CodeOK ErrorCode = iota
	CodeUnauthorized
	CodeBadSignature
	CodeStaleSequence
	CodeBadRequest
	CodeTooLarge
	CodeUnknownCommand
)

// Node is a contact as it travels on the wire. ID is empty when the node
// is only known by address (the To field of a response).
type Node struct {
	ID   []byte `msgpack:"i,omitempty"`
	Host []byte `msgpack:"h"`
	Port uint16 `msgpack:"p"`
}

// NodeFromAddr packs an address (and optional id) into a wire node.
func NodeFromAddr(id []byte, ap netip.AddrPort) Node {
	a := ap.Addr().Unmap()
	return Node{ID: id, Host: a.AsSlice(), Port: ap.Port()}
}

// AddrPort unpacks the wire address. ok is false for malformed hosts or a
// zero port.
func (n Node) AddrPort() (netip.AddrPort, bool) {
	a, ok := netip.AddrFromSlice(n.Host)
	if !ok || n.Port == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), n.Port), true
}

// Record is a stored value. PubKey is empty for immutable records.
type Record struct {
	PubKey []byte `msgpack:"k,omitempty"`
	Salt   []byte `msgpack:"s,omitempty"`
	Seq    uint64 `msgpack:"q,omitempty"`
	Value  []byte `msgpack:"v"`
	Sig    []byte `msgpack:"g,omitempty"`
}

// Message is the single envelope for all DHT traffic.
type Message struct {
	Type    MessageType `msgpack:"y"`
	TID     uint16      `msgpack:"t"`
	Command Command     `msgpack:"c"`

	// ID is the sender's node id; absent for ephemeral senders.
	ID []byte `msgpack:"id,omitempty"`

	// To is the recipient's address as observed by the responder.
	To *Node `msgpack:"to,omitempty"`

	// Target is the lookup key, topic or value key (32 bytes).
	Target []byte `msgpack:"tg,omitempty"`

	// Token authorizes writes; responders hand out a fresh one.
	Token []byte `msgpack:"tk,omitempty"`

	Nodes []Node `msgpack:"n,omitempty"`
	Peers []Node `msgpack:"pr,omitempty"`

	// PeerID is the announcing peer. Identified senders may only name
	// themselves.
	PeerID []byte `msgpack:"pid,omitempty"`

	// Value is free-form; ping uses it for self detection.
	Value  []byte  `msgpack:"v,omitempty"`
	Record *Record `msgpack:"r,omitempty"`

	Error ErrorCode `msgpack:"e,omitempty"`
}

package dht

import (
	"bytes"
	"errors"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/proto"
)

// handleQuery answers one inbound query. Every identified sender is offered
// to the routing table, and every reply tells the sender the address we saw.
func (d *DHT) handleQuery(msg *proto.Message, from netip.AddrPort) {
	now := d.clock.Now()
	if !d.limiter.allow(from.Addr(), now) {
		return
	}

	// A ping carrying our own id is us talking to ourselves through some
	// address we did not recognise.
	if msg.Command == proto.CmdPing && bytes.Equal(msg.Value, d.self[:]) {
		return
	}

	if id, err := NodeIDFromBytes(msg.ID); err == nil {
		d.addContact(Contact{ID: id, Addr: from})
	}

	to := proto.NodeFromAddr(nil, from)
	reply := &proto.Message{
		Type:    proto.TypeResponse,
		TID:     msg.TID,
		Command: msg.Command,
		ID:      d.selfID(),
		To:      &to,
	}

	if msg.Command.IsWrite() {
		if !d.tokens.Verify(msg.Token, from) {
			reply.Error = proto.CodeUnauthorized
		} else {
			reply.Error = codeFromError(d.applyWrite(msg, from, now))
		}
		d.reply(reply, from)
		return
	}

	switch msg.Command {
	case proto.CmdPing:

	case proto.CmdFindNode:
		target, err := NodeIDFromBytes(msg.Target)
		if err != nil {
			reply.Error = proto.CodeBadRequest
			break
		}
		reply.Nodes = d.closestWire(target)

	case proto.CmdFindPeers:
		topic, err := NodeIDFromBytes(msg.Target)
		if err != nil {
			reply.Error = proto.CodeBadRequest
			break
		}
		reply.Nodes = d.closestWire(topic)
		reply.Token = d.tokens.Issue(from)
		for _, p := range d.peers.GetPeers(topic, d.cfg.K, now) {
			reply.Peers = append(reply.Peers, proto.NodeFromAddr(p.PeerID[:], p.Addr))
		}

	case proto.CmdGet:
		key, err := NodeIDFromBytes(msg.Target)
		if err != nil {
			reply.Error = proto.CodeBadRequest
			break
		}
		reply.Nodes = d.closestWire(key)
		reply.Token = d.tokens.Issue(from)
		if rec, ok := d.values.Get(key, now); ok {
			reply.Record = toWireRecord(rec)
		}

	default:
		reply.Error = proto.CodeUnknownCommand
	}

	d.reply(reply, from)
}

// applyWrite performs a token-checked write.
func (d *DHT) applyWrite(msg *proto.Message, from netip.AddrPort, now time.Time) error {
	target, err := NodeIDFromBytes(msg.Target)
	if err != nil {
		return ErrMalformedMessage
	}

	switch msg.Command {
	case proto.CmdAnnounce:
		peerID, err := announcerID(msg)
		if err != nil {
			return err
		}
		if !d.peers.Announce(target, peerID, from, now) {
			return ErrUnauthorized
		}
		return nil

	case proto.CmdUnannounce:
		peerID, err := announcerID(msg)
		if err != nil {
			return err
		}
		d.peers.Unannounce(target, peerID, from.Addr())
		return nil

	case proto.CmdPut:
		if msg.Record == nil {
			return ErrBadRecord
		}
		rec := fromWireRecord(target, msg.Record)
		if !rec.Mutable() {
			if err := validateImmutable(target, rec.Value, d.values.MaxValueSize()); err != nil {
				return err
			}
			_, err := d.values.PutImmutable(rec.Value, now)
			return err
		}
		return d.values.PutMutable(rec, now)
	}
	return ErrUnknownCommand
}

// announcerID names the peer being (un)announced. An identified sender may
// only speak for itself; anonymous senders must name a peer id.
func announcerID(msg *proto.Message) (NodeID, error) {
	if len(msg.PeerID) == 0 {
		id, err := NodeIDFromBytes(msg.ID)
		if err != nil {
			return NodeID{}, ErrMalformedMessage
		}
		return id, nil
	}
	id, err := NodeIDFromBytes(msg.PeerID)
	if err != nil {
		return NodeID{}, ErrMalformedMessage
	}
	if len(msg.ID) > 0 && !bytes.Equal(msg.ID, msg.PeerID) {
		return NodeID{}, ErrUnauthorized
	}
	return id, nil
}

// minReplyNodes is how many closer nodes a reply keeps before peers are
// shed to fit a datagram.
const minReplyNodes = 8

// encodeReply encodes m, shedding the farthest nodes down to minReplyNodes,
// then the oldest peers, then the remaining nodes until it fits in one
// datagram. Records are never trimmed.
func (d *DHT) encodeReply(m *proto.Message) ([]byte, error) {
	for {
		raw, err := d.codec.Encode(m)
		if !errors.Is(err, proto.ErrTooLarge) {
			return raw, err
		}
		switch {
		case len(m.Nodes) > minReplyNodes:
			m.Nodes = m.Nodes[:len(m.Nodes)-1]
		case len(m.Peers) > 0:
			m.Peers = m.Peers[:len(m.Peers)-1]
		case len(m.Nodes) > 0:
			m.Nodes = m.Nodes[:len(m.Nodes)-1]
		default:
			return nil, err
		}
	}
}

func (d *DHT) reply(m *proto.Message, to netip.AddrPort) {
	raw, err := d.encodeReply(m)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "reply",
			"addr":     to.String(),
			"command":  m.Command.String(),
			"error":    err.Error(),
		}).Debug("Cannot encode reply")
		return
	}
	if err := d.transport.Send(to, raw); err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "reply",
			"addr":     to.String(),
			"error":    err.Error(),
		}).Debug("Reply send failed")
	}
}

func (d *DHT) closestWire(target NodeID) []proto.Node {
	cs := d.rt.Closest(target, d.cfg.K)
	out := make([]proto.Node, 0, len(cs))
	for _, c := range cs {
		out = append(out, proto.NodeFromAddr(c.ID[:], c.Addr))
	}
	return out
}

func toWireRecord(r *ValueRecord) *proto.Record {
	return &proto.Record{
		PubKey: r.PubKey,
		Salt:   r.Salt,
		Seq:    r.Seq,
		Value:  r.Value,
		Sig:    r.Sig,
	}
}

func fromWireRecord(key NodeID, r *proto.Record) *ValueRecord {
	rec := &ValueRecord{
		Key:   key,
		Value: r.Value,
		Salt:  r.Salt,
		Seq:   r.Seq,
		Sig:   r.Sig,
	}
	if len(r.PubKey) > 0 {
		rec.PubKey = r.PubKey
	}
	return rec
}

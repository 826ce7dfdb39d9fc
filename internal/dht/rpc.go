package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/netx"
	"swarm-dht/internal/proto"
)

type txKey struct {
	addr netip.AddrPort
	tid  uint16
}

type rpcResult struct {
	msg *proto.Message
	err error
}

// transaction is one outstanding query. It lives in rpcManager.pending
// from registration until the first of reply, timeout or cancellation.
type transaction struct {
	key         txKey
	cmd         proto.Command
	raw         []byte
	sentAt      time.Time
	retriesLeft uint8
	done        chan rpcResult
}

// rpcManager correlates queries with replies and drives timeouts.
type rpcManager struct {
	codec     proto.Codec
	transport netx.PacketTransport
	clock     Clock
	log       *logrus.Entry

	timeout time.Duration
	retries uint8

	// onTimeout is told about every destination whose transaction ran out
	// of retries or could not be sent.
	onTimeout func(addr netip.AddrPort)
	// onQuery receives decoded inbound queries.
	onQuery func(msg *proto.Message, from netip.AddrPort)

	mu      sync.Mutex
	pending map[txKey]*transaction
	nextTID uint16
	closed  bool
}

func newRPCManager(codec proto.Codec, t netx.PacketTransport, clock Clock, timeout time.Duration, retries uint8, log *logrus.Entry) *rpcManager {
	var seed [2]byte
	_, _ = rand.Read(seed[:])
	return &rpcManager{
		codec:     codec,
		transport: t,
		clock:     clock,
		log:       log,
		timeout:   timeout,
		retries:   retries,
		onTimeout: func(netip.AddrPort) {},
		onQuery:   func(*proto.Message, netip.AddrPort) {},
		pending:   make(map[txKey]*transaction),
		nextTID:   binary.BigEndian.Uint16(seed[:]),
	}
}

// allocLocked picks a tid not in flight towards to.
func (m *rpcManager) allocLocked(to netip.AddrPort) (uint16, bool) {
	for i := 0; i < 1<<16; i++ {
		tid := m.nextTID
		m.nextTID++
		if _, busy := m.pending[txKey{addr: to, tid: tid}]; !busy {
			return tid, true
		}
	}
	return 0, false
}

// Send issues req to to and waits for the matching reply. It returns
// ErrTimeout when the retry budget is exhausted or the transport refuses
// the datagram, and ctx.Err() when the caller gives up first.
func (m *rpcManager) Send(ctx context.Context, to netip.AddrPort, req *proto.Message) (*proto.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	tid, ok := m.allocLocked(to)
	if !ok {
		m.mu.Unlock()
		return nil, ErrTimeout
	}
	req.Type = proto.TypeQuery
	req.TID = tid
	tx := &transaction{
		key:         txKey{addr: to, tid: tid},
		cmd:         req.Command,
		retriesLeft: m.retries,
		done:        make(chan rpcResult, 1),
	}
	m.pending[tx.key] = tx
	m.mu.Unlock()

	raw, err := m.codec.Encode(req)
	if err != nil {
		m.remove(tx)
		return nil, fmt.Errorf("dht: encode %s: %w", req.Command, err)
	}

	m.mu.Lock()
	tx.raw = raw
	tx.sentAt = m.clock.Now()
	m.mu.Unlock()

	if err := m.transport.Send(to, raw); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Send",
			"addr":     to.String(),
			"command":  req.Command.String(),
			"error":    err.Error(),
		}).Debug("Transport send failed")
		m.fail(tx)
	}

	select {
	case r := <-tx.done:
		return r.msg, r.err
	case <-ctx.Done():
		m.remove(tx)
		return nil, ctx.Err()
	}
}

// fail times tx out if it is still the live transaction for its key. The
// timeout hook runs before the waiter wakes, so callers observe its effect.
func (m *rpcManager) fail(tx *transaction) {
	m.mu.Lock()
	if m.pending[tx.key] != tx {
		m.mu.Unlock()
		return
	}
	delete(m.pending, tx.key)
	m.mu.Unlock()

	m.onTimeout(tx.key.addr)
	tx.done <- rpcResult{err: ErrTimeout}
}

func (m *rpcManager) remove(tx *transaction) {
	m.mu.Lock()
	if m.pending[tx.key] == tx {
		delete(m.pending, tx.key)
	}
	m.mu.Unlock()
}

// OnDatagram is the transport handler.
func (m *rpcManager) OnDatagram(data []byte, from netip.AddrPort) {
	msg, err := m.codec.Decode(data)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "OnDatagram",
			"addr":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	switch msg.Type {
	case proto.TypeResponse:
		m.onResponse(msg, from)
	case proto.TypeQuery:
		m.onQuery(msg, from)
	}
}

func (m *rpcManager) onResponse(msg *proto.Message, from netip.AddrPort) {
	key := txKey{addr: from, tid: msg.TID}

	m.mu.Lock()
	tx := m.pending[key]
	if tx == nil || tx.cmd != msg.Command {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"function": "onResponse",
			"addr":     from.String(),
			"tid":      msg.TID,
			"command":  msg.Command.String(),
		}).Debug("Dropping unmatched response")
		return
	}
	delete(m.pending, key)
	m.mu.Unlock()

	tx.done <- rpcResult{msg: msg}
}

// Sweep resends transactions whose attempt timed out and fails those with
// no retries left.
func (m *rpcManager) Sweep(now time.Time) {
	var resend, expired []*transaction

	m.mu.Lock()
	for key, tx := range m.pending {
		if tx.raw == nil || now.Sub(tx.sentAt) < m.timeout {
			continue
		}
		if tx.retriesLeft > 0 {
			tx.retriesLeft--
			tx.sentAt = now
			resend = append(resend, tx)
			continue
		}
		delete(m.pending, key)
		expired = append(expired, tx)
	}
	m.mu.Unlock()

	for _, tx := range resend {
		if err := m.transport.Send(tx.key.addr, tx.raw); err != nil {
			m.fail(tx)
		}
	}

	for _, tx := range expired {
		m.log.WithFields(logrus.Fields{
			"function": "Sweep",
			"addr":     tx.key.addr.String(),
			"command":  tx.cmd.String(),
		}).Debug("Transaction timed out")
		m.onTimeout(tx.key.addr)
		tx.done <- rpcResult{err: ErrTimeout}
	}
}

// Pending returns the number of in-flight transactions.
func (m *rpcManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// close fails every in-flight transaction and refuses new ones.
func (m *rpcManager) close() {
	m.mu.Lock()
	m.closed = true
	txs := make([]*transaction, 0, len(m.pending))
	for key, tx := range m.pending {
		delete(m.pending, key)
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	for _, tx := range txs {
		tx.done <- rpcResult{err: ErrClosed}
	}
}

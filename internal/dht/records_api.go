package dht

import (
	"context"
	"crypto/ed25519"

	"swarm-dht/internal/proto"
)

type MutableOptions struct {
	Salt []byte
	// Seq forces the sequence number. When nil the next one after the
	// highest seen locally or on the network is used.
	Seq *uint64
}

// PutImmutable stores value locally and on the nodes closest to its hash.
func (d *DHT) PutImmutable(ctx context.Context, value []byte) (NodeID, WriteResult, error) {
	key, err := d.values.PutImmutable(value, d.clock.Now())
	if err != nil {
		return key, WriteResult{}, err
	}
	wr, err := d.publish(ctx, &ValueRecord{Key: key, Value: value})
	if err == nil {
		d.own(key)
	}
	return key, wr, err
}

// PutMutable signs value under priv and publishes it.
func (d *DHT) PutMutable(ctx context.Context, priv ed25519.PrivateKey, value []byte, opts MutableOptions) (*ValueRecord, WriteResult, error) {
	if len(priv) != ed25519.PrivateKeySize || len(opts.Salt) > MaxSaltSize {
		return nil, WriteResult{}, ErrBadRecord
	}
	if len(value) > d.values.MaxValueSize() {
		return nil, WriteResult{}, ErrValueTooLarge
	}
	pub := priv.Public().(ed25519.PublicKey)
	key := MutableKey(pub, opts.Salt)

	// The lookup both finds the current sequence and collects tokens.
	res, err := d.IterativeQuery(ctx, Query{Target: key, Command: proto.CmdGet})
	if err != nil {
		return nil, WriteResult{Lookup: res}, err
	}

	var seq uint64
	if opts.Seq != nil {
		seq = *opts.Seq
	} else if latest := d.latest(key, res.Values); latest != nil {
		seq = latest.Seq + 1
	}

	rec := NewMutableRecord(priv, opts.Salt, seq, value)
	if err := d.values.PutMutable(rec, d.clock.Now()); err != nil {
		return nil, WriteResult{Lookup: res}, err
	}
	wr := d.writeAll(ctx, res, func() *proto.Message {
		return &proto.Message{Command: proto.CmdPut, Target: key[:], Record: toWireRecord(rec)}
	})
	d.own(key)
	return rec, wr, nil
}

// Get finds the value stored under key. Mutable keys resolve to the highest
// sequence seen. A miss is (nil, false, nil).
func (d *DHT) Get(ctx context.Context, key NodeID) (*ValueRecord, bool, error) {
	if rec, ok := d.values.Get(key, d.clock.Now()); ok && !rec.Mutable() {
		return rec, true, nil
	}
	res, err := d.IterativeQuery(ctx, Query{Target: key, Command: proto.CmdGet, WantValue: true})
	if err != nil {
		return nil, false, err
	}
	best := d.latest(key, res.Values)
	if best == nil {
		return nil, false, nil
	}
	// Cache what we found; a local rejection only means we hold newer.
	if best.Mutable() {
		_ = d.values.PutMutable(best, d.clock.Now())
	} else {
		_, _ = d.values.PutImmutable(best.Value, d.clock.Now())
	}
	return best, true, nil
}

// latest picks the record to trust among the local copy and found.
func (d *DHT) latest(key NodeID, found []*ValueRecord) *ValueRecord {
	var best *ValueRecord
	if rec, ok := d.values.Get(key, d.clock.Now()); ok {
		best = rec
	}
	for _, rec := range found {
		if best == nil || (rec.Mutable() && rec.Seq > best.Seq) {
			best = rec
		}
	}
	return best
}

// publish looks up rec.Key and writes rec to the closest nodes.
func (d *DHT) publish(ctx context.Context, rec *ValueRecord) (WriteResult, error) {
	res, err := d.IterativeQuery(ctx, Query{Target: rec.Key, Command: proto.CmdGet})
	if err != nil {
		return WriteResult{Lookup: res}, err
	}
	wire := toWireRecord(rec)
	return d.writeAll(ctx, res, func() *proto.Message {
		return &proto.Message{Command: proto.CmdPut, Target: rec.Key[:], Record: wire}
	}), nil
}

func (d *DHT) own(key NodeID) {
	d.ownedMu.Lock()
	d.ownedValues[key] = d.clock.Now()
	d.ownedMu.Unlock()
}

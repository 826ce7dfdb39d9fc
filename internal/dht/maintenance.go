package dht

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/proto"
)

type maintenanceState struct {
	nextRotate     time.Time
	nextStoreSweep time.Time
	nextRefresh    time.Time
	nextRepublish  time.Time
}

// maintain is the single timer loop: transaction sweep on every tick, the
// rest when due.
func (d *DHT) maintain() {
	defer d.wg.Done()

	t := time.NewTicker(d.cfg.SweepInterval)
	defer t.Stop()

	now := d.clock.Now()
	st := maintenanceState{
		nextRotate:     now.Add(d.cfg.TokenRotation),
		nextStoreSweep: now.Add(d.cfg.StoreSweepInterval),
		nextRefresh:    now.Add(d.cfg.RefreshInterval),
		nextRepublish:  now.Add(d.cfg.RepublishInterval),
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.tick(d.clock.Now(), &st)
		}
	}
}

func (d *DHT) tick(now time.Time, st *maintenanceState) {
	d.rpc.Sweep(now)

	if !now.Before(st.nextRotate) {
		st.nextRotate = now.Add(d.cfg.TokenRotation)
		if err := d.tokens.Rotate(); err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "tick",
				"error":    err.Error(),
			}).Warn("Token rotation failed")
		} else {
			d.log.WithField("function", "tick").Debug("Rotated token secret")
		}
	}

	if !now.Before(st.nextStoreSweep) {
		st.nextStoreSweep = now.Add(d.cfg.StoreSweepInterval)
		d.sweepStores(now)
	}

	if !now.Before(st.nextRefresh) {
		st.nextRefresh = now.Add(d.cfg.RefreshInterval)
		d.spawn(&d.refreshing, d.refreshBuckets)
	}

	if !now.Before(st.nextRepublish) {
		st.nextRepublish = now.Add(d.cfg.RepublishInterval)
		d.spawn(&d.republishing, d.republish)
	}
}

func (d *DHT) sweepStores(now time.Time) {
	peers := d.peers.Sweep(now)
	values := d.values.Sweep(now)
	d.limiter.prune(now)

	d.metrics.SetRoutingTableSize(d.rt.Size())
	for i := 0; i < d.rt.BucketCount(); i++ {
		d.metrics.SetBucketOccupancy(i, d.rt.BucketSize(i))
	}
	if peers > 0 || values > 0 {
		d.log.WithFields(logrus.Fields{
			"function": "sweepStores",
			"peers":    peers,
			"values":   values,
		}).Debug("Expired stored records")
	}
}

// spawn runs fn in the background unless the previous run is still busy.
func (d *DHT) spawn(busy *atomic.Bool, fn func()) {
	if !busy.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer busy.Store(false)
		fn()
	}()
}

// refreshBuckets looks up a random id in every bucket's range, which keeps
// far buckets populated even when no traffic lands there.
func (d *DHT) refreshBuckets() {
	n := d.rt.BucketCount()
	for i := 0; i < n; i++ {
		if d.ctx.Err() != nil {
			return
		}
		target := RandomIDInBucket(d.self, i)
		if _, err := d.FindNode(d.ctx, target); err != nil {
			return
		}
	}
}

// republish rewrites everything this node announced or stored.
func (d *DHT) republish() {
	d.ownedMu.Lock()
	topics := make([]NodeID, 0, len(d.ownedTopics))
	for t := range d.ownedTopics {
		topics = append(topics, t)
	}
	keys := make([]NodeID, 0, len(d.ownedValues))
	for k := range d.ownedValues {
		keys = append(keys, k)
	}
	d.ownedMu.Unlock()

	for _, t := range topics {
		if d.ctx.Err() != nil {
			return
		}
		_, _ = d.announce(d.ctx, t, proto.CmdAnnounce)
	}

	for _, k := range keys {
		if d.ctx.Err() != nil {
			return
		}
		rec, ok := d.values.Get(k, d.clock.Now())
		if !ok {
			d.ownedMu.Lock()
			delete(d.ownedValues, k)
			d.ownedMu.Unlock()
			continue
		}
		// Refresh the local copy's age so it outlives the remote ones.
		if rec.Mutable() {
			_ = d.values.PutMutable(rec, d.clock.Now())
		} else {
			_, _ = d.values.PutImmutable(rec.Value, d.clock.Now())
		}
		_, _ = d.publish(d.ctx, rec)
	}
}

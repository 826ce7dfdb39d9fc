package dht

import (
	"context"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"swarm-dht/internal/proto"
)

// WriteResult summarises a write fan-out to the closest nodes of a lookup.
type WriteResult struct {
	Lookup *LookupResult
	Stored int
	Failed int
	// Err is the first rejection a remote node answered with.
	Err error
}

// Bootstrap looks up our own id starting from seeds, which fills the
// routing table with the nodes around us. An empty network is not an
// error; check Stats.Successes.
func (d *DHT) Bootstrap(ctx context.Context, seeds []netip.AddrPort) (*LookupResult, error) {
	res, err := d.IterativeQuery(ctx, Query{
		Target:  d.self,
		Command: proto.CmdFindNode,
		Seeds:   seeds,
	})
	if err != nil {
		return res, err
	}
	d.log.WithFields(logrus.Fields{
		"function":  "Bootstrap",
		"seeds":     len(seeds),
		"successes": res.Stats.Successes,
		"routing":   d.rt.Size(),
	}).Info("Bootstrap finished")
	return res, nil
}

// FindNode returns the nodes closest to target.
func (d *DHT) FindNode(ctx context.Context, target NodeID) (*LookupResult, error) {
	return d.IterativeQuery(ctx, Query{Target: target, Command: proto.CmdFindNode})
}

// Ping checks that addr answers and returns its id when it sent one.
func (d *DHT) Ping(ctx context.Context, addr netip.AddrPort) (NodeID, error) {
	resp, err := d.call(ctx, addr, &proto.Message{Command: proto.CmdPing, Value: d.self[:]})
	if err != nil {
		return NodeID{}, err
	}
	id, _ := NodeIDFromBytes(resp.ID)
	return id, nil
}

// Lookup collects peers announced under topic, including the ones this
// node stores itself.
func (d *DHT) Lookup(ctx context.Context, topic NodeID) (*LookupResult, error) {
	res, err := d.IterativeQuery(ctx, Query{Target: topic, Command: proto.CmdFindPeers})
	if res == nil {
		return nil, err
	}

	seen := make(map[NodeID]struct{}, len(res.Peers))
	for _, p := range res.Peers {
		seen[p.PeerID] = struct{}{}
	}
	for _, p := range d.peers.GetPeers(topic, 0, d.clock.Now()) {
		if _, dup := seen[p.PeerID]; !dup {
			res.Peers = append(res.Peers, p)
		}
	}
	return res, err
}

// Announce registers this node under topic on the closest nodes and keeps
// republishing it until Unannounce.
func (d *DHT) Announce(ctx context.Context, topic NodeID) (WriteResult, error) {
	wr, err := d.announce(ctx, topic, proto.CmdAnnounce)
	if err == nil {
		d.ownedMu.Lock()
		d.ownedTopics[topic] = d.clock.Now()
		d.ownedMu.Unlock()
	}
	return wr, err
}

func (d *DHT) Unannounce(ctx context.Context, topic NodeID) (WriteResult, error) {
	d.ownedMu.Lock()
	delete(d.ownedTopics, topic)
	d.ownedMu.Unlock()
	return d.announce(ctx, topic, proto.CmdUnannounce)
}

func (d *DHT) announce(ctx context.Context, topic NodeID, cmd proto.Command) (WriteResult, error) {
	res, err := d.IterativeQuery(ctx, Query{Target: topic, Command: proto.CmdFindPeers})
	if err != nil {
		return WriteResult{Lookup: res}, err
	}
	return d.writeAll(ctx, res, func() *proto.Message {
		return &proto.Message{
			Command: cmd,
			Target:  topic[:],
			PeerID:  d.self[:],
		}
	}), nil
}

// writeAll sends one write per terminal node, each carrying the token that
// node issued, at most Alpha at a time.
func (d *DHT) writeAll(ctx context.Context, res *LookupResult, build func() *proto.Message) WriteResult {
	wr := WriteResult{Lookup: res}
	sem := semaphore.NewWeighted(int64(d.cfg.Alpha))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			wr.Stored++
			return
		}
		wr.Failed++
		if wr.Err == nil {
			wr.Err = err
		}
	}

	for _, qn := range res.Closest {
		if len(qn.Token) == 0 {
			record(ErrUnauthorized)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			record(err)
			continue
		}
		wg.Add(1)
		go func(qn QueriedNode) {
			defer wg.Done()
			defer sem.Release(1)
			req := build()
			req.Token = qn.Token
			_, err := d.call(ctx, qn.Addr, req)
			record(err)
		}(qn)
	}
	wg.Wait()

	d.log.WithFields(logrus.Fields{
		"function": "writeAll",
		"target":   res.Target.Short(),
		"stored":   wr.Stored,
		"failed":   wr.Failed,
	}).Debug("Write fan-out finished")
	return wr
}

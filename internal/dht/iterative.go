package dht

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/proto"
)

// LookupConfig overrides the DHT's lookup parameters per query; zero fields
// fall back to the DHT config.
type LookupConfig struct {
	Alpha     int
	K         int
	MaxRounds int
}

// Query describes one iterative lookup.
type Query struct {
	Target  NodeID
	Command proto.Command // CmdFindNode, CmdFindPeers or CmdGet

	// Seeds are addresses queried in the first round whose ids are not
	// known yet, used by bootstrap.
	Seeds []netip.AddrPort

	// WantPeers stops the lookup after the round in which this many
	// distinct peers were collected. Zero never stops early.
	WantPeers int
	// WantValue stops the lookup after the round that found a valid value.
	WantValue bool

	Config LookupConfig
}

// QueriedNode is a contact that answered during a lookup, with the token it
// issued. Writes to it must present that token.
type QueriedNode struct {
	Contact
	Token []byte
}

type QueryStats struct {
	Requests  int
	Successes int
	Failures  int
	Rounds    int
	Start     time.Time
	End       time.Time
}

func (s QueryStats) Duration() time.Duration { return s.End.Sub(s.Start) }

type LookupResult struct {
	Target NodeID
	// Closest are the responding nodes nearest to Target, ascending.
	Closest []QueriedNode
	Peers   []PeerRecord
	Values  []*ValueRecord
	Stats   QueryStats
}

type candidate struct {
	id        NodeID
	hasID     bool
	addr      netip.AddrPort
	queried   bool
	responded bool
	failed    bool
	token     []byte
}

type lookup struct {
	d   *DHT
	q   Query
	cfg LookupConfig

	shortlist []*candidate
	byID      map[NodeID]*candidate
	byAddr    map[netip.AddrPort]*candidate

	peers     []PeerRecord
	peerSeen  map[NodeID]int
	values    []*ValueRecord
	valueSeen map[string]struct{}

	stats QueryStats
}

type queryReply struct {
	c    *candidate
	resp *proto.Message
	err  error
}

// IterativeQuery runs the lookup described by q. It fails only when ctx is
// done; finding nobody is reported through Stats.
func (d *DHT) IterativeQuery(ctx context.Context, q Query) (*LookupResult, error) {
	cfg := q.Config
	def := LookupConfig{Alpha: d.cfg.Alpha, K: d.cfg.K, MaxRounds: d.cfg.MaxRounds}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if q.Command == 0 {
		q.Command = proto.CmdFindNode
	}

	l := &lookup{
		d:         d,
		q:         q,
		cfg:       cfg,
		byID:      make(map[NodeID]*candidate),
		byAddr:    make(map[netip.AddrPort]*candidate),
		peerSeen:  make(map[NodeID]int),
		valueSeen: make(map[string]struct{}),
	}
	l.stats.Start = d.clock.Now()

	for _, ap := range q.Seeds {
		if !ap.IsValid() || ap == d.transport.LocalAddr() {
			continue
		}
		if _, dup := l.byAddr[ap]; dup {
			continue
		}
		c := &candidate{addr: ap}
		l.shortlist = append(l.shortlist, c)
		l.byAddr[ap] = c
	}
	for _, c := range d.rt.Closest(q.Target, cfg.Alpha*cfg.K) {
		l.add(c.ID, c.Addr)
	}
	l.sort()

	err := l.run(ctx)

	l.stats.End = d.clock.Now()
	d.metrics.ObserveLookup(q.Command.String(), l.stats.Requests, l.stats.Duration(), l.stats.Successes > 0)
	d.log.WithFields(logrus.Fields{
		"function":  "IterativeQuery",
		"command":   q.Command.String(),
		"target":    q.Target.Short(),
		"requests":  l.stats.Requests,
		"successes": l.stats.Successes,
		"rounds":    l.stats.Rounds,
	}).Debug("Lookup finished")

	return l.result(), err
}

func (l *lookup) run(ctx context.Context) error {
	var bestQueried *NodeID

	for l.stats.Rounds < l.cfg.MaxRounds {
		batch := l.next(l.cfg.Alpha, len(l.shortlist))
		if len(batch) == 0 {
			break
		}
		improved := l.round(ctx, batch, bestQueried)
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.done() {
			return nil
		}
		if b, ok := l.closestResponded(); ok {
			bestQueried = &b
		}
		if !improved {
			break
		}
	}

	// Converged: make sure every one of the K closest was asked, so the
	// terminal set carries tokens for writes.
	for guard := 0; guard < l.cfg.K; guard++ {
		batch := l.next(l.cfg.Alpha, l.cfg.K)
		if len(batch) == 0 {
			break
		}
		l.round(ctx, batch, nil)
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.done() {
			return nil
		}
	}
	return nil
}

func (l *lookup) done() bool {
	if l.q.WantPeers > 0 && len(l.peers) >= l.q.WantPeers {
		return true
	}
	return l.q.WantValue && len(l.values) > 0
}

// next picks up to n unqueried candidates among the first window live ones.
func (l *lookup) next(n, window int) []*candidate {
	var out []*candidate
	live := 0
	for _, c := range l.shortlist {
		if c.failed {
			continue
		}
		if live >= window {
			break
		}
		live++
		if c.queried {
			continue
		}
		c.queried = true
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

// round queries batch concurrently and merges every reply. It reports
// whether a node strictly closer than bestQueried was learned.
func (l *lookup) round(ctx context.Context, batch []*candidate, bestQueried *NodeID) bool {
	l.stats.Rounds++
	l.stats.Requests += len(batch)

	replies := make(chan queryReply, len(batch))
	for _, c := range batch {
		go func(c *candidate) {
			req := &proto.Message{Command: l.q.Command, Target: l.q.Target[:]}
			resp, err := l.d.call(ctx, c.addr, req)
			replies <- queryReply{c: c, resp: resp, err: err}
		}(c)
	}

	improved := false
	for range batch {
		r := <-replies
		if r.err != nil {
			l.stats.Failures++
			r.c.failed = true
			if !errors.Is(r.err, ErrTimeout) && !errors.Is(r.err, context.Canceled) {
				l.d.log.WithFields(logrus.Fields{
					"function": "round",
					"addr":     r.c.addr.String(),
					"error":    r.err.Error(),
				}).Debug("Lookup query rejected")
			}
			continue
		}
		l.stats.Successes++
		if l.merge(r.c, r.resp, bestQueried) {
			improved = true
		}
	}
	l.sort()
	return improved
}

func (l *lookup) merge(c *candidate, resp *proto.Message, bestQueried *NodeID) bool {
	c.responded = true
	c.token = resp.Token

	if !c.hasID {
		if id, err := NodeIDFromBytes(resp.ID); err == nil {
			if other, dup := l.byID[id]; dup && other != c {
				// A seed turned out to be a node already in the shortlist.
				other.queried, other.responded = true, true
				other.token, other.addr = c.token, c.addr
				c.failed = true
			} else {
				c.id, c.hasID = id, true
				l.byID[id] = c
			}
		}
	}

	improved := false
	for _, n := range resp.Nodes {
		id, err := NodeIDFromBytes(n.ID)
		if err != nil {
			continue
		}
		ap, ok := n.AddrPort()
		if !ok {
			continue
		}
		if !l.add(id, ap) {
			continue
		}
		if bestQueried == nil || Closer(l.q.Target, id, *bestQueried) {
			improved = true
		}
	}

	switch l.q.Command {
	case proto.CmdFindPeers:
		for _, p := range resp.Peers {
			l.addPeer(p)
		}
	case proto.CmdGet:
		if resp.Record != nil {
			l.addValue(fromWireRecord(l.q.Target, resp.Record), c)
		}
	}
	return improved
}

// add appends a newly learned node. It is not put in the routing table
// until it answers us.
func (l *lookup) add(id NodeID, ap netip.AddrPort) bool {
	if id == l.d.self {
		return false
	}
	if _, dup := l.byID[id]; dup {
		return false
	}
	if _, dup := l.byAddr[ap]; dup {
		return false
	}
	c := &candidate{id: id, hasID: true, addr: ap}
	l.shortlist = append(l.shortlist, c)
	l.byID[id] = c
	l.byAddr[ap] = c
	return true
}

func (l *lookup) addPeer(n proto.Node) {
	id, err := NodeIDFromBytes(n.ID)
	if err != nil {
		return
	}
	ap, ok := n.AddrPort()
	if !ok {
		return
	}
	if _, dup := l.peerSeen[id]; dup {
		return
	}
	l.peerSeen[id] = len(l.peers)
	l.peers = append(l.peers, PeerRecord{Topic: l.q.Target, PeerID: id, Addr: ap, AnnouncedAt: l.d.clock.Now()})
}

func (l *lookup) addValue(rec *ValueRecord, from *candidate) {
	if err := ValidateRecord(l.q.Target, rec, l.d.values.MaxValueSize()); err != nil {
		l.d.log.WithFields(logrus.Fields{
			"function": "addValue",
			"addr":     from.addr.String(),
			"error":    err.Error(),
		}).Debug("Discarding invalid value")
		return
	}
	sig := string(rec.Sig) + string(rec.Value)
	if _, dup := l.valueSeen[sig]; dup {
		return
	}
	l.valueSeen[sig] = struct{}{}
	l.values = append(l.values, rec.clone())
}

// sort orders id-less seeds first, then by distance; failed candidates sink.
func (l *lookup) sort() {
	t := l.q.Target
	sort.SliceStable(l.shortlist, func(i, j int) bool {
		a, b := l.shortlist[i], l.shortlist[j]
		if a.failed != b.failed {
			return !a.failed
		}
		if a.hasID != b.hasID {
			return !a.hasID
		}
		return Closer(t, a.id, b.id)
	})
}

func (l *lookup) closestResponded() (NodeID, bool) {
	for _, c := range l.shortlist {
		if c.hasID && c.responded && !c.failed {
			return c.id, true
		}
	}
	return NodeID{}, false
}

func (l *lookup) result() *LookupResult {
	res := &LookupResult{
		Target: l.q.Target,
		Peers:  l.peers,
		Values: l.values,
		Stats:  l.stats,
	}
	now := l.d.clock.Now()
	for _, c := range l.shortlist {
		if !c.hasID || !c.responded || c.failed {
			continue
		}
		res.Closest = append(res.Closest, QueriedNode{
			Contact: Contact{ID: c.id, Addr: c.addr, LastVerified: now},
			Token:   c.token,
		})
		if len(res.Closest) == l.cfg.K {
			break
		}
	}
	return res
}

package dht

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/netx"
	"swarm-dht/internal/proto"
)

type Config struct {
	K         int
	Alpha     int
	MaxRounds int

	// MaxDepth bounds bucket splitting; MaxFailures is how many exhausted
	// transactions a contact survives.
	MaxDepth     int
	MaxFailures  uint8
	MaxPerSubnet int

	RPCTimeout    time.Duration
	RPCRetries    uint8
	SweepInterval time.Duration

	TokenRotation time.Duration

	PeerStore  PeerStoreConfig
	ValueStore ValueStoreConfig

	RefreshInterval    time.Duration
	RepublishInterval  time.Duration
	StoreSweepInterval time.Duration

	// Per source IP, requests per second and burst.
	RateLimit float64
	RateBurst float64

	// Ephemeral nodes never send their id, so nobody adds them to a
	// routing table. They can still query and write.
	Ephemeral bool

	Logger *logrus.Logger
}

func DefaultConfig() Config {
	return Config{
		K:                  20,
		Alpha:              3,
		MaxRounds:          32,
		MaxDepth:           nodeIDBits,
		MaxFailures:        0,
		MaxPerSubnet:       2,
		RPCTimeout:         2 * time.Second,
		RPCRetries:         1,
		SweepInterval:      250 * time.Millisecond,
		TokenRotation:      5 * time.Minute,
		PeerStore:          DefaultPeerStoreConfig(),
		ValueStore:         DefaultValueStoreConfig(),
		RefreshInterval:    15 * time.Minute,
		RepublishInterval:  10 * time.Minute,
		StoreSweepInterval: time.Minute,
		RateLimit:          50,
		RateBurst:          100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.K <= 0 {
		c.K = def.K
	}
	if c.Alpha <= 0 {
		c.Alpha = def.Alpha
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.MaxPerSubnet < 0 {
		c.MaxPerSubnet = 0
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.TokenRotation <= 0 {
		c.TokenRotation = def.TokenRotation
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = def.RepublishInterval
	}
	if c.StoreSweepInterval <= 0 {
		c.StoreSweepInterval = def.StoreSweepInterval
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetOutput(io.Discard)
	}
	return c
}

// ContactCache is told about contacts that joined or left the routing
// table, so a later start can bootstrap from them.
type ContactCache interface {
	NoteSuccess(id NodeID, addr netip.AddrPort)
	NoteFailure(addr netip.AddrPort)
}

// DHT is the package's primary engine.
// It owns routing, pending RPCs, both stores and lookup behavior.
type DHT struct {
	self NodeID
	cfg  Config
	log  *logrus.Entry

	transport netx.PacketTransport
	codec     proto.Codec
	clock     Clock
	rand      io.Reader
	metrics   Metrics
	cache     ContactCache

	rt     *RoutingTable
	rpc    *rpcManager
	tokens *TokenManager
	peers  *PeerStore
	values *ValueStore

	limiter *ipLimiter

	challengeMu     sync.Mutex
	challenging     map[NodeID]struct{}
	challengeClosed bool

	observedMu sync.RWMutex
	observed   netip.AddrPort

	ownedMu      sync.Mutex
	ownedTopics  map[NodeID]time.Time
	ownedValues  map[NodeID]time.Time
	republishing atomic.Bool
	refreshing   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

type Option func(*DHT)

func WithMetrics(m Metrics) Option {
	return func(d *DHT) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithContactCache records routing table membership changes in c.
func WithContactCache(c ContactCache) Option {
	return func(d *DHT) { d.cache = c }
}

func WithClock(c Clock) Option {
	return func(d *DHT) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithCodec(c proto.Codec) Option {
	return func(d *DHT) {
		if c != nil {
			d.codec = c
		}
	}
}

// WithRand sets the entropy source for token secrets.
func WithRand(r io.Reader) Option {
	return func(d *DHT) { d.rand = r }
}

// New wires a DHT on top of t. The DHT takes ownership of the transport;
// Close closes it.
func New(self NodeID, t netx.PacketTransport, cfg Config, opts ...Option) (*DHT, error) {
	if t == nil {
		return nil, errors.New("dht: nil transport")
	}
	cfg = cfg.withDefaults()

	d := &DHT{
		self:        self,
		cfg:         cfg,
		log:         cfg.Logger.WithField("node", self.Short()),
		transport:   t,
		codec:       proto.MsgpackCodec{},
		clock:       systemClock{},
		metrics:     NoopMetrics{},
		limiter:     newIPLimiter(cfg.RateLimit, cfg.RateBurst),
		challenging: make(map[NodeID]struct{}),
		ownedTopics: make(map[NodeID]time.Time),
		ownedValues: make(map[NodeID]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}

	tokens, err := NewTokenManager(d.rand)
	if err != nil {
		return nil, err
	}
	d.tokens = tokens

	d.rt = NewRoutingTable(self, cfg.K)
	d.rt.SetMaxDepth(cfg.MaxDepth)
	d.rt.SetMaxFailures(cfg.MaxFailures)
	d.rt.SetDiversityLimit(cfg.MaxPerSubnet)

	d.peers = NewPeerStore(cfg.PeerStore)
	d.values = NewValueStore(cfg.ValueStore)

	d.rpc = newRPCManager(d.codec, t, d.clock, cfg.RPCTimeout, cfg.RPCRetries, d.log)
	d.rpc.onTimeout = d.onTimeout
	d.rpc.onQuery = d.handleQuery

	d.ctx, d.cancel = context.WithCancel(context.Background())
	t.SetHandler(d.rpc.OnDatagram)
	return d, nil
}

// Start launches the maintenance loop. Without it transactions never time
// out, so every node that sends queries must be started.
func (d *DHT) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.maintain()
	})
}

// Close stops maintenance, fails in-flight RPCs with ErrClosed and closes
// the transport.
func (d *DHT) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.transport.SetHandler(nil)
		d.challengeMu.Lock()
		d.challengeClosed = true
		d.challengeMu.Unlock()
		d.cancel()
		d.rpc.close()
		d.wg.Wait()
		err = d.transport.Close()
	})
	return err
}

func (d *DHT) Self() NodeID { return d.self }

func (d *DHT) Routing() *RoutingTable { return d.rt }

func (d *DHT) Peers() *PeerStore { return d.peers }

func (d *DHT) Values() *ValueStore { return d.values }

func (d *DHT) Tokens() *TokenManager { return d.tokens }

func (d *DHT) LocalAddr() netip.AddrPort { return d.transport.LocalAddr() }

// ObservedAddr is our address as last reported by a responding node.
func (d *DHT) ObservedAddr() (netip.AddrPort, bool) {
	d.observedMu.RLock()
	defer d.observedMu.RUnlock()
	return d.observed, d.observed.IsValid()
}

// PendingRPCs reports in-flight transactions.
func (d *DHT) PendingRPCs() int { return d.rpc.Pending() }

// call sends req to addr and folds the exchange into local state: the
// responder is offered to the routing table and a remote rejection is
// mapped back to its sentinel error.
func (d *DHT) call(ctx context.Context, to netip.AddrPort, req *proto.Message) (*proto.Message, error) {
	req.ID = d.selfID()
	resp, err := d.rpc.Send(ctx, to, req)
	if err != nil {
		d.metrics.IncRPC(req.Command.String(), false)
		return nil, err
	}
	d.metrics.IncRPC(req.Command.String(), resp.Error == proto.CodeOK)

	if resp.To != nil {
		if ap, ok := resp.To.AddrPort(); ok {
			d.observedMu.Lock()
			d.observed = ap
			d.observedMu.Unlock()
		}
	}
	if id, err := NodeIDFromBytes(resp.ID); err == nil {
		d.addContact(Contact{ID: id, Addr: to})
	}
	if resp.Error != proto.CodeOK {
		return resp, errorFromCode(resp.Error)
	}
	return resp, nil
}

// addContact offers a verified contact to the routing table and starts a
// challenge when its bucket is full.
func (d *DHT) addContact(c Contact) {
	if c.ID == d.self {
		return
	}
	res := d.rt.Insert(c, d.clock.Now())
	if res.Added && d.cache != nil {
		d.cache.NoteSuccess(c.ID, c.Addr)
	}
	if res.Challenge != nil {
		d.challenge(*res.Challenge)
	}
}

// challenge pings the incumbent of a full bucket. A timeout evicts it, which
// promotes the freshest contact from the replacement cache.
func (d *DHT) challenge(old Contact) {
	d.challengeMu.Lock()
	if _, busy := d.challenging[old.ID]; busy || d.challengeClosed {
		d.challengeMu.Unlock()
		return
	}
	d.challenging[old.ID] = struct{}{}
	// Added under the lock so Close cannot be waiting already.
	d.wg.Add(1)
	d.challengeMu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.challengeMu.Lock()
			delete(d.challenging, old.ID)
			d.challengeMu.Unlock()
		}()

		_, err := d.Ping(d.ctx, old.Addr)
		if errors.Is(err, ErrTimeout) {
			if d.rt.Evict(old.ID) {
				d.log.WithFields(logrus.Fields{
					"function": "challenge",
					"peer":     old.ID.Short(),
					"addr":     old.Addr.String(),
				}).Debug("Evicted unresponsive contact")
				if d.cache != nil {
					d.cache.NoteFailure(old.Addr)
				}
			}
		}
	}()
}

func (d *DHT) onTimeout(addr netip.AddrPort) {
	if d.rt.MarkFailed(addr) {
		d.log.WithFields(logrus.Fields{
			"function": "onTimeout",
			"addr":     addr.String(),
		}).Debug("Evicted contact after timeout")
		if d.cache != nil {
			d.cache.NoteFailure(addr)
		}
	}
}

func (d *DHT) selfID() []byte {
	if d.cfg.Ephemeral {
		return nil
	}
	return d.self[:]
}

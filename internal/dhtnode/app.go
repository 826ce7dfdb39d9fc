// Package dhtnode is the interactive DHT daemon: it owns the node's
// identity files, transport, contact cache and LAN responder, and runs the
// stdin command loop.
package dhtnode

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarm-dht/internal/bootstrap"
	"swarm-dht/internal/dht"
	"swarm-dht/internal/discovery"
	"swarm-dht/internal/netx"
	"swarm-dht/internal/nodecache"
	"swarm-dht/internal/paths"
)

const (
	// Cached contacts not heard from in this long are useless as seeds.
	cacheMaxAge        = 7 * 24 * time.Hour
	cachePruneInterval = time.Hour
)

type App struct {
	cfg    Config
	ui     Printer
	logger *logrus.Logger

	DHT     *dht.DHT
	Metrics *dht.AtomicMetrics

	cache   *nodecache.Cache
	lan     *discovery.Responder
	signKey ed25519.PrivateKey

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the data directory and binds the transport. Nothing talks to
// the network until Start.
func New(cfg Config, logger *logrus.Logger, ui Printer) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if ui == nil {
		ui = NewStdPrinter(os.Stdout)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = paths.DefaultDataDir()
	}
	dir, err := paths.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir

	id, err := loadOrCreateID(paths.IdentityPath(dir))
	if err != nil {
		return nil, err
	}
	key, err := loadOrCreateSigningKey(paths.SigningKeyPath(dir))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		ui:      ui,
		logger:  logger,
		Metrics: &dht.AtomicMetrics{},
		signKey: key,
	}

	opts := []dht.Option{dht.WithMetrics(a.Metrics)}
	if !cfg.NoCache {
		a.cache, err = nodecache.Open(paths.NodeCachePath(dir), logger)
		if err != nil {
			return nil, err
		}
		if n, err := a.cache.Prune(cacheMaxAge); err == nil && n > 0 {
			logger.WithField("pruned", n).Debug("Dropped stale cached contacts")
		}
		a.cache.PruneEvery(cacheMaxAge, cachePruneInterval)
		opts = append(opts, dht.WithContactCache(a.cache))
	}

	t, err := netx.NewUDPTransport(cfg.Bind, logger)
	if err != nil {
		a.closeCache()
		return nil, err
	}

	dcfg := cfg.DHT
	dcfg.Logger = logger
	a.DHT, err = dht.New(id, t, dcfg, opts...)
	if err != nil {
		_ = t.Close()
		a.closeCache()
		return nil, err
	}
	return a, nil
}

// Start runs the DHT, answers LAN probes and joins the network in the
// background.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.DHT.Start()

	self := a.DHT.Self()
	if a.cfg.LAN && !a.cfg.DHT.Ephemeral {
		lanCfg := discovery.DefaultLANConfig()
		if a.cfg.LANPort > 0 {
			lanCfg.Port = a.cfg.LANPort
		}
		r, err := discovery.StartLANResponder(lanCfg, self[:], a.DHT.LocalAddr().Port(), a.logger)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("LAN responder failed")
		} else {
			a.lan = r
		}
	}

	sources := a.seedSources()
	if len(sources) == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		bcfg := a.cfg.Bootstrap
		bcfg.Logger = a.logger
		res, err := bootstrap.Run(ctx, a.DHT, bcfg, sources...)
		switch {
		case errors.Is(err, bootstrap.ErrNoSeeds):
			tagf(a.ui, "NET", "no seeds found; waiting for others to contact us")
		case err != nil:
			tagf(a.ui, "NET", "bootstrap failed: %v", err)
		default:
			tagf(a.ui, "NET", "joined: %d responders, %d contacts", res.Stats.Successes, a.DHT.Routing().Size())
		}
	}()
}

func (a *App) seedSources() []bootstrap.SeedSource {
	var out []bootstrap.SeedSource
	if len(a.cfg.Seeds) > 0 {
		out = append(out, bootstrap.StaticSource{Addrs: a.cfg.Seeds, Label: "seeds"})
	}
	if a.cache != nil {
		out = append(out, bootstrap.CacheSource{Cache: a.cache, MaxFailures: 2, Limit: a.cfg.DHT.K})
	}
	if a.cfg.LAN {
		lanCfg := discovery.DefaultLANConfig()
		if a.cfg.LANPort > 0 {
			lanCfg.Port = a.cfg.LANPort
		}
		self := a.DHT.Self()
		out = append(out, bootstrap.LANSource{Cfg: lanCfg, ID: self[:]})
	}
	return out
}

// Run prints the banner and executes commands from r until EOF, /quit or
// ctx is done.
func (a *App) Run(ctx context.Context, r io.Reader) error {
	PrintBanner(a.ui, a.DHT)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !a.handleCommand(ctx, line) {
				return nil
			}
		}
	}
}

// Close stops everything Start launched and releases the data directory.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.lan != nil {
			_ = a.lan.Close()
		}
		err = a.DHT.Close()
		a.wg.Wait()
		a.closeCache()
	})
	return err
}

func (a *App) closeCache() {
	if a.cache == nil {
		return
	}
	if err := a.cache.Close(); err != nil {
		a.logger.WithField("error", err.Error()).Warn("Cannot close node cache")
	}
}

// Package bootstrap joins a node to the network: it gathers seed addresses
// from several sources and looks up the node's own id through them,
// retrying with backoff until some seed answers.
package bootstrap

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"swarm-dht/internal/dht"
)

var (
	// ErrNoSeeds is returned when no source produced any address.
	ErrNoSeeds = errors.New("bootstrap: no seed addresses")
	// ErrNoAnswer is returned when seeds were tried and none answered.
	ErrNoAnswer = errors.New("bootstrap: no seed answered")
)

type Config struct {
	MaxSeeds        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the whole retry loop. Zero retries until ctx ends.
	MaxElapsed time.Duration
	Logger     *logrus.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxSeeds:        12,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      2 * time.Minute,
	}
}

// Bootstrapper is the part of *dht.DHT that Run drives.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, seeds []netip.AddrPort) (*dht.LookupResult, error)
}

// Gather collects candidates from sources, shuffled so that nodes do not
// all hit the same seed first, deduplicated and capped at limit.
func Gather(ctx context.Context, log *logrus.Entry, limit int, sources ...SeedSource) []netip.AddrPort {
	cands := make([]netip.AddrPort, 0, 64)
	for _, s := range sources {
		addrs, err := s.Discover(ctx)
		if err != nil {
			log.WithFields(logrus.Fields{
				"function": "Gather",
				"source":   s.Name(),
				"error":    err.Error(),
			}).Warn("Seed source failed")
			continue
		}
		log.WithFields(logrus.Fields{
			"function": "Gather",
			"source":   s.Name(),
			"count":    len(addrs),
		}).Debug("Seed source answered")
		cands = append(cands, addrs...)
	}

	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	seen := make(map[netip.AddrPort]struct{}, len(cands))
	out := cands[:0]
	for _, a := range cands {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !a.IsValid() || a.Port() == 0 {
			continue
		}
		a = netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Run gathers seeds and bootstraps d through them until at least one seed
// answers. Sources are consulted again on every attempt.
func Run(ctx context.Context, d Bootstrapper, cfg Config, sources ...SeedSource) (*dht.LookupResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "bootstrap")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsed

	var res *dht.LookupResult
	attempt := 0
	op := func() error {
		attempt++
		seeds := Gather(ctx, log, cfg.MaxSeeds, sources...)
		if len(seeds) == 0 {
			return backoff.Permanent(ErrNoSeeds)
		}
		r, err := d.Bootstrap(ctx, seeds)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		if r.Stats.Successes == 0 {
			return ErrNoAnswer
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"function": "Run",
			"attempt":  attempt,
			"retry_in": wait.String(),
			"error":    err.Error(),
		}).Warn("Bootstrap attempt failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return res, err
	}
	return res, nil
}

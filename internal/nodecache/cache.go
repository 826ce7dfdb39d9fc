// Package nodecache remembers contacts that were verified members of the
// routing table, so the next start can bootstrap without a seed list.
package nodecache

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"swarm-dht/internal/dht"
)

const (
	bContacts = "contacts"

	defaultTO = 2 * time.Second

	// queueLen bounds notes waiting for the writer; more are dropped.
	queueLen = 1024
	maxBatch = 256
)

type record struct {
	ID          []byte `msgpack:"id"`
	Addr        string `msgpack:"addr"`
	LastSuccess int64  `msgpack:"ok"`
	LastSeen    int64  `msgpack:"seen"`
	Failures    int    `msgpack:"fail"`
}

// Contact is a cached contact.
type Contact struct {
	ID          dht.NodeID
	Addr        netip.AddrPort
	LastSuccess time.Time
	Failures    int
}

// note is one queued change. A note with flushed set only marks a point in
// the queue.
type note struct {
	id      dht.NodeID
	addr    netip.AddrPort
	at      int64
	failure bool
	flushed chan struct{}
}

// Cache is a BoltDB-backed dht.ContactCache keyed by address. Notes are
// queued and written by a background goroutine in batches, so callers on a
// network read path never wait for a commit.
type Cache struct {
	db  *bolt.DB
	log *logrus.Entry
	now func() time.Time

	notes   chan note
	done    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

var _ dht.ContactCache = (*Cache)(nil)

// Open opens (or creates) a BoltDB database at path.
func Open(path string, logger *logrus.Logger) (*Cache, error) {
	if path == "" {
		return nil, errors.New("nodecache: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bContacts))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Cache{
		db:      db,
		log:     logger.WithField("component", "nodecache"),
		now:     time.Now,
		notes:   make(chan note, queueLen),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c, nil
}

// Close writes what is still queued, stops background work and closes the
// database.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.wg.Wait()
		err = c.db.Close()
	})
	return err
}

// NoteSuccess records that id answered at addr.
func (c *Cache) NoteSuccess(id dht.NodeID, addr netip.AddrPort) {
	c.enqueue(note{id: id, addr: addr, at: c.now().UnixNano()})
}

// NoteFailure counts a failure against addr, if it is known.
func (c *Cache) NoteFailure(addr netip.AddrPort) {
	c.enqueue(note{addr: addr, at: c.now().UnixNano(), failure: true})
}

func (c *Cache) enqueue(n note) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.notes <- n:
	default:
		c.log.WithFields(logrus.Fields{
			"function": "enqueue",
			"addr":     n.addr.String(),
		}).Debug("Note queue full, dropping")
	}
}

// Flush waits until every note queued before the call is committed.
func (c *Cache) Flush() {
	n := note{flushed: make(chan struct{})}
	select {
	case c.notes <- n:
	case <-c.done:
		return
	}
	select {
	case <-n.flushed:
	case <-c.stopped:
	}
}

func (c *Cache) writeLoop() {
	defer c.wg.Done()
	defer close(c.stopped)
	for {
		select {
		case n := <-c.notes:
			c.write(c.batch(n))
		case <-c.done:
			for {
				select {
				case n := <-c.notes:
					c.write(c.batch(n))
				default:
					return
				}
			}
		}
	}
}

// batch collects whatever else is queued behind first.
func (c *Cache) batch(first note) []note {
	out := []note{first}
	for len(out) < maxBatch {
		select {
		case n := <-c.notes:
			out = append(out, n)
		default:
			return out
		}
	}
	return out
}

// write commits a batch in one transaction, then releases its flush marks.
func (c *Cache) write(batch []note) {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bContacts))
		for _, n := range batch {
			var err error
			switch {
			case n.flushed != nil:
			case n.failure:
				err = noteFailure(b, n)
			default:
				err = noteSuccess(b, n)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "write",
			"notes":    len(batch),
			"error":    err.Error(),
		}).Warn("Cannot record contacts")
	}
	for _, n := range batch {
		if n.flushed != nil {
			close(n.flushed)
		}
	}
}

func noteSuccess(b *bolt.Bucket, n note) error {
	r := record{Addr: n.addr.String()}
	if raw := b.Get([]byte(r.Addr)); raw != nil {
		// A corrupt entry is simply overwritten.
		_ = msgpack.Unmarshal(raw, &r)
	}
	r.ID = append([]byte(nil), n.id[:]...)
	r.LastSuccess = n.at
	r.LastSeen = n.at
	r.Failures = 0
	return put(b, &r)
}

func noteFailure(b *bolt.Bucket, n note) error {
	key := []byte(n.addr.String())
	raw := b.Get(key)
	if raw == nil {
		return nil
	}
	var r record
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return b.Delete(key)
	}
	r.LastSeen = n.at
	r.Failures++
	return put(b, &r)
}

func put(b *bolt.Bucket, r *record) error {
	val, err := msgpack.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put([]byte(r.Addr), val)
}

// Candidates returns best contacts to try first: most recent success first,
// skipping those with more than maxFailures failures.
func (c *Cache) Candidates(maxFailures, limit int) ([]Contact, error) {
	var out []Contact
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bContacts)).ForEach(func(k, v []byte) error {
			var r record
			if err := msgpack.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.Failures > maxFailures {
				return nil
			}
			id, err := dht.NodeIDFromBytes(r.ID)
			if err != nil {
				return nil
			}
			ap, err := netip.ParseAddrPort(r.Addr)
			if err != nil {
				return nil
			}
			out = append(out, Contact{
				ID:          id,
				Addr:        ap,
				LastSuccess: time.Unix(0, r.LastSuccess),
				Failures:    r.Failures,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSuccess.Equal(out[j].LastSuccess) {
			return out[i].LastSuccess.After(out[j].LastSuccess)
		}
		return out[i].Failures < out[j].Failures
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune drops contacts not seen for maxAge.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge).UnixNano()
	n := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bContacts))
		var dead [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var r record
			if err := msgpack.Unmarshal(v, &r); err != nil || r.LastSeen < cutoff {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(dead)
		return nil
	})
	return n, err
}

// PruneEvery runs Prune(maxAge) every interval until Close.
func (c *Cache) PruneEvery(maxAge, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-t.C:
				n, err := c.Prune(maxAge)
				if err != nil {
					c.log.WithFields(logrus.Fields{
						"function": "PruneEvery",
						"error":    err.Error(),
					}).Warn("Cannot prune contacts")
					continue
				}
				if n > 0 {
					c.log.WithField("pruned", n).Debug("Dropped stale contacts")
				}
			}
		}
	}()
}

func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bContacts)).Stats().KeyN
		return nil
	})
	return n, err
}

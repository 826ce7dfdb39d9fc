package dht

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

type ValueStoreConfig struct {
	MaxValues    int
	MaxValueSize int
	TTL          time.Duration
}

func DefaultValueStoreConfig() ValueStoreConfig {
	return ValueStoreConfig{
		MaxValues:    10000,
		MaxValueSize: 1000,
		TTL:          2 * time.Hour,
	}
}

// ValueStore keeps immutable and mutable records. The map is ordered by
// last access, front first, so capacity eviction drops the record fetched
// least recently.
type ValueStore struct {
	cfg ValueStoreConfig

	mu   sync.Mutex
	data *orderedmap.OrderedMap[NodeID, *ValueRecord]
}

func NewValueStore(cfg ValueStoreConfig) *ValueStore {
	def := DefaultValueStoreConfig()
	if cfg.MaxValues <= 0 {
		cfg.MaxValues = def.MaxValues
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &ValueStore{
		cfg:  cfg,
		data: orderedmap.NewOrderedMap[NodeID, *ValueRecord](),
	}
}

func (s *ValueStore) MaxValueSize() int { return s.cfg.MaxValueSize }

// PutImmutable stores value under its content hash. Storing an existing
// value again only refreshes its age.
func (s *ValueStore) PutImmutable(value []byte, now time.Time) (NodeID, error) {
	key := ImmutableKey(value)
	if err := validateImmutable(key, value, s.cfg.MaxValueSize); err != nil {
		return key, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.data.Get(key); ok && !old.Mutable() {
		old.StoredAt = now
		s.bumpLocked(key, old)
		return key, nil
	}
	s.setLocked(key, &ValueRecord{
		Key:      key,
		Value:    append([]byte(nil), value...),
		StoredAt: now,
	})
	return key, nil
}

// PutMutable accepts rec if it is well formed, not older than the stored
// record, and correctly signed. A lower sequence is refused before the
// signature is looked at; an equal sequence is an idempotent replay only
// when the value is byte-identical.
func (s *ValueStore) PutMutable(rec *ValueRecord, now time.Time) error {
	if err := validateMutableShape(rec, s.cfg.MaxValueSize); err != nil {
		return err
	}

	s.mu.Lock()
	old, exists := s.data.Get(rec.Key)
	s.mu.Unlock()
	if exists && old.Mutable() && rec.Seq < old.Seq {
		return ErrStaleSequence
	}

	if !VerifyMutable(rec.PubKey, rec.Salt, rec.Seq, rec.Value, rec.Sig) {
		return ErrBadSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Recheck under the lock: another put may have landed meanwhile.
	if old, ok := s.data.Get(rec.Key); ok && old.Mutable() {
		switch {
		case rec.Seq < old.Seq:
			return ErrStaleSequence
		case rec.Seq == old.Seq:
			if !sameMutable(old, rec) {
				return ErrStaleSequence
			}
			old.StoredAt = now
			s.bumpLocked(rec.Key, old)
			return nil
		}
	}

	stored := rec.clone()
	stored.StoredAt = now
	s.setLocked(rec.Key, stored)
	return nil
}

// Get returns a copy of the record under key and marks it recently used.
func (s *ValueStore) Get(key NodeID, now time.Time) (*ValueRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Get(key)
	if !ok {
		return nil, false
	}
	if now.Sub(rec.StoredAt) > s.cfg.TTL {
		s.data.Delete(key)
		return nil, false
	}
	s.bumpLocked(key, rec)
	return rec.clone(), true
}

// Sweep drops expired records.
func (s *ValueStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []NodeID
	for el := s.data.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value.StoredAt) > s.cfg.TTL {
			dead = append(dead, el.Key)
		}
	}
	for _, k := range dead {
		s.data.Delete(k)
	}
	return len(dead)
}

func (s *ValueStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Len()
}

func (s *ValueStore) bumpLocked(key NodeID, rec *ValueRecord) {
	s.data.Delete(key)
	s.data.Set(key, rec)
}

func (s *ValueStore) setLocked(key NodeID, rec *ValueRecord) {
	s.data.Delete(key)
	s.data.Set(key, rec)
	for s.data.Len() > s.cfg.MaxValues {
		s.data.Delete(s.data.Front().Key)
	}
}

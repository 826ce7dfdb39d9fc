package dht

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Contact is a routing table entry.
type Contact struct {
	ID           NodeID
	Addr         netip.AddrPort
	LastVerified time.Time
	FailCount    uint8
}

type bucket struct {
	contacts []Contact // index 0 = most recently verified; end = least
	repl     []Contact // replacement cache (bounded), freshest first
}

func (b *bucket) indexOf(id NodeID) int {
	for i := range b.contacts {
		if b.contacts[i].ID == id {
			return i
		}
	}
	return -1
}

type DiversityPolicy struct {
	MaxPerSubnet int
}

// InsertResult reports what Insert did with a contact. When the target
// bucket is full the new contact waits in the replacement cache and
// Challenge names the incumbent that must answer a ping to keep its slot.
type InsertResult struct {
	Stored    bool
	Added     bool
	Challenge *Contact
}

const replMax = 10

// RoutingTable keeps contacts in buckets keyed by the length of the prefix
// they share with the local id. The last bucket holds everything at or
// beyond its depth and is the only one that splits.
type RoutingTable struct {
	self        NodeID
	k           int
	maxDepth    int
	maxFailures uint8

	mu      sync.RWMutex
	buckets []*bucket
	byAddr  map[netip.AddrPort]NodeID

	diversity DiversityPolicy
}

func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = 20
	}
	return &RoutingTable{
		self:      self,
		k:         k,
		maxDepth:  nodeIDBits,
		buckets:   []*bucket{{}},
		byAddr:    make(map[netip.AddrPort]NodeID),
		diversity: DiversityPolicy{MaxPerSubnet: 2},
	}
}

func (rt *RoutingTable) Self() NodeID { return rt.self }

func (rt *RoutingTable) K() int { return rt.k }

// SetMaxDepth bounds how many buckets splitting may create.
func (rt *RoutingTable) SetMaxDepth(depth int) {
	if depth <= 0 || depth > nodeIDBits {
		depth = nodeIDBits
	}
	rt.mu.Lock()
	rt.maxDepth = depth
	rt.mu.Unlock()
}

// SetMaxFailures sets how many failed transactions a contact survives.
func (rt *RoutingTable) SetMaxFailures(n uint8) {
	rt.mu.Lock()
	rt.maxFailures = n
	rt.mu.Unlock()
}

func (rt *RoutingTable) SetDiversityLimit(maxPerSubnet int) {
	rt.mu.Lock()
	rt.diversity.MaxPerSubnet = maxPerSubnet
	rt.mu.Unlock()
}

func (rt *RoutingTable) bucketFor(id NodeID) int {
	cpl := CommonPrefixLen(rt.self, id)
	if last := len(rt.buckets) - 1; cpl > last {
		return last
	}
	return cpl
}

// Insert adds c or refreshes it if already known.
func (rt *RoutingTable) Insert(c Contact, now time.Time) InsertResult {
	if c.ID == rt.self || !c.Addr.IsValid() {
		return InsertResult{}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Another id claiming this address means the old node is gone.
	if prev, ok := rt.byAddr[c.Addr]; ok && prev != c.ID {
		rt.removeLocked(prev)
	}

	bi := rt.bucketFor(c.ID)
	b := rt.buckets[bi]

	if i := b.indexOf(c.ID); i >= 0 {
		ct := b.contacts[i]
		if ct.Addr != c.Addr {
			delete(rt.byAddr, ct.Addr)
		}
		ct.Addr = c.Addr
		ct.LastVerified = now
		ct.FailCount = 0

		copy(b.contacts[1:i+1], b.contacts[:i])
		b.contacts[0] = ct
		rt.byAddr[c.Addr] = c.ID
		return InsertResult{Stored: true}
	}

	c.LastVerified = now
	c.FailCount = 0

	// Anti-eclipse diversity: cap number of nodes from the same subnet per bucket.
	if maxPerSubnet := rt.diversity.MaxPerSubnet; maxPerSubnet > 0 {
		sk := subnetKey(c.Addr)
		cnt := 0
		for i := range b.contacts {
			if subnetKey(b.contacts[i].Addr) == sk {
				cnt++
			}
		}
		if cnt >= maxPerSubnet {
			return InsertResult{}
		}
	}

	for len(b.contacts) >= rt.k && rt.canSplitLocked(bi) {
		rt.splitLocked()
		bi = rt.bucketFor(c.ID)
		b = rt.buckets[bi]
	}

	// Space available => insert at front
	if len(b.contacts) < rt.k {
		b.contacts = append([]Contact{c}, b.contacts...)
		rt.byAddr[c.Addr] = c.ID
		rt.dropReplacement(b, c.ID)
		return InsertResult{Stored: true, Added: true}
	}

	addReplacement(b, c)
	oldest := b.contacts[len(b.contacts)-1]
	return InsertResult{Challenge: &oldest}
}

func (rt *RoutingTable) canSplitLocked(bi int) bool {
	last := len(rt.buckets) - 1
	return bi == last && len(rt.buckets) < rt.maxDepth
}

// splitLocked moves everything in the last bucket that shares one more bit
// with self into a new, deeper bucket.
func (rt *RoutingTable) splitLocked() {
	last := len(rt.buckets) - 1
	old := rt.buckets[last]
	deeper := &bucket{}

	keep := old.contacts[:0]
	for _, c := range old.contacts {
		if CommonPrefixLen(rt.self, c.ID) > last {
			deeper.contacts = append(deeper.contacts, c)
		} else {
			keep = append(keep, c)
		}
	}
	old.contacts = keep

	keepRepl := old.repl[:0]
	for _, c := range old.repl {
		if CommonPrefixLen(rt.self, c.ID) > last {
			deeper.repl = append(deeper.repl, c)
		} else {
			keepRepl = append(keepRepl, c)
		}
	}
	old.repl = keepRepl

	rt.buckets = append(rt.buckets, deeper)
}

func addReplacement(b *bucket, c Contact) {
	for i := range b.repl {
		if b.repl[i].ID == c.ID {
			b.repl = append(b.repl[:i], b.repl[i+1:]...)
			break
		}
	}
	b.repl = append([]Contact{c}, b.repl...)
	if len(b.repl) > replMax {
		b.repl = b.repl[:replMax]
	}
}

func (rt *RoutingTable) dropReplacement(b *bucket, id NodeID) {
	for i := range b.repl {
		if b.repl[i].ID == id {
			b.repl = append(b.repl[:i], b.repl[i+1:]...)
			return
		}
	}
}

// removeLocked drops id and promotes the freshest replacement, if any.
func (rt *RoutingTable) removeLocked(id NodeID) bool {
	b := rt.buckets[rt.bucketFor(id)]
	i := b.indexOf(id)
	if i < 0 {
		rt.dropReplacement(b, id)
		return false
	}
	if rt.byAddr[b.contacts[i].Addr] == id {
		delete(rt.byAddr, b.contacts[i].Addr)
	}
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)

	for len(b.repl) > 0 {
		r := b.repl[0]
		b.repl = b.repl[1:]
		if other, taken := rt.byAddr[r.Addr]; taken && other != r.ID {
			continue
		}
		b.contacts = append([]Contact{r}, b.contacts...)
		rt.byAddr[r.Addr] = r.ID
		break
	}
	return true
}

// Evict removes id unconditionally; used when a challenge ping fails.
func (rt *RoutingTable) Evict(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.removeLocked(id)
}

// MarkFailed records a timed-out transaction against the contact at addr
// and evicts it once its failures exceed the configured threshold.
func (rt *RoutingTable) MarkFailed(addr netip.AddrPort) (evicted bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id, ok := rt.byAddr[addr]
	if !ok {
		return false
	}
	b := rt.buckets[rt.bucketFor(id)]
	i := b.indexOf(id)
	if i < 0 {
		delete(rt.byAddr, addr)
		return false
	}
	if b.contacts[i].FailCount < 255 {
		b.contacts[i].FailCount++
	}
	if b.contacts[i].FailCount > rt.maxFailures {
		return rt.removeLocked(id)
	}
	return false
}

// Lookup returns the contact for id.
func (rt *RoutingTable) Lookup(id NodeID) (Contact, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[rt.bucketFor(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i], true
	}
	return Contact{}, false
}

// Closest returns up to n contacts ordered by ascending distance to target.
// It reads the target's own bucket first, then the deeper buckets (all at
// the same distance order of magnitude), then shallower buckets one by one,
// and stops as soon as a whole group has been read and n is reached.
func (rt *RoutingTable) Closest(target NodeID, n int) []Contact {
	if n <= 0 {
		n = rt.k
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	start := rt.bucketFor(target)
	out := make([]Contact, 0, n+rt.k)
	out = append(out, rt.buckets[start].contacts...)

	if len(out) < n {
		for j := start + 1; j < len(rt.buckets); j++ {
			out = append(out, rt.buckets[j].contacts...)
		}
	}
	for j := start - 1; j >= 0 && len(out) < n; j-- {
		out = append(out, rt.buckets[j].contacts...)
	}

	SortByDistance(out, target)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// SortByDistance sorts contacts by XOR distance to target.
func SortByDistance(cs []Contact, target NodeID) {
	sort.Slice(cs, func(i, j int) bool { return Closer(target, cs[i].ID, cs[j].ID) })
}

// Contacts returns a snapshot of every stored contact.
func (rt *RoutingTable) Contacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []Contact
	for _, b := range rt.buckets {
		out = append(out, b.contacts...)
	}
	return out
}

func subnetKey(addr netip.AddrPort) string {
	ip := addr.Addr().Unmap()

	if ip.IsLoopback() {
		return fmt.Sprintf("loopback:%s", addr)
	}

	if ip.Is4() {
		v4 := ip.As4()
		return fmt.Sprintf("v4:%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}

	pfx, err := ip.Prefix(64)
	if err != nil {
		return "ip:unknown"
	}
	return "v6:" + pfx.String()
}

// Size returns total number of nodes in the routing table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.contacts)
	}
	return n
}

// BucketCount returns how many buckets exist after splitting.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// BucketSize returns number of nodes in a bucket.
func (rt *RoutingTable) BucketSize(bucket int) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if bucket < 0 || bucket >= len(rt.buckets) {
		return 0
	}
	return len(rt.buckets[bucket].contacts)
}

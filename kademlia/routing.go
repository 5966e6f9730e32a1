// This file implements RoutingTable: an ordered, splitting sequence of
// k-buckets covering the full 160-bit id space, plus the bounded
// nearest-neighbor heap used by findNeighbors and the spider crawler.
package kademlia

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger is injected into a RoutingTable so it can probe a full bucket's
// head without holding a reference back up to the protocol/transport
// layer. Server wires this to RPC's ping method.
type Pinger interface {
	Ping(ctx context.Context, n NodeRef) bool
}

// RoutingTable is a contiguous, sorted sequence of k-buckets partitioning
// [0, 2^160). It starts as a single bucket and splits on overflow per
// the rules in addContact.
type RoutingTable struct {
	mu      sync.Mutex
	self    Identifier
	k       int
	buckets []*KBucket
	pinger  Pinger
	tp      TimeProvider
}

// NewRoutingTable constructs a routing table for self with bucket
// capacity k, covering the whole id space as a single bucket. pinger is
// used to probe a full bucket's head before evicting it (may be nil in
// tests that never overflow a bucket).
func NewRoutingTable(self Identifier, k int, pinger Pinger) *RoutingTable {
	return NewRoutingTableWithTimeProvider(self, k, pinger, nil)
}

// NewRoutingTableWithTimeProvider is NewRoutingTable with an injected
// TimeProvider, for deterministic freshness tests.
func NewRoutingTableWithTimeProvider(self Identifier, k int, pinger Pinger, tp TimeProvider) *RoutingTable {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	whole := idRange{lo: Identifier{}, hi: maxIdentifier()}
	return &RoutingTable{
		self:    self,
		k:       k,
		buckets: []*KBucket{newKBucket(whole, k, tp)},
		pinger:  pinger,
		tp:      tp,
	}
}

// bucketIndexFor returns the index of the bucket covering id. The bucket
// list is sorted and contiguous, so a linear scan suffices; routing
// tables in this DHT rarely exceed a few dozen buckets.
func (rt *RoutingTable) bucketIndexFor(id Identifier) int {
	for i, b := range rt.buckets {
		if b.contains(id) {
			return i
		}
	}
	return -1
}

// AddContact adds node to its covering bucket. If the bucket is full, it
// splits (and AddContact retries against the correct half) when either
// the bucket covers the local id or its depth is not a multiple of 5;
// otherwise the bucket head is pinged in the background and this
// contact is dropped — a later ping-timeout removal will free a slot for
// the next attempt.
func (rt *RoutingTable) AddContact(node *Node) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addContactLocked(node)
}

func (rt *RoutingTable) addContactLocked(node *Node) bool {
	if node.ID() == rt.self {
		return false
	}

	idx := rt.bucketIndexFor(node.ID())
	if idx < 0 {
		return false
	}
	bucket := rt.buckets[idx]

	if bucket.add(node) {
		bucket.touch(rt.tp)
		return true
	}

	if bucket.contains(rt.self) || bucket.depth()%5 != 0 {
		rt.splitBucketLocked(idx)
		return rt.addContactLocked(node)
	}

	rt.pingHeadAsync(bucket)
	return false
}

func (rt *RoutingTable) splitBucketLocked(idx int) {
	bucket := rt.buckets[idx]
	lower, upper := bucket.split(rt.tp)

	rt.buckets = append(rt.buckets[:idx], append([]*KBucket{lower, upper}, rt.buckets[idx+1:]...)...)
}

// pingHeadAsync probes a full bucket's least-recently-seen contact in
// the background. If the ping fails, the head is removed from the table
// (promoting a queued replacement, if any), freeing a slot for the next
// AddContact.
func (rt *RoutingTable) pingHeadAsync(bucket *KBucket) {
	if rt.pinger == nil {
		return
	}
	head := bucket.head()
	if head == nil {
		return
	}

	go func(target *Node) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		target.RecordPingSent()
		ok := rt.pinger.Ping(ctx, target.Ref)
		target.RecordPingResponse(ok)
		if !ok {
			rt.RemoveContact(target.ID())
		}
		logrus.WithFields(logrus.Fields{
			"function":    "pingHeadAsync",
			"node":        target.ID().String(),
			"ok":          ok,
			"reliability": target.Reliability(),
		}).Debug("bucket head liveness probe")
	}(head)
}

// Contains reports whether id is currently present in some bucket's
// main set.
func (rt *RoutingTable) Contains(id Identifier) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndexFor(id)
	if idx < 0 {
		return false
	}
	return rt.buckets[idx].indexOf(id) >= 0
}

// RemoveContact removes id from its covering bucket, promoting a
// replacement if one is queued.
func (rt *RoutingTable) RemoveContact(id Identifier) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndexFor(id)
	if idx < 0 {
		return false
	}
	return rt.buckets[idx].remove(id)
}

// nodeHeapEntry pairs a node with its precomputed distance to the
// lookup target.
type nodeHeapEntry struct {
	node *Node
	dist Identifier
}

// NodeHeap is a bounded max-heap on distance: it holds at most k entries,
// with the single furthest entry at the root so it can be evicted in
// O(log k) when a nearer candidate arrives.
type NodeHeap struct {
	cap     int
	entries []nodeHeapEntry
}

// NewNodeHeap creates an empty heap bounded to cap entries.
func NewNodeHeap(cap int) *NodeHeap {
	return &NodeHeap{cap: cap}
}

func (h *NodeHeap) Len() int { return len(h.entries) }
func (h *NodeHeap) Less(i, j int) bool {
	return h.entries[j].dist.Less(h.entries[i].dist)
}
func (h *NodeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *NodeHeap) Push(x interface{}) {
	h.entries = append(h.entries, x.(nodeHeapEntry))
}
func (h *NodeHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	item := old[n-1]
	h.entries = old[:n-1]
	return item
}

// Offer considers node for inclusion, keyed by its distance to target.
// If the heap has room, node is always added; otherwise it replaces the
// current furthest entry only if it is nearer.
func (h *NodeHeap) Offer(node *Node, target Identifier) {
	dist := node.ID().Xor(target)
	entry := nodeHeapEntry{node: node, dist: dist}

	if h.Len() < h.cap {
		heap.Push(h, entry)
		return
	}
	if h.Len() > 0 && dist.Less(h.entries[0].dist) {
		heap.Pop(h)
		heap.Push(h, entry)
	}
}

// Nodes returns the heap's contents sorted nearest-first.
func (h *NodeHeap) Nodes() []*Node {
	sorted := make([]nodeHeapEntry, len(h.entries))
	copy(sorted, h.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist.Less(sorted[j].dist) })

	out := make([]*Node, len(sorted))
	for i, e := range sorted {
		out[i] = e.node
	}
	return out
}

// FindNeighbors returns up to k nodes nearest to target, starting the
// bucket traversal at target's covering bucket and alternating outward
// (left, right, left, right, ...). The target id itself and any node
// sharing exclude's address are skipped. Every visited bucket has its
// lastUpdated timestamp refreshed.
func (rt *RoutingTable) FindNeighbors(target Identifier, k int, exclude *NodeRef) []*Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	h := NewNodeHeap(k)
	start := rt.bucketIndexFor(target)
	if start < 0 {
		return nil
	}

	visit := func(idx int) bool {
		if idx < 0 || idx >= len(rt.buckets) {
			return false
		}
		bucket := rt.buckets[idx]
		bucket.touch(rt.tp)
		for _, n := range bucket.nodes() {
			if n.ID() == target {
				continue
			}
			if exclude != nil && n.Ref.Host == exclude.Host && n.Ref.Port == exclude.Port {
				continue
			}
			h.Offer(n, target)
		}
		return true
	}

	visit(start)
	for left, right := start-1, start+1; left >= 0 || right < len(rt.buckets); left, right = left-1, right+1 {
		if h.Len() >= k {
			break
		}
		if left >= 0 {
			visit(left)
		}
		if h.Len() >= k {
			break
		}
		if right < len(rt.buckets) {
			visit(right)
		}
	}

	return h.Nodes()
}

// GetLonelyBuckets returns every bucket whose lastUpdated is older than
// maxAge — candidates for the hourly refresh crawl.
func (rt *RoutingTable) GetLonelyBuckets(maxAge time.Duration) []*KBucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.tp.Now()
	var lonely []*KBucket
	for _, b := range rt.buckets {
		if now.Sub(b.lastUpdated) > maxAge {
			lonely = append(lonely, b)
		}
	}
	return lonely
}

// GetRefreshIDs returns one random id per lonely bucket (not touched
// within maxAge), for the server's hourly refresh crawl.
func (rt *RoutingTable) GetRefreshIDs(maxAge time.Duration) []Identifier {
	lonely := rt.GetLonelyBuckets(maxAge)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	ids := make([]Identifier, 0, len(lonely))
	for _, b := range lonely {
		ids = append(ids, b.idRange.randomID())
	}
	return ids
}

// AllNodes returns every contact currently held across all buckets.
func (rt *RoutingTable) AllNodes() []*Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []*Node
	for _, b := range rt.buckets {
		out = append(out, b.nodes()...)
	}
	return out
}

// BucketCount returns the number of buckets currently in the table.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets)
}

// TotalNodeCount returns the number of contacts across all buckets.
func (rt *RoutingTable) TotalNodeCount() int {
	return len(rt.AllNodes())
}

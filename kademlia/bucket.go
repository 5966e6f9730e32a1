// This file implements KBucket: a range-bounded, size-bounded container
// of contacts plus a replacement queue, following the split/replace rules
// of routing.go's RoutingTable.
package kademlia

import (
	"crypto/rand"
	"math/big"
	"time"
)

// idRange is an inclusive [lo, hi] range over the 160-bit id space.
type idRange struct {
	lo, hi Identifier
}

func idToBig(id Identifier) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

func bigToID(n *big.Int) Identifier {
	var id Identifier
	b := n.Bytes()
	if len(b) > IDSize {
		b = b[len(b)-IDSize:]
	}
	copy(id[IDSize-len(b):], b)
	return id
}

// maxIdentifier is the all-ones identifier, the upper bound of the full
// id space.
func maxIdentifier() Identifier {
	var id Identifier
	for i := range id {
		id[i] = 0xff
	}
	return id
}

// contains reports whether id falls within r, inclusive.
func (r idRange) contains(id Identifier) bool {
	return !id.Less(r.lo) && !r.hi.Less(id)
}

// midpoint returns floor((lo+hi)/2).
func (r idRange) midpoint() Identifier {
	sum := new(big.Int).Add(idToBig(r.lo), idToBig(r.hi))
	mid := sum.Rsh(sum, 1)
	return bigToID(mid)
}

// split divides r at its midpoint. The midpoint itself belongs to the
// lower half.
func (r idRange) split() (lower, upper idRange) {
	mid := r.midpoint()
	lower = idRange{lo: r.lo, hi: mid}

	next := new(big.Int).Add(idToBig(mid), big.NewInt(1))
	upper = idRange{lo: bigToID(next), hi: r.hi}
	return lower, upper
}

// depth returns the number of leading bits lo and hi share — the number
// of bits already fixed by this bucket's position in the routing tree.
func (r idRange) depth() int {
	return r.lo.PrefixLen(r.hi)
}

// randomID returns an id drawn uniformly from r, inclusive. The source
// this DHT is modeled on computes random*range + range, which can push
// the result above the bucket's upper bound; this implementation uses
// the corrected min + random*(max-min+1) instead (see DESIGN.md).
func (r idRange) randomID() Identifier {
	span := new(big.Int).Sub(idToBig(r.hi), idToBig(r.lo))
	span.Add(span, big.NewInt(1))

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return r.lo
	}
	n.Add(n, idToBig(r.lo))
	return bigToID(n)
}

// KBucket holds up to k contacts whose ids fall within its range, plus a
// bounded replacement queue of contacts offered while the bucket was
// full.
type KBucket struct {
	idRange
	k           int
	main        []*Node
	replacement []*Node
	lastUpdated time.Time
}

func newKBucket(r idRange, k int, tp TimeProvider) *KBucket {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	return &KBucket{
		idRange:     r,
		k:           k,
		lastUpdated: tp.Now(),
	}
}

// indexOf returns the position of id in the main set, or -1.
func (kb *KBucket) indexOf(id Identifier) int {
	for i, n := range kb.main {
		if n.ID() == id {
			return i
		}
	}
	return -1
}

// size returns the number of contacts in the main set. Read before any
// increment in add, matching the source's accessor-then-mutate order —
// after delete+append this produces the correct capacity check.
func (kb *KBucket) size() int {
	return len(kb.main)
}

// add inserts node into the bucket's main set. If the id is already
// present, the entry is refreshed and moved to the most-recently-seen
// end. If the main set is full, node is pushed to the replacement queue
// and add returns false so the caller can decide whether to ping the
// bucket head.
func (kb *KBucket) add(node *Node) bool {
	if i := kb.indexOf(node.ID()); i >= 0 {
		kb.main = append(kb.main[:i], kb.main[i+1:]...)
		kb.main = append(kb.main, node)
		return true
	}

	if kb.size() < kb.k {
		kb.main = append(kb.main, node)
		return true
	}

	kb.offerReplacement(node)
	return false
}

// offerReplacement pushes node onto the bounded replacement queue,
// evicting the oldest offer if the queue is full. Most-recently-offered
// wins.
func (kb *KBucket) offerReplacement(node *Node) {
	for i, n := range kb.replacement {
		if n.ID() == node.ID() {
			kb.replacement = append(kb.replacement[:i], kb.replacement[i+1:]...)
			break
		}
	}
	kb.replacement = append(kb.replacement, node)
	if len(kb.replacement) > kb.k {
		kb.replacement = kb.replacement[1:]
	}
}

// head returns the least-recently-seen contact (the one a ping would be
// sent to when the bucket is full), or nil if empty.
func (kb *KBucket) head() *Node {
	if len(kb.main) == 0 {
		return nil
	}
	return kb.main[0]
}

// remove deletes id from the main set and promotes the most recent
// replacement in its place, if any. Returns true if id was present.
func (kb *KBucket) remove(id Identifier) bool {
	i := kb.indexOf(id)
	if i < 0 {
		return false
	}
	kb.main = append(kb.main[:i], kb.main[i+1:]...)

	if len(kb.replacement) > 0 {
		promoted := kb.replacement[len(kb.replacement)-1]
		kb.replacement = kb.replacement[:len(kb.replacement)-1]
		kb.main = append(kb.main, promoted)
	}
	return true
}

// nodes returns the main set's contacts.
func (kb *KBucket) nodes() []*Node {
	out := make([]*Node, len(kb.main))
	copy(out, kb.main)
	return out
}

// touch updates lastUpdated to the current time per tp.
func (kb *KBucket) touch(tp TimeProvider) {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	kb.lastUpdated = tp.Now()
}

// split produces two new buckets at kb's midpoint. Per spec, the
// replacement queue is discarded; main-set entries are redistributed by
// id.
func (kb *KBucket) split(tp TimeProvider) (lower, upper *KBucket) {
	lowerRange, upperRange := kb.idRange.split()
	lower = newKBucket(lowerRange, kb.k, tp)
	upper = newKBucket(upperRange, kb.k, tp)

	for _, n := range kb.main {
		if lowerRange.contains(n.ID()) {
			lower.main = append(lower.main, n)
		} else {
			upper.main = append(upper.main, n)
		}
	}
	return lower, upper
}

package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluralityPicksMostCommonValue(t *testing.T) {
	values := [][]byte{[]byte("a"), []byte("b"), []byte("a"), []byte("a"), []byte("c")}
	assert.Equal(t, []byte("a"), plurality(values))
}

func TestPluralitySingleValue(t *testing.T) {
	assert.Equal(t, []byte("only"), plurality([][]byte{[]byte("only")}))
}

func TestIdsStringIsOrderIndependent(t *testing.T) {
	a := []*Node{nodeWithID(idAt(3)), nodeWithID(idAt(1)), nodeWithID(idAt(2))}
	b := []*Node{nodeWithID(idAt(1)), nodeWithID(idAt(2)), nodeWithID(idAt(3))}
	assert.Equal(t, idsString(a), idsString(b))
}

// newTestSpider builds a Spider with only the fields nextRound touches,
// bypassing NewSpider's rpc/handlers wiring so the frontier-advance logic
// can be tested in isolation.
func newTestSpider(target Identifier, alpha, k int, seeds ...*Node) *Spider {
	s := &Spider{
		target:    target,
		alpha:     alpha,
		k:         k,
		nearest:   NewNodeHeap(k),
		contacted: make(map[Identifier]bool),
	}
	for _, n := range seeds {
		s.nearest.Offer(n, target)
	}
	return s
}

func TestNextRoundLimitsToAlpha(t *testing.T) {
	target := idAt(0)
	s := newTestSpider(target, 2, 20,
		nodeWithID(idAt(10)), nodeWithID(idAt(20)), nodeWithID(idAt(30)))

	round, done := s.nextRound()
	require.False(t, done)
	assert.Len(t, round, 2)
}

func TestNextRoundSkipsAlreadyContacted(t *testing.T) {
	target := idAt(0)
	s := newTestSpider(target, 3, 20, nodeWithID(idAt(10)), nodeWithID(idAt(20)))

	first, done := s.nextRound()
	require.False(t, done)
	assert.Len(t, first, 2)

	// Nothing new was offered to the heap, so every visible node is
	// already contacted and nextRound reports done.
	_, done = s.nextRound()
	assert.True(t, done)
}

func TestNextRoundDoneWhenFrontierExhausted(t *testing.T) {
	s := newTestSpider(idAt(0), 3, 20)
	_, done := s.nextRound()
	assert.True(t, done, "an empty frontier has nothing left to crawl")
}

func TestNextRoundFastForwardsOnStalledFrontier(t *testing.T) {
	target := idAt(0)
	s := newTestSpider(target, 1, 20,
		nodeWithID(idAt(10)), nodeWithID(idAt(20)), nodeWithID(idAt(30)))

	first, done := s.nextRound()
	require.False(t, done)
	require.Len(t, first, 1)

	// No new candidates were offered after the first round, so the
	// visible frontier is identical: nextRound should widen past alpha
	// and take every remaining uncontacted node at once.
	second, done := s.nextRound()
	require.False(t, done)
	assert.Len(t, second, 2)
}

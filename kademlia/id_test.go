package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentifierDeterministic(t *testing.T) {
	a := NewIdentifier([]byte("bandwidth-report-A"))
	b := NewIdentifier([]byte("bandwidth-report-A"))
	assert.Equal(t, a, b, "digest(x) must equal digest(x) byte-exact")
	assert.Len(t, a, IDSize)
}

func TestIdentifierStringRoundTrip(t *testing.T) {
	id := NewIdentifier([]byte("round trip me"))
	s := id.String()
	assert.Len(t, s, IDSize*2)

	parsed, err := ParseIdentifier(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentifierRejectsWrongLength(t *testing.T) {
	_, err := ParseIdentifier("deadbeef")
	assert.Error(t, err)
}

func TestXorSymmetricAndZero(t *testing.T) {
	a := NewIdentifier([]byte("a"))
	b := NewIdentifier([]byte("b"))

	assert.Equal(t, a.Xor(b), b.Xor(a), "distance(a,b) == distance(b,a)")
	assert.True(t, a.Xor(a).IsZero(), "distance(a,a) == 0")
}

func TestLessOrdering(t *testing.T) {
	var low, high Identifier
	low[0] = 0x01
	high[0] = 0x02

	assert.True(t, low.Less(high))
	assert.False(t, high.Less(low))
	assert.False(t, low.Less(low))
}

func TestPrefixLenFullMatchAndDivergence(t *testing.T) {
	var same Identifier
	assert.Equal(t, IDBits, same.PrefixLen(same))

	var a, b Identifier
	a[0] = 0x00
	b[0] = 0x80 // differs at the very first bit
	assert.Equal(t, 0, a.PrefixLen(b))

	a2, b2 := Identifier{}, Identifier{}
	a2[0] = 0x01
	b2[0] = 0x00 // differs at bit 7 (last bit of byte 0)
	assert.Equal(t, 7, a2.PrefixLen(b2))
}

package kadnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustListen(t *testing.T, cfg *Config) *Server {
	t.Helper()
	s := NewServer(cfg, nil, nil)
	require.NoError(t, s.Listen("127.0.0.1", 0))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestServerBootstrapAndSetGetRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshInterval = time.Hour // keep maintenance quiet during the test

	n1 := mustListen(t, cfg)
	n2 := mustListen(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	live, err := n2.Bootstrap(ctx, []Addr{n1.BoundAddr()})
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, n1.ID(), live[0].ID)

	// Bootstrap's ping round trip must have taught n1 about n2 too.
	require.Eventually(t, func() bool {
		return n1.rt.Contains(n2.ID())
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := n2.Set("greeting", []byte("hello dht"))
	require.NoError(t, err)
	require.True(t, ok)

	value, found := n2.Get("greeting")
	require.True(t, found)
	require.Equal(t, []byte("hello dht"), value)

	// The value must also be retrievable from the other node, proving it
	// actually left the loopback process rather than just hitting the
	// local store.
	value, found = n1.Get("greeting")
	require.True(t, found)
	require.Equal(t, []byte("hello dht"), value)
}

func TestServerBootstrapFailsWithNoLiveAddresses(t *testing.T) {
	cfg := DefaultConfig()
	n1 := mustListen(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := n1.Bootstrap(ctx, []Addr{{Host: "127.0.0.1", Port: 1}})
	require.Error(t, err)
}

func TestServerGetMissingKeyReturnsFalse(t *testing.T) {
	cfg := DefaultConfig()
	n1 := mustListen(t, cfg)

	_, found := n1.Get("never-set")
	require.False(t, found)
}

func TestServerSetRejectsNilValue(t *testing.T) {
	cfg := DefaultConfig()
	n1 := mustListen(t, cfg)

	_, err := n1.Set("k", nil)
	require.Error(t, err)
}

func TestServerThreeNodeChainPropagatesRoutingKnowledge(t *testing.T) {
	cfg := DefaultConfig()
	n1 := mustListen(t, cfg)
	n2 := mustListen(t, cfg)
	n3 := mustListen(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := n2.Bootstrap(ctx, []Addr{n1.BoundAddr()})
	require.NoError(t, err)
	_, err = n3.Bootstrap(ctx, []Addr{n2.BoundAddr()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return n3.rt.Contains(n1.ID()) || n1.rt.Contains(n3.ID())
	}, 3*time.Second, 20*time.Millisecond, "crawling during bootstrap should cross-pollinate routing tables")
}

func TestServerStopIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	s := NewServer(cfg, nil, nil)
	require.NoError(t, s.Listen("127.0.0.1", 0))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestServerListenTwiceFails(t *testing.T) {
	cfg := DefaultConfig()
	s := mustListen(t, cfg)

	err := s.Listen("127.0.0.1", 0)
	require.Error(t, err)
}

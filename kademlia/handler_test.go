package kademlia

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/module/kadnet/transport"
)

// testPeer bundles one node's transport/rpc/handlers stack bound to a
// real loopback UDP socket, for handler tests that need genuine
// request/response round trips rather than direct method calls.
type testPeer struct {
	id       Identifier
	ref      NodeRef
	rt       *RoutingTable
	store    *Storage
	rpc      *transport.RPC
	handlers *Handlers
	tr       transport.Transport
}

func newTestPeer(t *testing.T, seed byte) *testPeer {
	t.Helper()

	tr, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)

	rpc := transport.NewRPC(tr, time.Second)

	host, portStr, err := net.SplitHostPort(tr.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	id := idAt(seed)
	ref := NodeRef{ID: id, Host: host, Port: uint16(port)}
	rt := NewRoutingTable(id, 20, nil)
	store := NewStorage(time.Hour)
	h := NewHandlers(ref, rt, store, rpc, 20)
	h.Register(rpc)

	t.Cleanup(func() { _ = tr.Close() })

	return &testPeer{id: id, ref: ref, rt: rt, store: store, rpc: rpc, handlers: h, tr: tr}
}

func TestHandlerPingAdmitsSender(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply string
	err := a.rpc.Call(ctx, b.ref.addr(), "ping", []interface{}{a.id.String()}, &reply)
	require.NoError(t, err)
	require.Equal(t, b.id.String(), reply)
	require.True(t, b.rt.Contains(a.id), "ping must admit the caller into the callee's routing table")
}

func TestHandlerStoreThenFindValue(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// store/find_value carry the key's digest on the wire, never the raw
	// string a real caller would have passed to Server.Set.
	digest := NewIdentifier([]byte("k")).String()

	var storeReply bool
	err := a.rpc.Call(ctx, b.ref.addr(), "store", []interface{}{a.id.String(), digest, []byte("v")}, &storeReply)
	require.NoError(t, err)
	require.True(t, storeReply)

	var raw interface{}
	err = a.rpc.Call(ctx, b.ref.addr(), "find_value", []interface{}{a.id.String(), digest}, &raw)
	require.NoError(t, err)

	m, ok := raw.(map[string]interface{})
	require.True(t, ok, "a hit must come back as {value: ...}")
	val, err := asBytes(m["value"])
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestHandlerFindValueMissReturnsNeighbors(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	digest := NewIdentifier([]byte("absent-key")).String()

	var raw interface{}
	err := a.rpc.Call(ctx, b.ref.addr(), "find_value", []interface{}{a.id.String(), digest}, &raw)
	require.NoError(t, err)

	_, isList := raw.([]interface{})
	require.True(t, isList, "a miss must return a (possibly empty) neighbor list, not a value map")
}

func TestHandlerFindNodeExcludesCaller(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ping string
	require.NoError(t, a.rpc.Call(ctx, b.ref.addr(), "ping", []interface{}{a.id.String()}, &ping))

	var raw interface{}
	err := a.rpc.Call(ctx, b.ref.addr(), "find_node", []interface{}{a.id.String(), idAt(99).String()}, &raw)
	require.NoError(t, err)

	wires, ok := raw.([]interface{})
	require.True(t, ok)
	for _, w := range wires {
		ref, err := decodeWireRef(w)
		require.NoError(t, err)
		require.False(t, ref.Host == a.ref.Host && ref.Port == a.ref.Port,
			"find_node must never hand the caller back to itself")
	}
}

func TestHandlerWelcomeIfNewCachesAtClosest(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)

	digest := NewIdentifier([]byte("somekey")).String()
	b.store.Set(digest, []byte("cached"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply string
	require.NoError(t, a.rpc.Call(ctx, b.ref.addr(), "ping", []interface{}{a.id.String()}, &reply))

	require.True(t, b.rt.Contains(a.id))

	// b's routing table was empty before admitting a, so welcomeIfNew's
	// cache-at-closest rule must have pushed every stored value — here,
	// digest -> "cached" — to a over a nested store RPC.
	val, ok := a.store.Get(digest)
	require.True(t, ok, "new node must receive a cache-at-closest store for b's existing value")
	require.Equal(t, []byte("cached"), val)
}

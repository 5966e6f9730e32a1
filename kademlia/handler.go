// This file implements the seven DHT RPC method handlers
// (ping/store/find_node/find_value/stun/punch/hole), the welcomeIfNew
// admission logic shared by all of them, and handleCallResponse's
// liveness bookkeeping for outbound calls.
package kademlia

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/module/kadnet/transport"
)

// wireNodeRef is the (id, host, port) tuple shape find_node/find_value
// responses and stun/punch arguments carry over the wire.
type wireNodeRef struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Host     string
	Port     uint16
}

func toWire(n NodeRef) wireNodeRef {
	return wireNodeRef{ID: n.ID.String(), Host: n.Host, Port: n.Port}
}

func (w wireNodeRef) toNodeRef() (NodeRef, error) {
	id, err := ParseIdentifier(w.ID)
	if err != nil {
		return NodeRef{}, err
	}
	return NodeRef{ID: id, Host: w.Host, Port: w.Port}, nil
}

func (w wireNodeRef) addr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(w.Host), Port: int(w.Port)}
}

// Handlers implements the DHT's RPC method table against a routing
// table, a storage map, and an outbound RPC client used for
// welcomeIfNew's cache-at-closest stores and the NAT priming methods.
type Handlers struct {
	self  NodeRef
	rt    *RoutingTable
	store *Storage
	rpc   *transport.RPC
	k     int
}

// NewHandlers constructs the method table for a server with identity
// self, bucket size k.
func NewHandlers(self NodeRef, rt *RoutingTable, store *Storage, rpc *transport.RPC, k int) *Handlers {
	return &Handlers{self: self, rt: rt, store: store, rpc: rpc, k: k}
}

// Register installs every rpc_* method on rpc.
func (h *Handlers) Register(rpc *transport.RPC) {
	rpc.Handle("ping", h.rpcPing)
	rpc.Handle("store", h.rpcStore)
	rpc.Handle("find_node", h.rpcFindNode)
	rpc.Handle("find_value", h.rpcFindValue)
	rpc.Handle("stun", h.rpcStun)
	rpc.Handle("punch", h.rpcPunch)
	rpc.Handle("hole", h.rpcHole)
}

func (h *Handlers) rpcPing(from net.Addr, args []interface{}) (interface{}, error) {
	sender, err := h.senderFromArgs(from, args)
	if err != nil {
		return nil, err
	}
	h.welcomeIfNew(sender)
	return h.self.ID.String(), nil
}

// rpcStore handles an incoming store call. args[1] is the 160-bit digest
// hex string spec.md §3 keys Storage by, never the caller's raw key —
// Server digests once, at its own Get/Set boundary, before anything
// reaches the wire.
func (h *Handlers) rpcStore(from net.Addr, args []interface{}) (interface{}, error) {
	if len(args) != 3 {
		return nil, errors.New("kademlia: store requires [srcId, key, value]")
	}
	sender, err := h.senderFromArgs(from, args)
	if err != nil {
		return nil, err
	}
	key, ok := args[1].(string)
	if !ok {
		return nil, errors.New("kademlia: store key must be a string")
	}
	value, err := asBytes(args[2])
	if err != nil {
		return nil, fmt.Errorf("kademlia: store value: %w", err)
	}

	h.welcomeIfNew(sender)
	h.store.Set(key, value)

	logrus.WithFields(logrus.Fields{
		"function": "rpcStore",
		"key":      key,
		"from":     from.String(),
	}).Debug("stored value from peer")

	return true, nil
}

func (h *Handlers) rpcFindNode(from net.Addr, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, errors.New("kademlia: find_node requires [srcId, targetId]")
	}
	sender, err := h.senderFromArgs(from, args)
	if err != nil {
		return nil, err
	}
	target, err := idFromArg(args[1])
	if err != nil {
		return nil, fmt.Errorf("kademlia: find_node target: %w", err)
	}

	h.welcomeIfNew(sender)
	return h.closestWire(target, &sender), nil
}

func (h *Handlers) rpcFindValue(from net.Addr, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, errors.New("kademlia: find_value requires [srcId, key]")
	}
	sender, err := h.senderFromArgs(from, args)
	if err != nil {
		return nil, err
	}
	key, ok := args[1].(string)
	if !ok {
		return nil, errors.New("kademlia: find_value key must be a string")
	}

	h.welcomeIfNew(sender)

	if value, ok := h.store.Get(key); ok {
		return map[string]interface{}{"value": value}, nil
	}

	target, err := ParseIdentifier(key)
	if err != nil {
		return nil, fmt.Errorf("kademlia: find_value key: %w", err)
	}
	return h.closestWire(target, &sender), nil
}

// rpcStun asks each listed peer to punch the original sender, priming
// NAT mappings on the sender's behalf. Best-effort: individual punch
// failures are logged and otherwise ignored.
func (h *Handlers) rpcStun(from net.Addr, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, errors.New("kademlia: stun requires [peers]")
	}
	peers, err := decodeWireRefs(args[0])
	if err != nil {
		return nil, fmt.Errorf("kademlia: stun peers: %w", err)
	}

	senderWire := wireNodeRef{ID: "", Host: "", Port: 0}
	if host, port, err := splitHostPort(from); err == nil {
		senderWire.Host = host
		senderWire.Port = port
	}

	for _, peer := range peers {
		go func(target wireNodeRef) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var reply string
			if err := h.rpc.Call(ctx, target.addr(), "punch", []interface{}{senderWire}, &reply); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "rpcStun",
					"peer":     target.Host,
				}).WithError(err).Debug("punch relay failed")
			}
		}(peer)
	}

	return from.String(), nil
}

// rpcPunch primes a NAT mapping toward peer by firing a best-effort hole
// RPC at it.
func (h *Handlers) rpcPunch(from net.Addr, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, errors.New("kademlia: punch requires [peer]")
	}
	peer, err := decodeWireRef(args[0])
	if err != nil {
		return nil, fmt.Errorf("kademlia: punch peer: %w", err)
	}

	go func(target wireNodeRef) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var reply string
		_ = h.rpc.Call(ctx, target.addr(), "hole", nil, &reply)
	}(peer)

	return "hole", nil
}

// rpcHole is a no-op beacon used to open a NAT binding toward whoever
// called it.
func (h *Handlers) rpcHole(from net.Addr, args []interface{}) (interface{}, error) {
	return h.self.ID.String(), nil
}

// welcomeIfNew implements spec.md's admission rule: a sender already
// present in the routing table is a no-op (AddContact will simply
// refresh its position); otherwise every locally stored key whose
// neighborhood the new node would join is offered a cache-at-closest
// store, and the node is finally added to the routing table. Every key
// in h.store is already a digest (Server hashes once at its Get/Set
// boundary), so it parses directly back into an Identifier rather than
// being hashed again.
func (h *Handlers) welcomeIfNew(sender NodeRef) {
	if h.rt.Contains(sender.ID) {
		h.rt.AddContact(NewNode(sender))
		return
	}

	for _, key := range h.store.Items() {
		value, ok := h.store.Get(key)
		if !ok {
			continue
		}
		keyNode, err := ParseIdentifier(key)
		if err != nil {
			continue
		}
		neighbors := h.rt.FindNeighbors(keyNode, h.k, nil)

		shouldStore := len(neighbors) == 0
		if !shouldStore && len(neighbors) > 0 {
			furthest := neighbors[len(neighbors)-1]
			closest := neighbors[0]
			senderCloser := sender.ID.Xor(keyNode).Less(furthest.ID().Xor(keyNode))
			selfCloser := h.self.ID.Xor(keyNode).Less(closest.ID().Xor(keyNode))
			shouldStore = senderCloser && selfCloser
		}

		if shouldStore {
			h.callStore(sender, key, value)
		}
	}

	h.rt.AddContact(NewNode(sender))
}

// CallStore issues a store RPC to target and reports whether it
// succeeded. Exported for callers outside this package (the server's
// Set and the maintenance republish pass) that need the outcome, not
// just a fire-and-forget attempt.
func (h *Handlers) CallStore(ctx context.Context, target NodeRef, key string, value []byte) bool {
	var ok bool
	args := []interface{}{h.self.ID.String(), key, value}
	err := h.rpc.Call(ctx, target.addr(), "store", args, &ok)
	return err == nil && ok
}

// callStore issues a best-effort store RPC to target, used both by
// welcomeIfNew's cache-at-closest rule and the spider crawler's value
// caching. Failures are logged, not propagated.
func (h *Handlers) callStore(target NodeRef, key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !h.CallStore(ctx, target, key, value) {
		logrus.WithFields(logrus.Fields{
			"function": "callStore",
			"target":   target.ID.String(),
			"key":      key,
		}).Debug("cache-at-closest store failed")
	}
}

// handleCallResponse updates liveness after an outbound RPC completes:
// success welcomes the node, failure removes it from the routing table.
func (h *Handlers) handleCallResponse(succeeded bool, node NodeRef) {
	if succeeded {
		h.welcomeIfNew(node)
		return
	}
	h.rt.RemoveContact(node.ID)
}

func (h *Handlers) closestWire(target Identifier, exclude *NodeRef) []wireNodeRef {
	nodes := h.rt.FindNeighbors(target, h.k, exclude)
	out := make([]wireNodeRef, len(nodes))
	for i, n := range nodes {
		out[i] = toWire(n.Ref)
	}
	return out
}

func (h *Handlers) senderFromArgs(from net.Addr, args []interface{}) (NodeRef, error) {
	if len(args) == 0 {
		return NodeRef{}, errors.New("kademlia: missing srcId argument")
	}
	id, err := idFromArg(args[0])
	if err != nil {
		return NodeRef{}, fmt.Errorf("kademlia: srcId: %w", err)
	}
	host, port, err := splitHostPort(from)
	if err != nil {
		return NodeRef{}, err
	}
	return NodeRef{ID: id, Host: host, Port: port}, nil
}

func splitHostPort(addr net.Addr) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func idFromArg(v interface{}) (Identifier, error) {
	s, ok := v.(string)
	if !ok {
		return Identifier{}, errors.New("kademlia: expected hex id string")
	}
	return ParseIdentifier(s)
}

func asBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, errors.New("kademlia: expected byte slice")
	}
}

func decodeWireRef(v interface{}) (wireNodeRef, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return wireNodeRef{}, err
	}
	var w wireNodeRef
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return wireNodeRef{}, err
	}
	return w, nil
}

func decodeWireRefs(v interface{}) ([]wireNodeRef, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, errors.New("kademlia: expected a list of peers")
	}
	out := make([]wireNodeRef, 0, len(items))
	for _, item := range items {
		w, err := decodeWireRef(item)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// This file implements the iterative, alpha-parallel lookup engine (the
// "spider crawler"): a node-mode and value-mode lookup against a target
// id, built on top of RoutingTable, Storage, and the find_node/find_value
// RPCs.
package kademlia

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/module/kadnet/transport"
)

// Spider runs iterative lookups against the DHT. One Spider instance
// handles one lookup; a fresh instance is created per call.
type Spider struct {
	self     NodeRef
	target   Identifier
	key      string // target's digest hex, set for value-mode crawls only
	alpha    int
	k        int
	rpc      *transport.RPC
	handlers *Handlers
	gateways []NodeRef

	mu             sync.Mutex
	nearest        *NodeHeap
	contacted      map[Identifier]bool
	lastIdsCrawled string
}

// NewSpider constructs a Spider seeded with the caller's known peers
// (typically its alpha nearest routing-table contacts to target).
func NewSpider(self NodeRef, target Identifier, alpha, k int, rpc *transport.RPC, handlers *Handlers, gateways []NodeRef, seeds []*Node) *Spider {
	s := &Spider{
		self:     self,
		target:   target,
		alpha:    alpha,
		k:        k,
		rpc:      rpc,
		handlers: handlers,
		gateways: gateways,
		nearest:  NewNodeHeap(k),
		contacted: make(map[Identifier]bool),
	}
	for _, n := range seeds {
		s.nearest.Offer(n, target)
	}
	return s
}

// valueResult is what a find_value round collected from one peer.
type valueResult struct {
	from  NodeRef
	value []byte
	nodes []*Node
}

// FindNode runs a node-mode crawl, returning up to k nodes nearest the
// target once the frontier stops producing unContacted candidates.
func (s *Spider) FindNode(ctx context.Context) []*Node {
	for {
		round, done := s.nextRound()
		if done {
			return s.visibleNodes()
		}

		s.primeNAT(ctx, round)

		responses := s.callRound(ctx, round, "find_node")
		for _, resp := range responses {
			if resp == nil {
				continue
			}
			for _, n := range resp.nodes {
				s.nearest.Offer(n, s.target)
			}
			s.handlers.handleCallResponse(true, resp.from)
		}
		s.markFailuresDead(round, responses)
	}
}

// FindValue runs a value-mode crawl: it returns as soon as a round
// yields at least one value, picking the most common value among that
// round's responses, and caches it at the first peer (in query order)
// that answered with a node list instead of the value. If no value is
// ever found, it returns (nil, false) once the frontier is exhausted. key is target's hex digest, the same value Storage and the
// find_value wire argument use — never the caller's original string.
func (s *Spider) FindValue(ctx context.Context, key string) ([]byte, bool) {
	s.key = key
	var nearestWithoutValue *NodeRef

	for {
		round, done := s.nextRound()
		if done {
			return nil, false
		}

		s.primeNAT(ctx, round)

		responses := s.callRound(ctx, round, "find_value")

		var values [][]byte
		for _, resp := range responses {
			if resp == nil {
				continue
			}
			if resp.value != nil {
				values = append(values, resp.value)
			} else {
				for _, n := range resp.nodes {
					s.nearest.Offer(n, s.target)
				}
				if nearestWithoutValue == nil {
					ref := resp.from
					nearestWithoutValue = &ref
				}
			}
			s.handlers.handleCallResponse(true, resp.from)
		}
		s.markFailuresDead(round, responses)

		if len(values) > 0 {
			value := plurality(values)
			if nearestWithoutValue != nil {
				s.handlers.callStore(*nearestWithoutValue, key, value)
			}
			return value, true
		}
	}
}

// nextRound selects up to alpha uncontacted candidates from the current
// visible frontier. done is true once no candidate remains — the crawl
// has converged.
func (s *Spider) nextRound() (round []*Node, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := s.nearest.Nodes()
	var uncontacted []*Node
	for _, n := range visible {
		if !s.contacted[n.ID()] {
			uncontacted = append(uncontacted, n)
		}
	}
	if len(uncontacted) == 0 {
		return nil, true
	}

	count := s.alpha
	ids := idsString(visible)
	if ids == s.lastIdsCrawled {
		count = len(uncontacted)
	}
	s.lastIdsCrawled = ids

	if count > len(uncontacted) {
		count = len(uncontacted)
	}
	round = uncontacted[:count]
	for _, n := range round {
		s.contacted[n.ID()] = true
	}
	return round, false
}

func (s *Spider) visibleNodes() []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nearest.Nodes()
}

// primeNAT fires a best-effort stun RPC at every known bootstrap gateway,
// listing the peers about to be queried this round. Errors are logged
// and otherwise ignored — this is an optimization, not a correctness
// requirement.
func (s *Spider) primeNAT(ctx context.Context, round []*Node) {
	if len(s.gateways) == 0 || len(round) == 0 {
		return
	}

	peers := make([]interface{}, len(round))
	for i, n := range round {
		peers[i] = toWire(n.Ref)
	}

	for _, gw := range s.gateways {
		go func(target NodeRef) {
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			var reply string
			if err := s.rpc.Call(callCtx, target.addr(), "stun", []interface{}{peers}, &reply); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "primeNAT",
					"gateway":  target.ID.String(),
				}).WithError(err).Debug("stun priming failed")
			}
		}(gw)
	}
}

// callRound issues method against every node in round in parallel,
// returning one result per node (nil on failure) in round's order.
func (s *Spider) callRound(ctx context.Context, round []*Node, method string) []*valueResult {
	results := make([]*valueResult, len(round))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range round {
		i, n := i, n
		g.Go(func() error {
			results[i] = s.callOne(gctx, n, method)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Spider) callOne(ctx context.Context, n *Node, method string) *valueResult {
	args := []interface{}{s.self.ID.String()}
	if method == "find_node" {
		args = append(args, s.target.String())
	} else {
		args = append(args, s.key)
	}

	var raw interface{}
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.rpc.Call(callCtx, n.Ref.addr(), method, args, &raw); err != nil {
		return nil
	}

	return s.parseResponse(n.Ref, raw)
}

func (s *Spider) parseResponse(from NodeRef, raw interface{}) *valueResult {
	switch v := raw.(type) {
	case map[string]interface{}:
		if val, ok := v["value"]; ok {
			b, err := asBytes(val)
			if err != nil {
				return &valueResult{from: from}
			}
			return &valueResult{from: from, value: b}
		}
		return &valueResult{from: from}
	case []interface{}:
		wires, err := decodeWireRefs(v)
		if err != nil {
			return &valueResult{from: from}
		}
		nodes := make([]*Node, 0, len(wires))
		for _, w := range wires {
			ref, err := w.toNodeRef()
			if err != nil {
				continue
			}
			nodes = append(nodes, NewNode(ref))
		}
		return &valueResult{from: from, nodes: nodes}
	default:
		return &valueResult{from: from}
	}
}

// markFailuresDead drops every round member with a nil response from the
// heap and the routing table — a timeout per spec.md's
// handleCallResponse contract.
func (s *Spider) markFailuresDead(round []*Node, responses []*valueResult) {
	for i, n := range round {
		if responses[i] != nil {
			continue
		}
		s.mu.Lock()
		for j, e := range s.nearest.entries {
			if e.node.ID() == n.ID() {
				heap.Remove(s.nearest, j)
				break
			}
		}
		s.mu.Unlock()
		s.handlers.handleCallResponse(false, n.Ref)
	}
}

func idsString(nodes []*Node) string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID().String()
	}
	sort.Strings(ids)
	out := ""
	for _, id := range ids {
		out += id
	}
	return out
}

// plurality returns the most common byte-identical value among values,
// logging if there's disagreement.
func plurality(values [][]byte) []byte {
	counts := make(map[string]int)
	byKey := make(map[string][]byte)
	for _, v := range values {
		k := string(v)
		counts[k]++
		byKey[k] = v
	}

	var best string
	bestCount := 0
	for k, c := range counts {
		if c > bestCount {
			best = k
			bestCount = c
		}
	}

	if len(counts) > 1 {
		logrus.WithFields(logrus.Fields{
			"function":   "plurality",
			"candidates": len(counts),
		}).Warn("value disagreement among find_value responses")
	}

	return byKey[best]
}

// This file defines a node's wire-visible identity (NodeRef) and the
// routing table's view of it (Node), including liveness tracking.
package kademlia

import (
	"net"
	"strconv"
	"time"
)

// TimeProvider abstracts time operations so routing-table freshness and
// storage TTL are deterministically testable without real sleeps. RPC
// timeouts in package transport run on real time and do not use it.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// SetDefaultTimeProvider sets the package-level time provider used where
// no explicit provider is threaded through. Pass nil to reset it.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	defaultTimeProvider = tp
}

func getDefaultTimeProvider() TimeProvider {
	return defaultTimeProvider
}

// NodeRef is the wire-visible identity of a peer: its id and the address
// to reach it at. This is what gets carried in find_node/find_value
// responses and stored in k-buckets.
type NodeRef struct {
	ID   Identifier
	Host string
	Port uint16
}

// addr returns the UDP address this ref is reachable at.
func (n NodeRef) addr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(n.Host), Port: int(n.Port)}
}

// String renders the ref as host:port for logging.
func (n NodeRef) String() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

// NodeStatus is the routing table's liveness classification for a
// contact.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusGood
	StatusBad
)

// PingStats tracks liveness history for a contact.
type PingStats struct {
	LastPingSent     time.Time
	LastPingReceived time.Time
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// Node wraps a NodeRef with the routing table's liveness bookkeeping.
type Node struct {
	Ref       NodeRef
	LastSeen  time.Time
	Status    NodeStatus
	PingStats PingStats
}

// NewNode creates a Node for ref, marked as just seen.
func NewNode(ref NodeRef) *Node {
	return NewNodeWithTimeProvider(ref, nil)
}

// NewNodeWithTimeProvider creates a Node using tp for its initial
// timestamp; tp may be nil to use the package default.
func NewNodeWithTimeProvider(ref NodeRef, tp TimeProvider) *Node {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	return &Node{
		Ref:      ref,
		LastSeen: tp.Now(),
		Status:   StatusUnknown,
	}
}

// ID is a shorthand for n.Ref.ID.
func (n *Node) ID() Identifier {
	return n.Ref.ID
}

// Touch marks the node as recently seen with status.
func (n *Node) Touch(status NodeStatus) {
	n.TouchWithTimeProvider(status, nil)
}

// TouchWithTimeProvider marks the node as recently seen using tp.
func (n *Node) TouchWithTimeProvider(status NodeStatus, tp TimeProvider) {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	n.LastSeen = tp.Now()
	n.Status = status
}

// RecordPingSent marks that a ping was sent to this node.
func (n *Node) RecordPingSent() {
	n.RecordPingSentWithTimeProvider(nil)
}

// RecordPingSentWithTimeProvider marks a sent ping using tp.
func (n *Node) RecordPingSentWithTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	n.PingStats.LastPingSent = tp.Now()
	n.PingStats.PingCount++
}

// RecordPingResponse marks the outcome of a ping round trip, updating
// liveness status: a node accumulating more failures than successes is
// marked bad.
func (n *Node) RecordPingResponse(success bool) {
	n.RecordPingResponseWithTimeProvider(success, nil)
}

// RecordPingResponseWithTimeProvider marks a ping outcome using tp.
func (n *Node) RecordPingResponseWithTimeProvider(success bool, tp TimeProvider) {
	if tp == nil {
		tp = getDefaultTimeProvider()
	}
	if success {
		n.PingStats.LastPingReceived = tp.Now()
		n.PingStats.SuccessCount++
		n.TouchWithTimeProvider(StatusGood, tp)
	} else {
		n.PingStats.FailureCount++
		if n.PingStats.FailureCount > n.PingStats.SuccessCount {
			n.TouchWithTimeProvider(StatusBad, tp)
		}
	}
}

// Reliability returns a 0.0-1.0 score derived from ping history.
func (n *Node) Reliability() float64 {
	if n.PingStats.PingCount == 0 {
		return 0.0
	}
	return float64(n.PingStats.SuccessCount) / float64(n.PingStats.PingCount)
}

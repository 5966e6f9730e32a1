// Package kademlia implements a Kademlia-style distributed hash table
// over a 160-bit identifier space: a splitting k-bucket routing table,
// an in-memory TTL value store, the seven RPC method handlers
// (ping/store/find_node/find_value/stun/punch/hole), the alpha-parallel
// iterative lookup engine, and the hourly refresh/republish maintainer.
//
// # Architecture
//
// Key components:
//
//   - RoutingTable: a contiguous sequence of KBuckets covering the id
//     space, splitting on overflow and refreshing lonely buckets.
//   - Storage: a TTL-bounded key/value map, no persistence.
//   - Handlers: the RPC method table, wired onto a transport.RPC.
//   - Spider: one iterative lookup (node-mode or value-mode) per call.
//   - Maintainer: the hourly background refresh/republish loop.
//
// This package has no network code of its own; it is driven entirely
// through the transport.RPC it is handed, which owns the UDP socket.
package kademlia

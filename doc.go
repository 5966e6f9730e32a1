// Package kadnode implements a Kademlia-style distributed hash table: a
// decentralized, UDP-based peer-discovery and value-distribution
// substrate for a larger peer-to-peer application.
//
// # Getting Started
//
// Construct a Server, listen, and bootstrap off a known peer:
//
//	server := kadnode.NewServer(kadnode.DefaultConfig(), nil, nil)
//	if err := server.Listen("", 33445); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop()
//
//	live, err := server.Bootstrap(context.Background(), []kadnode.Addr{
//	    {Host: "203.0.113.10", Port: 33445},
//	})
//
// # Storing and Retrieving Values
//
//	ok, err := server.Set("device-report-1", []byte{ /* ... */ })
//	value, found := server.Get("device-report-1")
//
// # Architecture
//
// Server is a thin facade over two packages:
//
//   - [github.com/module/kadnet/kademlia]: the routing table, value
//     store, protocol handlers, and spider crawler — the DHT's actual
//     logic, with no network code of its own.
//   - [github.com/module/kadnet/transport]: the UDP socket, wire framing,
//     and request/response correlation the kademlia package is driven
//     through.
//
// Server wires a kademlia.Pinger adapter around transport.RPC's ping
// method (avoiding a cyclic import between the routing table and the
// protocol layer — see DESIGN.md) and implements kademlia.Crawler so the
// hourly maintenance loop can run refresh crawls and republish values
// through the same Server instance the application holds.
//
// # Thread Safety
//
// Server is safe for concurrent use: Get, Set, Bootstrap, and Stop may be
// called from multiple goroutines. The maintenance loop runs in its own
// goroutine once Listen starts it.
package kadnode

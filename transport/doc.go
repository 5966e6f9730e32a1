// Package transport implements the UDP datagram layer for the Kademlia DHT:
// wire framing, request/response correlation with timeouts, and a small set
// of NAT-traversal helpers (STUN public address discovery and a coarse NAT
// type guess, used opportunistically by the server after Listen, plus a
// priming hole-punch send that nothing in this module calls).
//
// # Wire format
//
// Every datagram is framed as:
//
//	byte 0      : message kind (0x00 = request, 0x01 = response)
//	bytes 1..20 : 20-byte message id
//	bytes 21..N : MessagePack-encoded body
//
// Request bodies are [method string, args array]; response bodies are an
// arbitrary MessagePack value, interpreted by the caller that issued the
// request. A framed datagram must not exceed MaxPacketSize bytes.
//
// # Correlation
//
// RPC registers a (msgid -> pending) entry in its table before the
// datagram is released to the OS, closing the race window where a fast
// reply could otherwise arrive and be dropped as unknown.
package transport

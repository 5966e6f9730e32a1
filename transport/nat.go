// This file implements best-effort NAT diagnostics: a coarse NAT type
// guess and local-interface-based public address discovery, used by the
// server as a fallback when STUNClient fails after Listen. None of this
// is required for DHT correctness — its result is only logged. PunchHole
// has no caller in this module; the stun/punch/hole RPC handlers in
// package kademlia do not use this file.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"
)

// NATType is a coarse classification of the local NAT, enough to decide
// whether hole punching is worth attempting.
type NATType uint8

const (
	NATTypeUnknown NATType = iota
	NATTypeNone
	NATTypeRestricted
	NATTypeSymmetric
)

func (t NATType) String() string {
	switch t {
	case NATTypeNone:
		return "none (public address)"
	case NATTypeRestricted:
		return "restricted"
	case NATTypeSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// HolePunchResult is the outcome of a PunchHole attempt.
type HolePunchResult uint8

const (
	HolePunchSuccess HolePunchResult = iota
	HolePunchFailedTimeout
	HolePunchFailedUnknown
)

// NATTraversal tracks a cached, periodically-refreshed guess at the
// local NAT type and public address.
type NATTraversal struct {
	mu            sync.Mutex
	detectedType  NATType
	publicAddr    net.Addr
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewNATTraversal constructs a NATTraversal with its detection cache
// empty; the first call to DetectNATType or GetPublicAddress populates
// it.
func NewNATTraversal() *NATTraversal {
	return &NATTraversal{
		detectedType:  NATTypeUnknown,
		checkInterval: 30 * time.Minute,
	}
}

// DetectNATType returns a cached NAT type guess, refreshing it if the
// cache has expired.
func (nt *NATTraversal) DetectNATType() (NATType, error) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if !nt.lastCheck.IsZero() && time.Since(nt.lastCheck) < nt.checkInterval {
		return nt.detectedType, nil
	}

	addr, err := detectLocalPublicAddress()
	if err != nil {
		nt.detectedType = NATTypeRestricted
		nt.lastCheck = time.Now()
		return nt.detectedType, nil
	}

	nt.publicAddr = addr
	if isPrivateAddr(addr) {
		nt.detectedType = NATTypeRestricted
	} else {
		nt.detectedType = NATTypeNone
	}
	nt.lastCheck = time.Now()

	return nt.detectedType, nil
}

// GetPublicAddress returns the best local address found by interface
// scanning, triggering detection if the cache is empty. Callers that
// need an authoritative public address should prefer STUNClient; this is
// a cheap fallback for logging and diagnostics.
func (nt *NATTraversal) GetPublicAddress() (net.Addr, error) {
	nt.mu.Lock()
	addr := nt.publicAddr
	nt.mu.Unlock()

	if addr != nil {
		return addr, nil
	}

	if _, err := nt.DetectNATType(); err != nil {
		return nil, err
	}

	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.publicAddr == nil {
		return nil, errors.New("transport: no usable local address found")
	}
	return nt.publicAddr, nil
}

// PunchHole sends a single best-effort priming datagram to target over
// transport, to open a NAT binding ahead of a peer's own attempt. It does
// not wait for a response — spec.md's rpc_punch/rpc_hole handlers are
// responsible for the actual handshake.
func (nt *NATTraversal) PunchHole(transport Transport, target net.Addr, id MsgID) (HolePunchResult, error) {
	natType, err := nt.DetectNATType()
	if err != nil {
		return HolePunchFailedUnknown, err
	}
	if natType == NATTypeSymmetric {
		return HolePunchFailedUnknown, errors.New("transport: symmetric NAT, direct hole punching not possible")
	}

	body, err := EncodeRequest("hole", nil)
	if err != nil {
		return HolePunchFailedUnknown, err
	}
	packet := &Packet{Kind: KindRequest, ID: id, Body: body}
	if err := transport.Send(packet, target); err != nil {
		return HolePunchFailedUnknown, err
	}

	return HolePunchSuccess, nil
}

// detectLocalPublicAddress picks the first address on an active,
// non-loopback interface, preferring a non-private one.
func detectLocalPublicAddress() (net.Addr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var fallback net.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			candidate := &net.UDPAddr{IP: ipnet.IP, Port: 0}
			if !ipnet.IP.IsPrivate() {
				return candidate, nil
			}
			if fallback == nil {
				fallback = candidate
			}
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.New("transport: no active non-loopback interface found")
}

func isPrivateAddr(addr net.Addr) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	return udpAddr.IP.IsPrivate() || udpAddr.IP.IsLoopback()
}

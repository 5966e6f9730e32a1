// Package kadnode is the Server facade: it wires the kademlia routing
// table, storage, and protocol handlers onto a transport.RPC bound to a
// UDP socket, and exposes listen/bootstrap/get/set/stop per spec.md §4.7.
package kadnode

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/module/kadnet/kademlia"
	"github.com/module/kadnet/transport"
)

// Addr is a bootstrap target: an address whose id is not yet known.
type Addr struct {
	Host string
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

func (a Addr) netAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(a.Host), Port: int(a.Port)}
}

func nodeAddr(n kademlia.NodeRef) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(n.Host), Port: int(n.Port)}
}

// Server is the DHT node facade consumed by the outer application: one
// per listening identity, owning the UDP socket, routing table, value
// store, and the hourly maintenance loop.
type Server struct {
	cfg *Config
	id  kademlia.Identifier

	mu        sync.Mutex
	listening bool
	host      string
	port      uint16

	transport  transport.Transport
	rpc        *transport.RPC
	rt         *kademlia.RoutingTable
	store      *kademlia.Storage
	handlers   *kademlia.Handlers
	maintainer *kademlia.Maintainer

	stunClient   *transport.STUNClient
	natTraversal *transport.NATTraversal

	gatewaysMu sync.RWMutex
	gateways   []kademlia.NodeRef
}

// NewServer constructs a Server for identity nodeID (generated by SHA-1 of
// random bytes if nil, per spec.md §6) backed by storage (a fresh
// TTL-bounded store if nil). cfg may be nil to use DefaultConfig.
func NewServer(cfg *Config, nodeID *kademlia.Identifier, storage *kademlia.Storage) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var id kademlia.Identifier
	if nodeID != nil {
		id = *nodeID
	} else {
		id = randomIdentifier()
	}

	if storage == nil {
		storage = kademlia.NewStorage(cfg.StoreTTL)
	}

	return &Server{
		cfg:          cfg,
		id:           id,
		store:        storage,
		stunClient:   transport.NewSTUNClient(cfg.STUNServers, cfg.RPCTimeout),
		natTraversal: transport.NewNATTraversal(),
	}
}

func randomIdentifier() kademlia.Identifier {
	buf := make([]byte, 32)
	_, _ = cryptorand.Read(buf)
	return kademlia.NewIdentifier(buf)
}

// ID returns the server's 160-bit identifier.
func (s *Server) ID() kademlia.Identifier {
	return s.id
}

func (s *Server) selfRef() kademlia.NodeRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kademlia.NodeRef{ID: s.id, Host: s.host, Port: s.port}
}

// BoundAddr returns the address Listen actually bound to, including the
// OS-assigned port when Listen was called with port 0.
func (s *Server) BoundAddr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Addr{Host: s.host, Port: s.port}
}

// rpcPinger adapts RPC.Call("ping", ...) to kademlia.Pinger, so the
// routing table can probe a bucket head without importing this package.
type rpcPinger struct {
	rpc    *transport.RPC
	selfID kademlia.Identifier
}

func (p *rpcPinger) Ping(ctx context.Context, n kademlia.NodeRef) bool {
	var reply string
	err := p.rpc.Call(ctx, nodeAddr(n), "ping", []interface{}{p.selfID.String()}, &reply)
	return err == nil
}

// Listen binds a UDP socket at host:port (host may be empty for all
// interfaces), wires the RPC transport and protocol handlers, and starts
// the hourly maintenance loop. Public-address discovery via STUN/NAT
// detection runs in the background and never blocks or fails Listen.
func (s *Server) Listen(host string, port uint16) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return errors.New("kadnode: already listening")
	}
	s.mu.Unlock()

	listenAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	t, err := transport.NewUDPTransport(listenAddr)
	if err != nil {
		return fmt.Errorf("kadnode: listen: %w", err)
	}

	boundPort := port
	if udpAddr, ok := t.LocalAddr().(*net.UDPAddr); ok {
		boundPort = uint16(udpAddr.Port)
	}

	rpc := transport.NewRPC(t, s.cfg.RPCTimeout)
	pinger := &rpcPinger{rpc: rpc, selfID: s.id}
	rt := kademlia.NewRoutingTable(s.id, s.cfg.K, pinger)

	s.mu.Lock()
	s.transport = t
	s.rpc = rpc
	s.rt = rt
	s.host = host
	s.port = boundPort
	s.mu.Unlock()

	handlers := kademlia.NewHandlers(s.selfRef(), rt, s.store, rpc, s.cfg.K)
	handlers.Register(rpc)

	s.mu.Lock()
	s.handlers = handlers
	s.mu.Unlock()

	maintConfig := &kademlia.MaintenanceConfig{
		RefreshInterval: s.cfg.RefreshInterval,
		LonelyAge:       s.cfg.RefreshInterval,
		// Republish age tracks RefreshInterval, not StoreTTL. The
		// republish pass skips entries already past StoreTTL, so a value
		// is only republished when StoreTTL exceeds RefreshInterval; with
		// the defaults (20 second TTL, one hour interval) none is.
		RepublishAge: s.cfg.RefreshInterval,
	}
	maintainer := kademlia.NewMaintainer(rt, s.store, s, maintConfig)
	maintainer.Start()

	s.mu.Lock()
	s.maintainer = maintainer
	s.listening = true
	s.mu.Unlock()

	go s.discoverPublicAddress()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"id":       s.id.String(),
		"addr":     t.LocalAddr().String(),
	}).Info("dht node listening")

	return nil
}

// discoverPublicAddress is a best-effort, non-blocking attempt to learn
// our externally visible address via STUN, falling back to local
// interface scanning. Failures are logged and otherwise ignored — nothing
// in the protocol depends on this succeeding.
func (s *Server) discoverPublicAddress() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, err := s.stunClient.DiscoverPublicAddress(ctx, t.LocalAddr())
	if err != nil {
		natType, nerr := s.natTraversal.DetectNATType()
		logrus.WithFields(logrus.Fields{
			"function": "discoverPublicAddress",
			"stunErr":  err.Error(),
			"natType":  natType.String(),
			"natErr":   nerr,
		}).Debug("STUN discovery failed, falling back to NAT heuristic")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "discoverPublicAddress",
		"public":   addr.String(),
	}).Info("discovered public address via STUN")
}

// Bootstrap pings every address to learn its id, seeds the routing table
// and gateway list with the live refs, then runs a node-mode crawl for
// the local id to fill out the table. It succeeds if at least one address
// answered.
func (s *Server) Bootstrap(ctx context.Context, addresses []Addr) ([]kademlia.NodeRef, error) {
	s.mu.Lock()
	rpc := s.rpc
	rt := s.rt
	s.mu.Unlock()
	if rpc == nil || rt == nil {
		return nil, errors.New("kadnode: bootstrap called before Listen")
	}
	if len(addresses) == 0 {
		return nil, errors.New("kadnode: no bootstrap addresses")
	}

	resultChan := make(chan *bootstrapResult, len(addresses))
	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go s.connectToBootstrapAddr(ctx, &wg, addr, resultChan)
	}
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var live []kademlia.NodeRef
	var lastErr *BootstrapError
	for result := range resultChan {
		if result.err != nil {
			lastErr = result.err
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"node":     result.err.Node,
			}).WithError(result.err).Debug("bootstrap node unreachable")
			continue
		}
		rt.AddContact(kademlia.NewNode(*result.ref))
		live = append(live, *result.ref)
	}

	if len(live) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errors.New("kadnode: bootstrap failed, no live nodes")
	}

	s.gatewaysMu.Lock()
	s.gateways = append(s.gateways, live...)
	s.gatewaysMu.Unlock()

	s.CrawlForNode(ctx, s.id)

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"live":     len(live),
		"total":    len(addresses),
	}).Info("bootstrap complete")

	return live, nil
}

func (s *Server) connectToBootstrapAddr(ctx context.Context, wg *sync.WaitGroup, addr Addr, resultChan chan<- *bootstrapResult) {
	defer wg.Done()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	s.mu.Lock()
	rpc := s.rpc
	s.mu.Unlock()

	var idHex string
	if err := rpc.Call(callCtx, addr.netAddr(), "ping", []interface{}{s.id.String()}, &idHex); err != nil {
		resultChan <- &bootstrapResult{err: &BootstrapError{Type: "ping", Node: addr.String(), Cause: err}}
		return
	}

	id, err := kademlia.ParseIdentifier(idHex)
	if err != nil {
		resultChan <- &bootstrapResult{err: &BootstrapError{Type: "parse id", Node: addr.String(), Cause: err}}
		return
	}

	ref := kademlia.NodeRef{ID: id, Host: addr.Host, Port: addr.Port}
	resultChan <- &bootstrapResult{ref: &ref}
}

// gatewaysSnapshot returns a copy of the known NAT-priming gateways (the
// live bootstrap nodes), used to prime stun/punch ahead of spider rounds.
func (s *Server) gatewaysSnapshot() []kademlia.NodeRef {
	s.gatewaysMu.RLock()
	defer s.gatewaysMu.RUnlock()
	out := make([]kademlia.NodeRef, len(s.gateways))
	copy(out, s.gateways)
	return out
}

// CrawlForNode runs a node-mode spider crawl for target, implementing
// kademlia.Crawler for the maintenance loop's lonely-bucket refresh.
func (s *Server) CrawlForNode(ctx context.Context, target kademlia.Identifier) []*kademlia.Node {
	s.mu.Lock()
	rt, rpc, handlers := s.rt, s.rpc, s.handlers
	s.mu.Unlock()
	if rt == nil {
		return nil
	}

	seeds := rt.FindNeighbors(target, s.cfg.K, nil)
	spider := kademlia.NewSpider(s.selfRef(), target, s.cfg.Alpha, s.cfg.K, rpc, handlers, s.gatewaysSnapshot(), seeds)
	return spider.FindNode(ctx)
}

// RepublishKey re-stores value at the current nearest candidates for
// digestHex (already a hex-encoded digest, since it comes straight out of
// Storage's keys), implementing kademlia.Crawler for the maintenance
// loop's republish pass.
func (s *Server) RepublishKey(ctx context.Context, digestHex string, value []byte) {
	target, err := kademlia.ParseIdentifier(digestHex)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RepublishKey",
			"key":      digestHex,
		}).WithError(err).Warn("republish: stored key is not a valid digest")
		return
	}
	candidates := s.CrawlForNode(ctx, target)

	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()

	for _, n := range candidates {
		handlers.CallStore(ctx, n.Ref, digestHex, value)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RepublishKey",
		"key":        digestHex,
		"candidates": len(candidates),
	}).Debug("republished value")
}

// digestKey derives the 160-bit SHA-1 digest spec.md §3 keys storage
// entries by: callers never see raw keys cross the wire or land in
// Storage, only this digest does.
func digestKey(key string) kademlia.Identifier {
	return kademlia.NewIdentifier([]byte(key))
}

// Get returns the value stored under key: locally if present, otherwise
// via a value-mode spider crawl for its digest. Storage, the wire
// protocol, and every remote peer only ever see the digest, never key
// itself.
func (s *Server) Get(key string) ([]byte, bool) {
	target := digestKey(key)
	digestHex := target.String()

	if value, ok := s.store.Get(digestHex); ok {
		return value, true
	}

	s.mu.Lock()
	rt, rpc, handlers := s.rt, s.rpc, s.handlers
	s.mu.Unlock()
	if rt == nil {
		return nil, false
	}

	seeds := rt.FindNeighbors(target, s.cfg.K, nil)
	spider := kademlia.NewSpider(s.selfRef(), target, s.cfg.Alpha, s.cfg.K, rpc, handlers, s.gatewaysSnapshot(), seeds)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout*time.Duration(maxLookupRounds))
	defer cancel()

	return spider.FindValue(ctx, digestHex)
}

// maxLookupRounds bounds the overall lookup deadline as a multiple of one
// RPC round trip; spec.md's convergence property expects O(log N) rounds
// against any realistic network.
const maxLookupRounds = 20

// Set stores value under key: it digests the key once, spider-crawls for
// node candidates, and calls store on each with the digest — never the
// raw key — as the wire argument. It also stores locally iff the local
// node is closer to the key than at least one returned candidate. value
// must be a byte sequence; Set reports success iff at least one remote
// store succeeded.
func (s *Server) Set(key string, value []byte) (bool, error) {
	if value == nil {
		return false, errors.New("kadnode: set value must be a byte sequence")
	}

	s.mu.Lock()
	rt, rpc, handlers := s.rt, s.rpc, s.handlers
	s.mu.Unlock()
	if rt == nil {
		return false, errors.New("kadnode: set called before Listen")
	}

	target := digestKey(key)
	digestHex := target.String()
	seeds := rt.FindNeighbors(target, s.cfg.K, nil)
	spider := kademlia.NewSpider(s.selfRef(), target, s.cfg.Alpha, s.cfg.K, rpc, handlers, s.gatewaysSnapshot(), seeds)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout*time.Duration(maxLookupRounds))
	defer cancel()
	candidates := spider.FindNode(ctx)

	if len(candidates) == 0 {
		return false, nil
	}

	localDist := s.id.Xor(target)
	var maxDist kademlia.Identifier
	successCount := 0

	for _, n := range candidates {
		d := n.ID().Xor(target)
		if maxDist.Less(d) {
			maxDist = d
		}
		storeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
		ok := handlers.CallStore(storeCtx, n.Ref, digestHex, value)
		cancel()
		if ok {
			successCount++
		}
	}

	storeLocally := localDist.Less(maxDist)
	if storeLocally {
		s.store.Set(digestHex, value)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Set",
		"key":          digestHex,
		"candidates":   len(candidates),
		"successCount": successCount,
		"storedLocal":  storeLocally,
	}).Debug("set complete")

	return successCount > 0, nil
}

// Stop halts the maintenance loop and closes the UDP socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	maintainer := s.maintainer
	t := s.transport
	s.listening = false
	s.mu.Unlock()

	if maintainer != nil {
		maintainer.Stop()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

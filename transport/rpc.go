// This file implements request/response correlation on top of a Transport:
// a pending-call table keyed by MsgID, per-call timeouts, and dispatch of
// inbound requests to a caller-supplied method table.
package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned by Call when no response arrives before its
// deadline.
var ErrTimeout = errors.New("rpc: call timed out")

// MethodHandler answers an inbound request. args are the decoded
// MessagePack positional arguments; the returned value is encoded as the
// response body. A non-nil error suppresses the response entirely —
// malformed or unauthorized requests are simply not answered.
type MethodHandler func(from net.Addr, args []interface{}) (interface{}, error)

// pendingCall is a single in-flight request awaiting its response.
type pendingCall struct {
	resultCh chan []byte
}

// RPC layers request/response correlation over a Transport. Every call
// registers its pending entry in the table before the datagram reaches
// the OS, so a reply racing the send is never dropped as unknown.
type RPC struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[MsgID]*pendingCall

	methodsMu sync.RWMutex
	methods   map[string]MethodHandler
}

// NewRPC wraps transport with request/response correlation. timeout is
// the default deadline applied to Call when the caller's context carries
// none shorter.
func NewRPC(transport Transport, timeout time.Duration) *RPC {
	r := &RPC{
		transport: transport,
		timeout:   timeout,
		pending:   make(map[MsgID]*pendingCall),
		methods:   make(map[string]MethodHandler),
	}
	transport.RegisterHandler(r.handlePacket)
	return r
}

// Handle registers the handler invoked for inbound requests naming
// method. Registering the same method twice replaces the prior handler.
func (r *RPC) Handle(method string, handler MethodHandler) {
	r.methodsMu.Lock()
	defer r.methodsMu.Unlock()
	r.methods[method] = handler
}

// Call sends method(args) to addr and blocks for its response, decoding
// it into result (a pointer, as with msgpack.Unmarshal). It returns
// ErrTimeout if ctx is cancelled or the configured timeout elapses first.
func (r *RPC) Call(ctx context.Context, addr net.Addr, method string, args []interface{}, result interface{}) error {
	id, err := newMsgID()
	if err != nil {
		return fmt.Errorf("rpc: generating message id: %w", err)
	}

	body, err := EncodeRequest(method, args)
	if err != nil {
		return fmt.Errorf("rpc: encoding request: %w", err)
	}

	call := &pendingCall{resultCh: make(chan []byte, 1)}

	// Register before Send so a fast reply can never arrive before we're
	// listening for it.
	r.mu.Lock()
	r.pending[id] = call
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	packet := &Packet{Kind: KindRequest, ID: id, Body: body}
	if err := r.transport.Send(packet, addr); err != nil {
		return fmt.Errorf("rpc: sending request: %w", err)
	}

	timeout := r.timeout
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case data := <-call.resultCh:
		if result == nil {
			return nil
		}
		return DecodeResponse(data, result)
	case <-callCtx.Done():
		logrus.WithFields(logrus.Fields{
			"function": "Call",
			"method":   method,
			"addr":     addr.String(),
		}).Debug("rpc call timed out")
		return ErrTimeout
	}
}

// handlePacket demultiplexes an inbound framed packet: responses are
// routed to their waiting caller by MsgID, requests are dispatched to the
// registered method handler and answered with the same MsgID.
func (r *RPC) handlePacket(packet *Packet, addr net.Addr) error {
	switch packet.Kind {
	case KindResponse:
		r.mu.Lock()
		call, ok := r.pending[packet.ID]
		r.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case call.resultCh <- packet.Body:
		default:
		}
		return nil

	case KindRequest:
		return r.handleRequest(packet, addr)

	default:
		return fmt.Errorf("rpc: unknown message kind %d", packet.Kind)
	}
}

func (r *RPC) handleRequest(packet *Packet, addr net.Addr) error {
	method, args, err := DecodeRequest(packet.Body)
	if err != nil {
		return err
	}

	r.methodsMu.RLock()
	handler, ok := r.methods[method]
	r.methodsMu.RUnlock()
	if !ok {
		return fmt.Errorf("rpc: no handler for method %q", method)
	}

	result, err := handler(addr, args)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRequest",
			"method":   method,
			"addr":     addr.String(),
		}).WithError(err).Debug("method handler declined to answer")
		return nil
	}

	body, err := EncodeResponse(result)
	if err != nil {
		return fmt.Errorf("rpc: encoding response: %w", err)
	}

	resp := &Packet{Kind: KindResponse, ID: packet.ID, Body: body}
	return r.transport.Send(resp, addr)
}

func newMsgID() (MsgID, error) {
	var id MsgID
	_, err := rand.Read(id[:])
	return id, err
}

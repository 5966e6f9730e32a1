// This file provides the UDP-based Transport implementation: a bound
// socket, a background read loop, and dispatch of every inbound datagram
// to a single registered handler.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPTransport is the only Transport implementation in this package. It
// owns a net.PacketConn and runs a read loop in its own goroutine,
// dispatching each successfully framed packet to the registered handler.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	mu         sync.RWMutex
	handler    PacketHandler
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewUDPTransport binds a UDP socket at listenAddr and starts its read
// loop. listenAddr follows net.ListenPacket conventions (e.g. ":33445").
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.processPackets()

	return t, nil
}

// RegisterHandler installs the handler invoked for every inbound packet.
// Calling it again replaces the previous handler.
func (t *UDPTransport) RegisterHandler(handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send frames and writes packet to addr.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close stops the read loop and releases the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

// LocalAddr returns the address the socket is bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets reads datagrams until the transport is closed, parsing
// each into a Packet and handing it to the registered handler on its own
// goroutine. A short read deadline lets the loop notice context
// cancellation without blocking indefinitely in ReadFrom.
func (t *UDPTransport) processPackets() {
	buffer := make([]byte, MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "processPackets",
			}).WithError(err).Debug("udp read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		packet, err := ParsePacket(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processPackets",
				"addr":     addr.String(),
			}).WithError(err).Debug("dropping malformed datagram")
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler == nil {
			continue
		}

		go func() {
			if err := handler(packet, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "processPackets",
					"addr":     addr.String(),
				}).WithError(err).Debug("handler returned error")
			}
		}()
	}
}

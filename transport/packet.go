// This file defines the datagram framing used by the RPC layer: a message
// kind, a 20-byte message id, and a MessagePack-encoded body.
package transport

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind identifies whether a framed datagram carries a request or a
// response.
type MessageKind byte

const (
	KindRequest  MessageKind = 0x00
	KindResponse MessageKind = 0x01
)

// MsgIDSize is the length in bytes of a correlation id.
const MsgIDSize = 20

// MaxPacketSize is the largest framed datagram this layer will send or
// accept. Requests are rejected locally before Send if they would exceed
// this after framing.
const MaxPacketSize = 512

// headerSize is the kind byte plus the message id.
const headerSize = 1 + MsgIDSize

// MsgID is a 20-byte correlation id.
type MsgID [MsgIDSize]byte

// Packet is a framed datagram: a kind, a correlation id, and an opaque
// MessagePack-encoded body.
type Packet struct {
	Kind MessageKind
	ID   MsgID
	Body []byte
}

// RequestBody is the MessagePack shape of a request body: a method name
// and its positional arguments.
type RequestBody struct {
	_msgpack struct{} `msgpack:",as_array"`
	Method   string
	Args     []interface{}
}

// Serialize frames the packet as [kind(1)][msgid(20)][body(N)].
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.Body) == 0 && p.Kind == KindRequest {
		return nil, errors.New("request body is empty")
	}

	out := make([]byte, headerSize+len(p.Body))
	out[0] = byte(p.Kind)
	copy(out[1:headerSize], p.ID[:])
	copy(out[headerSize:], p.Body)

	if len(out) > MaxPacketSize {
		return nil, errors.New("framed packet exceeds maximum size")
	}

	return out, nil
}

// ParsePacket decodes a received datagram into a Packet. Datagrams shorter
// than the header are rejected as malformed.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, errors.New("datagram too short")
	}

	p := &Packet{
		Kind: MessageKind(data[0]),
		Body: make([]byte, len(data)-headerSize),
	}
	copy(p.ID[:], data[1:headerSize])
	copy(p.Body, data[headerSize:])

	return p, nil
}

// EncodeRequest builds a framed request packet body for method/args.
func EncodeRequest(method string, args []interface{}) ([]byte, error) {
	body, err := msgpack.Marshal(&RequestBody{Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeRequest unmarshals a request body into its method name and
// argument array. A body that doesn't decode to exactly [name, args] is a
// malformed message and is never answered.
func DecodeRequest(body []byte) (string, []interface{}, error) {
	var req RequestBody
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return "", nil, errors.New("malformed request body")
	}
	return req.Method, req.Args, nil
}

// EncodeResponse marshals an arbitrary handler result as a response body.
func EncodeResponse(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeResponse unmarshals a response body into the given target.
func DecodeResponse(body []byte, target interface{}) error {
	return msgpack.Unmarshal(body, target)
}

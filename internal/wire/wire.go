// Package wire implements the on-the-wire ControlMessage envelope and its
// binary framing: a MessagePack-encoded payload prefixed with a uint32
// big-endian length, matching §6.1's "length-prefixed binary frames...
// exact encoding MAY be CBOR, Protobuf, or MessagePack."
//
// The envelope shape is grounded on knirvbase's internal/types.
// ProtocolMessage (a single generic struct carrying a Type tag plus
// payload fields), generalized from its untyped JSON Payload interface{}
// to the spec's fixed, typed field set so it survives MessagePack
// round-trips without a type registry.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/knirvcorp/syncbase/go/internal/clock"
	"github.com/knirvcorp/syncbase/go/internal/types"
)

// FrameType is the exhaustive set of ControlMessage kinds from spec §6.1.
type FrameType uint8

const (
	FrameSubscribe FrameType = iota
	FrameUnsubscribe
	FrameSyncRequest
	FrameSyncResponse
	FrameDelta
	FrameAck
	FramePing
	FramePong
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameSubscribe:
		return "Subscribe"
	case FrameUnsubscribe:
		return "Unsubscribe"
	case FrameSyncRequest:
		return "SyncRequest"
	case FrameSyncResponse:
		return "SyncResponse"
	case FrameDelta:
		return "Delta"
	case FrameAck:
		return "Ack"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	case FrameError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ControlMessage is the single envelope carrying every frame type in
// spec §6.1. Only the fields relevant to Type are populated; this
// mirrors the teacher's ProtocolMessage envelope but with a fixed,
// concrete field set instead of an untyped Payload, since MessagePack
// cannot round-trip interface{} without a registered type table.
type ControlMessage struct {
	Type FrameType `msgpack:"type"`

	// Subscribe, Unsubscribe, SyncRequest, SyncResponse, Delta
	DocumentID types.DocumentID `msgpack:"documentId,omitempty"`
	MessageID  string           `msgpack:"messageId,omitempty"`

	// SyncResponse: the coordinator's current state for DocumentID, if it
	// differs from the client's, plus its vector clock.
	State      []types.FieldSnapshot `msgpack:"state,omitempty"`
	ClockEntry []clock.Entry         `msgpack:"clock,omitempty"`

	// Delta
	Field    types.FieldName      `msgpack:"field,omitempty"`
	Value    types.Value          `msgpack:"value,omitempty"`
	Kind     types.OperationKind  `msgpack:"kind,omitempty"`
	Origin   clock.ClientID       `msgpack:"origin,omitempty"`
	WallTime int64                `msgpack:"wallTime,omitempty"`

	// Ping / Pong
	Nonce     string `msgpack:"nonce,omitempty"`
	Timestamp int64  `msgpack:"timestamp,omitempty"`

	// Error
	Code    string `msgpack:"code,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

// DeltaFromOperation builds the wire Delta frame for a locally-produced
// operation.
func DeltaFromOperation(op types.Operation) ControlMessage {
	return ControlMessage{
		Type:       FrameDelta,
		DocumentID: op.DocumentID,
		Field:      op.Field,
		Value:      op.Value,
		Kind:       op.Kind,
		ClockEntry: clock.Canonical(op.Clock),
		Origin:     op.Origin,
		WallTime:   op.WallTime,
		MessageID:  op.MessageID,
	}
}

// Operation reconstructs the Operation carried by a Delta frame.
func (m ControlMessage) Operation() types.Operation {
	return types.Operation{
		Kind:       m.Kind,
		DocumentID: m.DocumentID,
		Field:      m.Field,
		Value:      m.Value,
		Clock:      clock.FromCanonical(m.ClockEntry),
		Origin:     m.Origin,
		WallTime:   m.WallTime,
		MessageID:  m.MessageID,
	}
}

var mh codec.MsgpackHandle

const maxFrameSize = 16 << 20 // 16 MiB, generous upper bound against a corrupt length prefix

// Encode serializes msg to its MessagePack body, without the length
// prefix. Exposed for tests and for callers that manage their own
// framing.
func Encode(msg ControlMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(msg); err != nil {
		return nil, types.Wrap(types.KindProtocol, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a MessagePack body previously produced by Encode.
func Decode(body []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := codec.NewDecoder(bytes.NewReader(body), &mh).Decode(&msg); err != nil {
		return ControlMessage{}, types.Wrap(types.KindProtocol, err)
	}
	return msg, nil
}

// WriteFrame encodes msg and writes it to w as a uint32 big-endian length
// prefix followed by the MessagePack body.
func WriteFrame(w io.Writer, msg ControlMessage) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return types.Wrap(types.KindProtocolViolation, fmt.Errorf("frame body too large: %d bytes", len(body)))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return types.Wrap(types.KindTransport, err)
	}
	if _, err := w.Write(body); err != nil {
		return types.Wrap(types.KindTransport, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it.
func ReadFrame(r io.Reader) (ControlMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return ControlMessage{}, types.Wrap(types.KindTransport, err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return ControlMessage{}, types.Wrap(types.KindProtocolViolation, fmt.Errorf("frame declares %d bytes, exceeds limit", size))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return ControlMessage{}, types.Wrap(types.KindTransport, err)
	}
	return Decode(body)
}

// Package protocol defines the wire envelope exchanged between the gateway
// and engine nodes, and the compact FuncCall identifier embedded in it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType tags a GatewayMessage.
type MessageType uint16

const (
	MessageTypeInvalid MessageType = iota
	MessageTypeEngineHandshake
	MessageTypeDispatchFuncCall
	MessageTypeFuncCallComplete
	MessageTypeFuncCallFailed
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeEngineHandshake:
		return "EngineHandshake"
	case MessageTypeDispatchFuncCall:
		return "DispatchFuncCall"
	case MessageTypeFuncCallComplete:
		return "FuncCallComplete"
	case MessageTypeFuncCallFailed:
		return "FuncCallFailed"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(t))
	}
}

// FuncCall identifies one invocation. The four 16-bit components concatenate
// into FullCallID, the primary key of the call table.
type FuncCall struct {
	FuncID   uint16
	MethodID uint16
	ClientID uint16
	CallID   uint16
}

// FullCallID packs the identifier into 64 bits.
func (fc FuncCall) FullCallID() uint64 {
	return uint64(fc.FuncID) |
		uint64(fc.MethodID)<<16 |
		uint64(fc.ClientID)<<32 |
		uint64(fc.CallID)<<48
}

// FuncCallFromFull unpacks a 64-bit call id.
func FuncCallFromFull(full uint64) FuncCall {
	return FuncCall{
		FuncID:   uint16(full),
		MethodID: uint16(full >> 16),
		ClientID: uint16(full >> 32),
		CallID:   uint16(full >> 48),
	}
}

func (fc FuncCall) String() string {
	if fc.MethodID != 0 {
		return fmt.Sprintf("func_id=%d method_id=%d client_id=%d call_id=%d",
			fc.FuncID, fc.MethodID, fc.ClientID, fc.CallID)
	}
	return fmt.Sprintf("func_id=%d client_id=%d call_id=%d", fc.FuncID, fc.ClientID, fc.CallID)
}

// HeaderSize is the fixed size of a serialized GatewayMessage header.
// Payload bytes follow the header inline.
const HeaderSize = 22

// GatewayMessage is the fixed-size envelope. All fields are little-endian on
// the wire.
type GatewayMessage struct {
	MessageType MessageType
	NodeID      uint16
	ConnID      uint16
	FuncID      uint16
	MethodID    uint16
	ClientID    uint16
	CallID      uint16
	PayloadSize uint32
	// ProcessingTime is engine-reported microseconds spent executing the
	// call. Untrusted input, only used for overhead sampling.
	ProcessingTime uint32
}

var ErrShortHeader = errors.New("protocol: buffer shorter than message header")

// FuncCall extracts the invocation identifier carried by the message.
func (m *GatewayMessage) FuncCall() FuncCall {
	return FuncCall{
		FuncID:   m.FuncID,
		MethodID: m.MethodID,
		ClientID: m.ClientID,
		CallID:   m.CallID,
	}
}

func (m *GatewayMessage) setFuncCall(fc FuncCall) {
	m.FuncID = fc.FuncID
	m.MethodID = fc.MethodID
	m.ClientID = fc.ClientID
	m.CallID = fc.CallID
}

// Encode writes the header into buf, which must be at least HeaderSize bytes.
func (m *GatewayMessage) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.MessageType))
	binary.LittleEndian.PutUint16(buf[2:4], m.NodeID)
	binary.LittleEndian.PutUint16(buf[4:6], m.ConnID)
	binary.LittleEndian.PutUint16(buf[6:8], m.FuncID)
	binary.LittleEndian.PutUint16(buf[8:10], m.MethodID)
	binary.LittleEndian.PutUint16(buf[10:12], m.ClientID)
	binary.LittleEndian.PutUint16(buf[12:14], m.CallID)
	binary.LittleEndian.PutUint32(buf[14:18], m.PayloadSize)
	binary.LittleEndian.PutUint32(buf[18:22], m.ProcessingTime)
	return nil
}

// Decode parses a header from buf.
func Decode(buf []byte) (GatewayMessage, error) {
	if len(buf) < HeaderSize {
		return GatewayMessage{}, ErrShortHeader
	}
	return GatewayMessage{
		MessageType:    MessageType(binary.LittleEndian.Uint16(buf[0:2])),
		NodeID:         binary.LittleEndian.Uint16(buf[2:4]),
		ConnID:         binary.LittleEndian.Uint16(buf[4:6]),
		FuncID:         binary.LittleEndian.Uint16(buf[6:8]),
		MethodID:       binary.LittleEndian.Uint16(buf[8:10]),
		ClientID:       binary.LittleEndian.Uint16(buf[10:12]),
		CallID:         binary.LittleEndian.Uint16(buf[12:14]),
		PayloadSize:    binary.LittleEndian.Uint32(buf[14:18]),
		ProcessingTime: binary.LittleEndian.Uint32(buf[18:22]),
	}, nil
}

// NewEngineHandshake builds the handshake an engine sends right after
// connecting, announcing which node it is and which of the node's
// connections this one is.
func NewEngineHandshake(nodeID, connID uint16) GatewayMessage {
	return GatewayMessage{
		MessageType: MessageTypeEngineHandshake,
		NodeID:      nodeID,
		ConnID:      connID,
	}
}

// NewDispatchFuncCall builds the envelope that hands an invocation to an
// engine. PayloadSize must be set by the sender to the input length.
func NewDispatchFuncCall(fc FuncCall) GatewayMessage {
	m := GatewayMessage{MessageType: MessageTypeDispatchFuncCall}
	m.setFuncCall(fc)
	return m
}

// NewFuncCallComplete builds a successful completion reply.
func NewFuncCallComplete(fc FuncCall, processingTime uint32) GatewayMessage {
	m := GatewayMessage{
		MessageType:    MessageTypeFuncCallComplete,
		ProcessingTime: processingTime,
	}
	m.setFuncCall(fc)
	return m
}

// NewFuncCallFailed builds a failed completion reply.
func NewFuncCallFailed(fc FuncCall) GatewayMessage {
	m := GatewayMessage{MessageType: MessageTypeFuncCallFailed}
	m.setFuncCall(fc)
	return m
}

// IsEngineHandshake reports whether the message is an engine handshake.
func (m *GatewayMessage) IsEngineHandshake() bool {
	return m.MessageType == MessageTypeEngineHandshake
}

// IsFuncCallComplete reports whether the message is a successful completion.
func (m *GatewayMessage) IsFuncCallComplete() bool {
	return m.MessageType == MessageTypeFuncCallComplete
}

// IsFuncCallFailed reports whether the message is a failed completion.
func (m *GatewayMessage) IsFuncCallFailed() bool {
	return m.MessageType == MessageTypeFuncCallFailed
}

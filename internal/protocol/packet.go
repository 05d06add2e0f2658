// Package protocol defines the frame format used to multiplex TCP channels
// over the push carrier.
package protocol

import "fmt"

// Type identifies the kind of frame.
type Type uint8

// Frame type constants.
const (
	TypeConnect    Type = 0x01 // open a channel; payload is the "host:port" target
	TypeData       Type = 0x02 // channel bytes
	TypeDisconnect Type = 0x03 // channel closed by the sender
	TypeAck        Type = 0x04 // CONNECT accepted
)

// HeaderSize is the fixed header size: Type(1) + ChannelID(2) + PayloadLen(2).
const HeaderSize = 5

// MaxPayloadSize limits the payload of a single frame.
const MaxPayloadSize = 32 * 1024

// Frame is the unit multiplexed over the tunnel.
type Frame struct {
	Type      Type
	ChannelID uint16
	Payload   []byte
}

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

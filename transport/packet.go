package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a codedrop packet.
type PacketType byte

const (
	// PacketUnitStart announces a file: name, size, mime, index, total.
	PacketUnitStart PacketType = iota + 1
	// PacketUnitChunk carries an ordered slice of the open file's bytes.
	PacketUnitChunk
	// PacketUnitEnd seals the open file.
	PacketUnitEnd
	// PacketSetComplete marks the end of the file set.
	PacketSetComplete
)

// String returns the wire name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketUnitStart:
		return "unit-start"
	case PacketUnitChunk:
		return "unit-chunk"
	case PacketUnitEnd:
		return "unit-end"
	case PacketSetComplete:
		return "set-complete"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet represents a codedrop protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}

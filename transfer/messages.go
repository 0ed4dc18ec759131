package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/codedrop/limits"
	"github.com/opd-ai/codedrop/transport"
)

var (
	// ErrProtocolViolation indicates a malformed or unexpected message.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSizeMismatch indicates a sealed unit whose byte count differs from
	// its declared size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrTransferIncomplete indicates the session ended before set-complete.
	ErrTransferIncomplete = errors.New("transfer incomplete")
)

const (
	indexLength     = 4
	unitStartFixed  = 4 + 4 + 8 + 2
	lengthFieldSize = 2
)

// Message is a decoded protocol message. Unit is set for unit-start, Bytes
// for unit-chunk; Index is set for every type except set-complete.
type Message struct {
	Type  transport.PacketType
	Index uint32
	Unit  Unit
	Bytes []byte
}

// EncodeUnitStart builds a unit-start packet.
func EncodeUnitStart(u Unit) (*transport.Packet, error) {
	if err := limits.ValidateFileName(u.Name); err != nil {
		return nil, err
	}
	if err := limits.ValidateMime(u.MimeType); err != nil {
		return nil, err
	}

	// Format: [index (4)][total (4)][size (8)][name_len (2)][name][mime_len (2)][mime]
	data := make([]byte, unitStartFixed+len(u.Name)+lengthFieldSize+len(u.MimeType))
	binary.BigEndian.PutUint32(data[0:4], u.Index)
	binary.BigEndian.PutUint32(data[4:8], u.Total)
	binary.BigEndian.PutUint64(data[8:16], u.Size)
	binary.BigEndian.PutUint16(data[16:18], uint16(len(u.Name)))
	offset := unitStartFixed
	offset += copy(data[offset:], u.Name)
	binary.BigEndian.PutUint16(data[offset:offset+2], uint16(len(u.MimeType)))
	copy(data[offset+2:], u.MimeType)

	return &transport.Packet{PacketType: transport.PacketUnitStart, Data: data}, nil
}

// EncodeUnitChunk builds a unit-chunk packet.
func EncodeUnitChunk(index uint32, chunk []byte) (*transport.Packet, error) {
	if err := limits.ValidateChunk(chunk); err != nil {
		return nil, err
	}

	// Format: [index (4)][chunk]
	data := make([]byte, indexLength+len(chunk))
	binary.BigEndian.PutUint32(data[0:4], index)
	copy(data[4:], chunk)

	return &transport.Packet{PacketType: transport.PacketUnitChunk, Data: data}, nil
}

// EncodeUnitEnd builds a unit-end packet.
func EncodeUnitEnd(index uint32) *transport.Packet {
	data := make([]byte, indexLength)
	binary.BigEndian.PutUint32(data, index)
	return &transport.Packet{PacketType: transport.PacketUnitEnd, Data: data}
}

// EncodeSetComplete builds a set-complete packet.
func EncodeSetComplete() *transport.Packet {
	return &transport.Packet{PacketType: transport.PacketSetComplete, Data: []byte{}}
}

// Decode parses a packet into a Message. Every failure wraps
// ErrProtocolViolation.
func Decode(p *transport.Packet) (Message, error) {
	if p == nil {
		return Message{}, fmt.Errorf("%w: nil packet", ErrProtocolViolation)
	}

	switch p.PacketType {
	case transport.PacketUnitStart:
		return decodeUnitStart(p.Data)
	case transport.PacketUnitChunk:
		return decodeUnitChunk(p.Data)
	case transport.PacketUnitEnd:
		if len(p.Data) != indexLength {
			return Message{}, fmt.Errorf("%w: unit-end length %d", ErrProtocolViolation, len(p.Data))
		}
		return Message{Type: p.PacketType, Index: binary.BigEndian.Uint32(p.Data)}, nil
	case transport.PacketSetComplete:
		return Message{Type: p.PacketType}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown packet type %s", ErrProtocolViolation, p.PacketType)
	}
}

func decodeUnitStart(data []byte) (Message, error) {
	if len(data) < unitStartFixed {
		return Message{}, fmt.Errorf("%w: unit-start too short", ErrProtocolViolation)
	}

	u := Unit{
		Index: binary.BigEndian.Uint32(data[0:4]),
		Total: binary.BigEndian.Uint32(data[4:8]),
		Size:  binary.BigEndian.Uint64(data[8:16]),
	}
	nameLen := int(binary.BigEndian.Uint16(data[16:18]))

	offset := unitStartFixed
	if len(data) < offset+nameLen+lengthFieldSize {
		return Message{}, fmt.Errorf("%w: unit-start truncated name", ErrProtocolViolation)
	}
	u.Name = string(data[offset : offset+nameLen])
	offset += nameLen

	mimeLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += lengthFieldSize
	if len(data) != offset+mimeLen {
		return Message{}, fmt.Errorf("%w: unit-start mime length mismatch", ErrProtocolViolation)
	}
	u.MimeType = string(data[offset:])

	if err := limits.ValidateFileName(u.Name); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if err := limits.ValidateMime(u.MimeType); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	return Message{Type: transport.PacketUnitStart, Index: u.Index, Unit: u}, nil
}

func decodeUnitChunk(data []byte) (Message, error) {
	if len(data) < indexLength {
		return Message{}, fmt.Errorf("%w: unit-chunk too short", ErrProtocolViolation)
	}

	chunk := data[indexLength:]
	if err := limits.ValidateChunk(chunk); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	return Message{
		Type:  transport.PacketUnitChunk,
		Index: binary.BigEndian.Uint32(data[0:4]),
		Bytes: chunk,
	}, nil
}

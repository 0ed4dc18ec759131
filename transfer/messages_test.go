package transfer

import (
	"testing"

	"github.com/opd-ai/codedrop/limits"
	"github.com/opd-ai/codedrop/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitStartRoundTrip(t *testing.T) {
	u := Unit{Name: "photo.png", Size: 123456, MimeType: "image/png", Index: 2, Total: 5}

	p, err := EncodeUnitStart(u)
	require.NoError(t, err)
	assert.Equal(t, transport.PacketUnitStart, p.PacketType)

	msg, err := Decode(p)
	require.NoError(t, err)
	assert.Equal(t, transport.PacketUnitStart, msg.Type)
	assert.Equal(t, uint32(2), msg.Index)
	assert.Equal(t, u, msg.Unit)
}

func TestUnitStartEmptyMime(t *testing.T) {
	u := Unit{Name: "x", Index: 0, Total: 1}
	msg, err := Decode(mustStart(u))
	require.NoError(t, err)
	assert.Equal(t, u, msg.Unit)
}

func TestUnitChunkAndEnd(t *testing.T) {
	msg, err := Decode(mustChunk(7, []byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, transport.PacketUnitChunk, msg.Type)
	assert.Equal(t, uint32(7), msg.Index)
	assert.Equal(t, []byte("abc"), msg.Bytes)

	msg, err = Decode(EncodeUnitEnd(7))
	require.NoError(t, err)
	assert.Equal(t, transport.PacketUnitEnd, msg.Type)
	assert.Equal(t, uint32(7), msg.Index)

	msg, err = Decode(EncodeSetComplete())
	require.NoError(t, err)
	assert.Equal(t, transport.PacketSetComplete, msg.Type)
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	long := make([]byte, limits.MaxFileNameLength+1)
	for i := range long {
		long[i] = 'a'
	}

	_, err := EncodeUnitStart(Unit{Name: string(long)})
	assert.ErrorIs(t, err, limits.ErrFileNameTooLong)

	_, err = EncodeUnitStart(Unit{Name: "ok", MimeType: string(long)})
	assert.ErrorIs(t, err, limits.ErrMimeTooLong)

	_, err = EncodeUnitChunk(0, make([]byte, limits.MaxChunkSize+1))
	assert.ErrorIs(t, err, limits.ErrChunkTooLarge)
}

func TestDecodeViolations(t *testing.T) {
	valid := mustStart(Unit{Name: "a.txt", Size: 1, MimeType: "text/plain"})

	tests := []struct {
		name   string
		packet *transport.Packet
	}{
		{"nil packet", nil},
		{"unknown type", &transport.Packet{PacketType: 42, Data: []byte{}}},
		{"short unit-start", &transport.Packet{PacketType: transport.PacketUnitStart, Data: []byte{0, 0, 0}}},
		{"truncated name", &transport.Packet{PacketType: transport.PacketUnitStart, Data: valid.Data[:20]}},
		{"trailing bytes", &transport.Packet{PacketType: transport.PacketUnitStart, Data: append(append([]byte{}, valid.Data...), 'x')}},
		{"empty name", mustRaw(Unit{Name: ""})},
		{"short chunk", &transport.Packet{PacketType: transport.PacketUnitChunk, Data: []byte{0, 1}}},
		{"short end", &transport.Packet{PacketType: transport.PacketUnitEnd, Data: []byte{0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.packet)
			assert.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

// mustRaw encodes a unit-start without validating the fields.
func mustRaw(u Unit) *transport.Packet {
	valid := mustStart(Unit{Name: "n", MimeType: u.MimeType, Size: u.Size})
	data := append([]byte{}, valid.Data[:16]...)
	data = append(data, byte(len(u.Name)>>8), byte(len(u.Name)))
	data = append(data, u.Name...)
	data = append(data, byte(len(u.MimeType)>>8), byte(len(u.MimeType)))
	data = append(data, u.MimeType...)
	return &transport.Packet{PacketType: transport.PacketUnitStart, Data: data}
}

package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/codedrop/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// sessionPair returns a dialed session and the matching accepted session.
func sessionPair(t *testing.T, tr Transport) (Session, Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan Session, 1)
	acceptErr := make(chan error, 1)
	go func() {
		sess, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- sess
	}()

	client, err := tr.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { server.Close() })
		return client, server
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	return nil, nil
}

func framePacket(i int) *Packet {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(i))
	return &Packet{PacketType: PacketUnitChunk, Data: data}
}

// sessionContract exercises the ordering and close behaviour every
// transport must share.
func sessionContract(t *testing.T, newTransport func() Transport) {
	t.Run("packets_arrive_in_send_order", func(t *testing.T) {
		client, server := sessionPair(t, newTransport())
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		const count = 200
		go func() {
			for i := 0; i < count; i++ {
				if err := client.Send(ctx, framePacket(i)); err != nil {
					return
				}
			}
		}()

		for i := 0; i < count; i++ {
			p, err := server.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, PacketUnitChunk, p.PacketType)
			assert.Equal(t, uint32(i), binary.BigEndian.Uint32(p.Data))
		}
	})

	t.Run("both_directions", func(t *testing.T) {
		client, server := sessionPair(t, newTransport())
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		require.NoError(t, server.Send(ctx, &Packet{PacketType: PacketSetComplete, Data: []byte{}}))
		p, err := client.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, PacketSetComplete, p.PacketType)
		assert.Empty(t, p.Data)
	})

	t.Run("full_size_chunk", func(t *testing.T) {
		client, server := sessionPair(t, newTransport())
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		payload := make([]byte, limits.MaxChunkSize+4)
		for i := range payload {
			payload[i] = byte(i)
		}
		go client.Send(ctx, &Packet{PacketType: PacketUnitChunk, Data: payload})

		p, err := server.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, payload, p.Data)
	})

	t.Run("close_delivers_queued_then_reports_closed", func(t *testing.T) {
		client, server := sessionPair(t, newTransport())
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		for i := 0; i < 3; i++ {
			require.NoError(t, client.Send(ctx, framePacket(i)))
		}
		require.NoError(t, client.Close())
		assert.Equal(t, SessionClosed, client.State())

		for i := 0; i < 3; i++ {
			p, err := server.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint32(i), binary.BigEndian.Uint32(p.Data))
		}

		_, err := server.Receive(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("send_after_close", func(t *testing.T) {
		client, _ := sessionPair(t, newTransport())
		require.NoError(t, client.Close())
		err := client.Send(context.Background(), framePacket(0))
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("receive_honours_context", func(t *testing.T) {
		_, server := sessionPair(t, newTransport())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := server.Receive(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("listener_close_releases_queued_sessions", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		tr := newTransport()
		ln, err := tr.Listen(ctx, "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		first, err := tr.Dial(ctx, ln.Addr())
		require.NoError(t, err)
		defer first.Close()
		accepted, err := ln.Accept(ctx)
		require.NoError(t, err)
		defer accepted.Close()

		second, err := tr.Dial(ctx, ln.Addr())
		require.NoError(t, err)
		defer second.Close()

		// Let the listener queue the second session before closing.
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, ln.Close())

		recvCtx, recvCancel := context.WithTimeout(ctx, 2*time.Second)
		defer recvCancel()
		_, err = second.Receive(recvCtx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, accepted.Send(ctx, framePacket(7)))
		p, err := first.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), binary.BigEndian.Uint32(p.Data))
	})

	t.Run("accept_after_listener_close", func(t *testing.T) {
		ln, err := newTransport().Listen(context.Background(), "127.0.0.1:0")
		require.NoError(t, err)
		require.NoError(t, ln.Close())

		_, err = ln.Accept(context.Background())
		assert.ErrorIs(t, err, ErrListenerClosed)
	})
}

func TestMemorySessionContract(t *testing.T) {
	sessionContract(t, func() Transport { return NewMemoryTransport() })
}

func TestTCPSessionContract(t *testing.T) {
	sessionContract(t, func() Transport { return NewTCPTransport() })
}

func TestWebSocketSessionContract(t *testing.T) {
	sessionContract(t, func() Transport { return NewWebSocketTransport() })
}

func TestMemoryTransportUnknownAddress(t *testing.T) {
	_, err := NewMemoryTransport().Dial(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestMemoryTransportGeneratedAddress(t *testing.T) {
	tr := NewMemoryTransport()
	a, err := tr.Listen(context.Background(), ":0")
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.Listen(context.Background(), "")
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.Addr(), b.Addr())

	_, err = tr.Listen(context.Background(), a.Addr())
	assert.Error(t, err, "address already in use")
}

func TestLocalTransportShared(t *testing.T) {
	assert.Same(t, Local(), Local())
}

func TestTCPRejectsOversizedFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ln, err := NewTCPTransport().Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer conn.Close()

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(limits.MaxFrameSize+1))
	_, err = conn.Write(header)
	require.NoError(t, err)

	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, SessionErrored, server.State())
}

func TestTCPMalformedFrameKeepsSessionOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ln, err := NewTCPTransport().Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer conn.Close()

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	data, err := framePacket(3).Serialize()
	require.NoError(t, err)
	// An empty frame, then a valid one.
	frame := make([]byte, 4, 8+len(data))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformedPacket)
	assert.NotErrorIs(t, err, ErrChannel)
	assert.Equal(t, SessionOpen, server.State())

	p, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(p.Data))
}

func TestWebSocketMalformedMessageKeepsSessionOpen(t *testing.T) {
	client, server := sessionPair(t, NewWebSocketTransport())
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ws := client.(*WebSocketSession)
	require.NoError(t, ws.conn.WriteMessage(websocket.BinaryMessage, []byte{}))
	require.NoError(t, client.Send(ctx, framePacket(5)))

	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformedPacket)
	assert.Equal(t, SessionOpen, server.State())

	p, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(p.Data))
}

func TestWebSocketSendOnDroppedConnection(t *testing.T) {
	client, _ := sessionPair(t, NewWebSocketTransport())
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ws := client.(*WebSocketSession)
	require.NoError(t, ws.conn.NetConn().Close())

	err := client.Send(ctx, framePacket(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, SessionClosed, client.State())
	assert.ErrorIs(t, client.Send(ctx, framePacket(2)), ErrSessionClosed)
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{"127.0.0.1:9000", "ws://127.0.0.1:9000/session", false},
		{"ws://example.com:80", "ws://example.com:80/session", false},
		{"wss://example.com/custom", "wss://example.com/custom", false},
		{"not-an-address", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := webSocketURL(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

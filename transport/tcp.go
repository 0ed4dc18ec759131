package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/codedrop/limits"
	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a single frame write when ctx has no deadline.
const DefaultWriteTimeout = 5 * time.Second

// acceptBacklog is the number of accepted sessions buffered before Accept.
const acceptBacklog = 8

// TCPTransport implements Transport over TCP streams with 4-byte
// big-endian length prefixed frames.
type TCPTransport struct {
	writeTimeout time.Duration
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{writeTimeout: DefaultWriteTimeout}
}

// Name implements Transport.
func (t *TCPTransport) Name() string { return "tcp" }

// Listen implements Transport.
func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &tcpListener{
		ln:           ln,
		sessions:     make(chan Session, acceptBacklog),
		done:         make(chan struct{}),
		writeTimeout: t.writeTimeout,
	}
	go l.acceptConnections()

	logrus.WithFields(logrus.Fields{
		"function": "TCPTransport.Listen",
		"address":  ln.Addr().String(),
	}).Info("TCP listener started")

	return l, nil
}

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return newStreamSession(conn, t.writeTimeout), nil
}

// tcpListener adapts net.Listener to Listener.
type tcpListener struct {
	ln           net.Listener
	sessions     chan Session
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

// acceptConnections handles incoming connections until the listener closes.
func (l *tcpListener) acceptConnections() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if !enqueue(l.sessions, l.done, newStreamSession(conn, l.writeTimeout)) {
			return
		}
	}
}

// Accept implements Listener.
func (l *tcpListener) Accept(ctx context.Context) (Session, error) {
	return accept(ctx, l.sessions, l.done)
}

// Addr implements Listener.
func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

// Close implements Listener. Sessions already accepted stay open; queued
// ones are closed.
func (l *tcpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		drain(l.sessions)
	})
	return err
}

// StreamSession is a Session over a byte stream connection.
type StreamSession struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	readMu       sync.Mutex
	header       [4]byte
	state        atomic.Uint32
	closeOnce    sync.Once
}

func newStreamSession(conn net.Conn, writeTimeout time.Duration) *StreamSession {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s := &StreamSession{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	s.state.Store(uint32(SessionOpen))

	logrus.WithFields(logrus.Fields{
		"function": "newStreamSession",
		"session":  s.id,
		"remote":   conn.RemoteAddr().String(),
	}).Debug("Stream session open")

	return s
}

// ID implements Session.
func (s *StreamSession) ID() string { return s.id }

// RemoteAddr implements Session.
func (s *StreamSession) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// State implements Session.
func (s *StreamSession) State() SessionState { return SessionState(s.state.Load()) }

// Send implements Session.
func (s *StreamSession) Send(ctx context.Context, packet *Packet) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if err := limits.ValidateFrameSize(len(data)); err != nil {
		return err
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(data)))
	copy(frame[4:], data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return s.fail(err)
	}

	if _, err := s.conn.Write(frame); err != nil {
		return s.fail(err)
	}
	return nil
}

// Receive implements Session. A Receive interrupted by ctx leaves the
// stream at an unknown frame boundary, so the session becomes errored.
func (s *StreamSession) Receive(ctx context.Context) (*Packet, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	length, err := s.readFrameLength()
	if err != nil {
		return nil, s.readError(ctx, err)
	}
	if err := limits.ValidateFrameSize(int(length)); err != nil {
		s.state.Store(uint32(SessionErrored))
		s.conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrChannel, err)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return nil, s.readError(ctx, err)
	}

	packet, err := ParsePacket(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	return packet, nil
}

// readFrameLength reads the 4-byte frame length header.
func (s *StreamSession) readFrameLength() (uint32, error) {
	if _, err := io.ReadFull(s.conn, s.header[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s.header[:]), nil
}

// Close implements Session.
func (s *StreamSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.CompareAndSwap(uint32(SessionOpen), uint32(SessionClosed))
		err = s.conn.Close()
	})
	return err
}

func (s *StreamSession) usable() error {
	switch s.State() {
	case SessionClosed:
		return ErrSessionClosed
	case SessionErrored:
		return ErrChannel
	}
	return nil
}

func (s *StreamSession) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.state.CompareAndSwap(uint32(SessionOpen), uint32(SessionErrored))
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.State() == SessionClosed {
		s.state.CompareAndSwap(uint32(SessionOpen), uint32(SessionClosed))
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return s.fail(err)
}

func (s *StreamSession) fail(err error) error {
	if s.State() == SessionClosed {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	s.state.Store(uint32(SessionErrored))
	s.conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "StreamSession.fail",
		"session":  s.id,
		"error":    err.Error(),
	}).Warn("Session channel failed")

	return fmt.Errorf("%w: %w", ErrChannel, err)
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/codedrop/limits"
	"github.com/sirupsen/logrus"
)

// WebSocketPath is the HTTP path sessions are upgraded on.
const WebSocketPath = "/session"

// WebSocketTransport implements Transport with one binary WebSocket message
// per packet, so browser peers can join a session.
type WebSocketTransport struct {
	writeTimeout time.Duration
	dialer       *websocket.Dialer
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		writeTimeout: DefaultWriteTimeout,
		dialer: &websocket.Dialer{
			ReadBufferSize:  limits.MaxChunkSize,
			WriteBufferSize: limits.MaxChunkSize,
		},
	}
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Listen implements Transport. addr is a host:port for the HTTP server.
func (t *WebSocketTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:       ln,
		sessions: make(chan Session, acceptBacklog),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  limits.MaxChunkSize,
			WriteBufferSize: limits.MaxChunkSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: t.writeTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WebSocketPath, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "WebSocketTransport.Listen",
				"error":    err.Error(),
			}).Error("WebSocket server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "WebSocketTransport.Listen",
		"address":  ln.Addr().String(),
		"path":     WebSocketPath,
	}).Info("WebSocket listener started")

	return l, nil
}

// Dial implements Transport. addr is either host:port or a ws:// or wss:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (Session, error) {
	target, err := webSocketURL(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return newWSSession(conn, t.writeTimeout), nil
}

// webSocketURL turns a peer address into a dialable URL.
func webSocketURL(addr string) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", err
		}
		if u.Path == "" {
			u.Path = WebSocketPath
		}
		return u.String(), nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "ws", Host: addr, Path: WebSocketPath}).String(), nil
}

type wsListener struct {
	ln           net.Listener
	server       *http.Server
	upgrader     websocket.Upgrader
	sessions     chan Session
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleUpgrade",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	enqueue(l.sessions, l.done, newWSSession(conn, l.writeTimeout))
}

// Accept implements Listener.
func (l *wsListener) Accept(ctx context.Context) (Session, error) {
	return accept(ctx, l.sessions, l.done)
}

// Addr implements Listener.
func (l *wsListener) Addr() string { return l.ln.Addr().String() }

// Close implements Listener.
func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
		drain(l.sessions)
	})
	return err
}

// WebSocketSession is a Session over a WebSocket connection.
type WebSocketSession struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	readMu       sync.Mutex
	state        atomic.Uint32
	closeOnce    sync.Once
}

func newWSSession(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSession {
	conn.SetReadLimit(int64(limits.MaxFrameSize))
	s := &WebSocketSession{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	s.state.Store(uint32(SessionOpen))
	return s
}

// ID implements Session.
func (s *WebSocketSession) ID() string { return s.id }

// RemoteAddr implements Session.
func (s *WebSocketSession) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// State implements Session.
func (s *WebSocketSession) State() SessionState { return SessionState(s.state.Load()) }

// Send implements Session.
func (s *WebSocketSession) Send(ctx context.Context, packet *Packet) error {
	switch s.State() {
	case SessionClosed:
		return ErrSessionClosed
	case SessionErrored:
		return ErrChannel
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return s.classify(err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return s.classify(err)
	}
	return nil
}

// Receive implements Session. Non-binary messages are skipped.
func (s *WebSocketSession) Receive(ctx context.Context) (*Packet, error) {
	switch s.State() {
	case SessionClosed:
		return nil, ErrSessionClosed
	case SessionErrored:
		return nil, ErrChannel
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.state.CompareAndSwap(uint32(SessionOpen), uint32(SessionErrored))
				return nil, ctxErr
			}
			return nil, s.classify(err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		packet, err := ParsePacket(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		}
		return packet, nil
	}
}

// Close implements Session. A normal close frame is sent before the
// connection is torn down.
func (s *WebSocketSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.CompareAndSwap(uint32(SessionOpen), uint32(SessionClosed))
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WebSocketSession) classify(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, net.ErrClosed) || s.State() == SessionClosed {
		s.state.CompareAndSwap(uint32(SessionOpen), uint32(SessionClosed))
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}

	s.state.Store(uint32(SessionErrored))
	s.conn.Close()
	return fmt.Errorf("%w: %w", ErrChannel, err)
}

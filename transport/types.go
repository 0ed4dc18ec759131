package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrConnectFailed indicates the peer is unreachable or offline.
	ErrConnectFailed = errors.New("connect failed")

	// ErrConnectTimeout indicates the connect phase exceeded its deadline.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrChannel indicates a mid-session channel fault.
	ErrChannel = errors.New("channel error")

	// ErrSessionClosed indicates the session was closed by either side.
	ErrSessionClosed = errors.New("session closed")

	// ErrListenerClosed indicates Accept on a closed listener.
	ErrListenerClosed = errors.New("listener closed")

	// ErrMalformedPacket indicates a well-framed message that does not parse
	// as a packet. The session stays open.
	ErrMalformedPacket = errors.New("malformed packet")
)

// SessionState is the lifecycle state of a session.
type SessionState uint8

const (
	// SessionConnecting is the state before the channel is usable.
	SessionConnecting SessionState = iota
	// SessionOpen means packets can be sent and received.
	SessionOpen
	// SessionClosed means either side closed the session.
	SessionClosed
	// SessionErrored means the channel failed.
	SessionErrored
)

// String returns a readable state name.
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	case SessionErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Session is an ordered, reliable packet channel between two endpoints.
type Session interface {
	// ID returns a unique identifier for logging.
	ID() string

	// Send delivers a packet. Packets are received in send order.
	Send(ctx context.Context, packet *Packet) error

	// Receive blocks until the next packet arrives. It returns an error
	// wrapping ErrSessionClosed once either side has closed the session and
	// ErrChannel on a mid-session fault. ErrMalformedPacket is not terminal;
	// the next Receive continues with the following message.
	Receive(ctx context.Context) (*Packet, error)

	// State returns the current lifecycle state.
	State() SessionState

	// RemoteAddr returns the peer's address.
	RemoteAddr() string

	// Close shuts the session down. The peer observes ErrSessionClosed.
	Close() error
}

// Listener yields incoming sessions.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Session, error)

	// Addr returns the address peers should dial.
	Addr() string

	// Close stops accepting sessions. Sessions queued but not yet accepted
	// are closed so their peers observe ErrSessionClosed.
	Close() error
}

// Transport establishes sessions.
type Transport interface {
	// Listen starts accepting sessions on addr.
	Listen(ctx context.Context, addr string) (Listener, error)

	// Dial opens a session to addr.
	Dial(ctx context.Context, addr string) (Session, error)

	// Name identifies the transport in logs and configuration.
	Name() string
}

// DialTimeout dials addr on t, bounding the connect phase by timeout. A
// deadline overrun is reported as ErrConnectTimeout; every other dial
// failure as ErrConnectFailed.
func DialTimeout(ctx context.Context, t Transport, addr string, timeout time.Duration) (Session, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DialTimeout",
		"transport": t.Name(),
		"address":   addr,
		"timeout":   timeout,
	}).Debug("Dialing peer")

	sess, err := t.Dial(dialCtx, addr)
	if err == nil {
		return sess, nil
	}

	switch {
	case errors.Is(err, ErrConnectTimeout):
	case errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = fmt.Errorf("%w: %s after %s: %w", ErrConnectTimeout, addr, timeout, err)
	case errors.Is(err, ErrConnectFailed):
	default:
		err = fmt.Errorf("%w: %s: %w", ErrConnectFailed, addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DialTimeout",
		"transport": t.Name(),
		"address":   addr,
		"error":     err.Error(),
	}).Warn("Dial failed")

	return nil, err
}

// enqueue hands sess to Accept through sessions. If the listener closes
// first, or closes while sess is queued, sess is closed instead.
func enqueue(sessions chan Session, done <-chan struct{}, sess Session) bool {
	select {
	case sessions <- sess:
	case <-done:
		sess.Close()
		return false
	}

	// Close may have drained the queue before the send landed.
	select {
	case <-done:
		drain(sessions)
		return false
	default:
		return true
	}
}

// drain closes every session still waiting for Accept.
func drain(sessions chan Session) {
	for {
		select {
		case sess := <-sessions:
			logrus.WithFields(logrus.Fields{
				"function": "drain",
				"session":  sess.ID(),
			}).Debug("Closing unaccepted session")
			sess.Close()
		default:
			return
		}
	}
}

// accept waits for a queued session. A closed listener wins over a queued
// session.
func accept(ctx context.Context, sessions chan Session, done <-chan struct{}) (Session, error) {
	select {
	case <-done:
		return nil, ErrListenerClosed
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrListenerClosed
	case sess := <-sessions:
		return sess, nil
	}
}

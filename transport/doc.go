// Package transport establishes direct sessions between a sender and a
// receiver and carries framed protocol packets over them.
//
// # Architecture
//
// The transfer engine needs exactly one thing from the network: an ordered,
// reliable message channel between two endpoints. The [Session] interface is
// that channel:
//
//	type Session interface {
//	    ID() string
//	    Send(ctx context.Context, packet *Packet) error
//	    Receive(ctx context.Context) (*Packet, error)
//	    State() SessionState
//	    RemoteAddr() string
//	    Close() error
//	}
//
// Receive blocks on the caller's goroutine and returns packets in arrival
// order, so a per-session worker preserves ordering without callbacks.
//
// A [Transport] produces sessions. The sender listens passively, the
// receiver dials the address it resolved from the directory:
//
//	ln, err := tr.Listen(ctx, ":0")
//	sess, err := ln.Accept(ctx) // sender
//
//	sess, err := transport.DialTimeout(ctx, tr, addr, 10*time.Second) // receiver
//
// # Transport Implementations
//
// TCP Transport:
//
//	tr := transport.NewTCPTransport()
//	// 4-byte length prefixed frames over a TCP stream
//
// WebSocket Transport:
//
//	tr := transport.NewWebSocketTransport()
//	// binary WebSocket messages on /session, reachable from browsers
//
// Memory Transport:
//
//	tr := transport.Local()
//	// in-process pipes; addresses are only meaningful inside the process
//
// # NAT Traversal
//
// [STUNClient] asks public STUN servers for the endpoint's reflexive address
// so the sender can advertise an address reachable from outside its NAT.
//
// # Errors
//
//   - [ErrConnectFailed]: the peer is unreachable or refused the session
//   - [ErrConnectTimeout]: the connect phase exceeded its deadline
//   - [ErrChannel]: the session failed mid-stream
//   - [ErrSessionClosed]: the session was closed by either side
package transport

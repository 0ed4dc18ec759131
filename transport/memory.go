package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// memoryBuffer is the number of packets a memory session queues before
// Send blocks.
const memoryBuffer = 64

var (
	localTransport     *MemoryTransport
	localTransportOnce sync.Once
)

// Local returns the process-wide in-memory transport.
func Local() *MemoryTransport {
	localTransportOnce.Do(func() {
		localTransport = NewMemoryTransport()
	})
	return localTransport
}

// MemoryTransport connects sessions within one process. Addresses are
// names in a private registry.
type MemoryTransport struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	next      atomic.Uint64
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		listeners: make(map[string]*memoryListener),
	}
}

// Name implements Transport.
func (t *MemoryTransport) Name() string { return "memory" }

// Listen implements Transport. An empty address or a port-only address
// such as ":0" is replaced by a generated name.
func (t *MemoryTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if addr == "" || strings.HasPrefix(addr, ":") {
		addr = fmt.Sprintf("mem-%d", t.next.Add(1))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.listeners[addr]; exists {
		return nil, fmt.Errorf("memory address %q already in use", addr)
	}

	l := &memoryListener{
		transport: t,
		addr:      addr,
		sessions:  make(chan Session, acceptBacklog),
		done:      make(chan struct{}),
	}
	t.listeners[addr] = l
	return l, nil
}

// Dial implements Transport.
func (t *MemoryTransport) Dial(ctx context.Context, addr string) (Session, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no memory listener at %q", ErrConnectFailed, addr)
	}

	local, remote := newMemoryPair("memory-client", addr)
	select {
	case l.sessions <- remote:
	case <-l.done:
		return nil, fmt.Errorf("%w: listener at %q closed", ErrConnectFailed, addr)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, ctx.Err())
	}

	// Close may have drained the queue before the send landed.
	select {
	case <-l.done:
		drain(l.sessions)
	default:
	}
	return local, nil
}

func (t *MemoryTransport) remove(addr string) {
	t.mu.Lock()
	delete(t.listeners, addr)
	t.mu.Unlock()
}

type memoryListener struct {
	transport *MemoryTransport
	addr      string
	sessions  chan Session
	done      chan struct{}
	closeOnce sync.Once
}

// Accept implements Listener.
func (l *memoryListener) Accept(ctx context.Context) (Session, error) {
	return accept(ctx, l.sessions, l.done)
}

// Addr implements Listener.
func (l *memoryListener) Addr() string { return l.addr }

// Close implements Listener.
func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.transport.remove(l.addr)
		drain(l.sessions)
	})
	return nil
}

// memoryPipe is the state shared by both ends of a memory session.
type memoryPipe struct {
	closed    chan struct{}
	closeOnce sync.Once
}

// MemorySession is one end of an in-process session.
type MemorySession struct {
	id     string
	remote string
	inbox  chan *Packet
	outbox chan *Packet
	pipe   *memoryPipe
	state  atomic.Uint32
}

func newMemoryPair(clientAddr, serverAddr string) (*MemorySession, *MemorySession) {
	pipe := &memoryPipe{closed: make(chan struct{})}
	a := make(chan *Packet, memoryBuffer)
	b := make(chan *Packet, memoryBuffer)

	client := &MemorySession{id: uuid.NewString(), remote: serverAddr, inbox: a, outbox: b, pipe: pipe}
	server := &MemorySession{id: uuid.NewString(), remote: clientAddr, inbox: b, outbox: a, pipe: pipe}
	client.state.Store(uint32(SessionOpen))
	server.state.Store(uint32(SessionOpen))
	return client, server
}

// ID implements Session.
func (s *MemorySession) ID() string { return s.id }

// RemoteAddr implements Session.
func (s *MemorySession) RemoteAddr() string { return s.remote }

// State implements Session.
func (s *MemorySession) State() SessionState {
	select {
	case <-s.pipe.closed:
		return SessionClosed
	default:
		return SessionState(s.state.Load())
	}
}

// Send implements Session. The packet goes through serialization so the
// receiver never shares the sender's buffers.
func (s *MemorySession) Send(ctx context.Context, packet *Packet) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	copied, err := ParsePacket(data)
	if err != nil {
		return err
	}

	select {
	case <-s.pipe.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- copied:
		return nil
	case <-s.pipe.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Session. Packets queued before Close are still
// delivered.
func (s *MemorySession) Receive(ctx context.Context) (*Packet, error) {
	select {
	case packet := <-s.inbox:
		return packet, nil
	case <-s.pipe.closed:
		select {
		case packet := <-s.inbox:
			return packet, nil
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Session.
func (s *MemorySession) Close() error {
	s.pipe.closeOnce.Do(func() {
		s.state.Store(uint32(SessionClosed))
		close(s.pipe.closed)
	})
	return nil
}

package codedrop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/codedrop/share"
	"github.com/opd-ai/codedrop/transfer"
)

// Role says which side of a transfer a session drives.
type Role uint8

const (
	// RoleSender publishes a code and streams files.
	RoleSender Role = iota
	// RoleReceiver resolves a code and reassembles files.
	RoleReceiver
)

// String returns a readable role name.
func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Phase is the lifecycle position of a TransferSession.
type Phase uint8

const (
	// PhaseWaiting means the sender is published and waiting for a receiver.
	PhaseWaiting Phase = iota
	// PhaseTransferring means the session is open and files are moving.
	PhaseTransferring
	// PhaseComplete means set-complete was sent or received.
	PhaseComplete
	// PhaseFailed means the attempt ended with an error.
	PhaseFailed
	// PhaseCancelled means the attempt was cancelled locally.
	PhaseCancelled
)

// String returns a readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseTransferring:
		return "transferring"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// TransferSession is one send or receive attempt. Each session owns its
// own state, so any number can run side by side.
type TransferSession struct {
	id          string
	role        Role
	code        string
	peerAddress string
	linkBase    string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	phase  Phase
	err    error
	result transfer.Result
}

func newTransferSession(ctx context.Context, role Role, code, peerAddress, linkBase string, phase Phase) *TransferSession {
	sctx, cancel := context.WithCancel(ctx)
	return &TransferSession{
		id:          uuid.NewString(),
		role:        role,
		code:        code,
		peerAddress: peerAddress,
		linkBase:    linkBase,
		ctx:         sctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		phase:       phase,
	}
}

// ID returns the session identifier.
func (s *TransferSession) ID() string { return s.id }

// Role returns the side this session drives.
func (s *TransferSession) Role() Role { return s.role }

// Code returns the rendezvous code.
func (s *TransferSession) Code() string { return s.code }

// PeerAddress returns the advertised address for a sender and the dialed
// address for a receiver.
func (s *TransferSession) PeerAddress() string { return s.peerAddress }

// Link returns the out-of-band form of the code and address.
func (s *TransferSession) Link() share.Link {
	return share.Link{Code: s.code, PeerAddress: s.peerAddress}
}

// URL returns the connect link under the configured link base.
func (s *TransferSession) URL() string {
	return s.Link().URL(s.linkBase)
}

// Phase returns the current phase.
func (s *TransferSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *TransferSession) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Done is closed when the session has finished.
func (s *TransferSession) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx is done and returns the
// session error.
func (s *TransferSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the terminal error, or nil while running or after success.
func (s *TransferSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel aborts the session. The unit in progress is discarded on both
// sides.
func (s *TransferSession) Cancel() { s.cancel() }

// Result returns the files received so far. It is empty for senders.
func (s *TransferSession) Result() transfer.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// finish records the outcome and releases waiters.
func (s *TransferSession) finish(result transfer.Result, err error) {
	s.mu.Lock()
	s.result = result
	s.err = err
	switch {
	case err == nil:
		s.phase = PhaseComplete
	case errors.Is(err, context.Canceled):
		s.phase = PhaseCancelled
	default:
		s.phase = PhaseFailed
	}
	s.mu.Unlock()

	s.cancel()
	close(s.done)
}

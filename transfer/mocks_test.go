package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/codedrop/transport"
)

// recordingSink captures every packet a sender emits.
type recordingSink struct {
	mu      sync.Mutex
	packets []*transport.Packet
	// failOn makes the n-th Send (1-based) fail; zero never fails.
	failOn int
}

var errSinkFailed = errors.New("sink failed")

func (s *recordingSink) Send(_ context.Context, p *transport.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn > 0 && len(s.packets)+1 == s.failOn {
		return errSinkFailed
	}
	s.packets = append(s.packets, p)
	return nil
}

// summary renders the captured sequence as "type(index,len)" strings.
func (s *recordingSink) summary() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.packets))
	for _, p := range s.packets {
		msg, err := Decode(p)
		if err != nil {
			out = append(out, "invalid")
			continue
		}
		switch msg.Type {
		case transport.PacketUnitStart:
			out = append(out, fmt.Sprintf("unit-start(%d,%d)", msg.Unit.Index, msg.Unit.Size))
		case transport.PacketUnitChunk:
			out = append(out, fmt.Sprintf("unit-chunk(%d,%d)", msg.Index, len(msg.Bytes)))
		case transport.PacketUnitEnd:
			out = append(out, fmt.Sprintf("unit-end(%d)", msg.Index))
		case transport.PacketSetComplete:
			out = append(out, "set-complete")
		}
	}
	return out
}

// replaySource yields recorded packets, then reports the session closed.
type replaySource struct {
	packets []*transport.Packet
	next    int
}

func (r *replaySource) Receive(ctx context.Context) (*transport.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.packets) {
		return nil, transport.ErrSessionClosed
	}
	p := r.packets[r.next]
	r.next++
	return p, nil
}

func mustStart(u Unit) *transport.Packet {
	p, err := EncodeUnitStart(u)
	if err != nil {
		panic(err)
	}
	return p
}

func mustChunk(index uint32, b []byte) *transport.Packet {
	p, err := EncodeUnitChunk(index, b)
	if err != nil {
		panic(err)
	}
	return p
}

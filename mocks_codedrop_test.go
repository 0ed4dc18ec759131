package codedrop

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/codedrop/interfaces"
	"github.com/opd-ai/codedrop/transport"
)

// unavailableDirectory fails every publish with ErrDirectoryUnavailable.
type unavailableDirectory struct {
	publishCalls atomic.Int32
}

func (d *unavailableDirectory) Publish(context.Context, string, string) error {
	d.publishCalls.Add(1)
	return interfaces.ErrDirectoryUnavailable
}

func (d *unavailableDirectory) Resolve(context.Context, string) (string, error) {
	return "", interfaces.ErrDirectoryUnavailable
}

func (d *unavailableDirectory) Withdraw(context.Context, string) error { return nil }

func (d *unavailableDirectory) Close() error { return nil }

// recordingMapper maps every port to itself and records map and unmap calls.
type recordingMapper struct {
	externalIP net.IP
	err        error

	mu       sync.Mutex
	mappedP  []int
	removedP []int
}

func (m *recordingMapper) MapTCPPort(_ context.Context, port int, description string) (*transport.PortMapping, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappedP = append(m.mappedP, port)
	return &transport.PortMapping{
		ExternalIP:   m.externalIP,
		ExternalPort: port,
		InternalIP:   "127.0.0.1",
		InternalPort: port,
		Description:  description,
	}, nil
}

func (m *recordingMapper) Unmap(_ context.Context, mapping *transport.PortMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedP = append(m.removedP, mapping.ExternalPort)
	return nil
}

func (m *recordingMapper) mapped() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.mappedP...)
}

func (m *recordingMapper) unmapped() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.removedP...)
}

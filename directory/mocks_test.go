package directory

import (
	"time"

	"github.com/opd-ai/codedrop/interfaces"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Shared fixtures.
const (
	testCode     = "482913"
	testCode2    = "107355"
	testPeerAddr = "127.0.0.1:33446"
	testPeerAlt  = "127.0.0.1:33447"
)

// resolveOnlyDirectory hides the Lookup method of the wrapped directory.
type resolveOnlyDirectory struct {
	interfaces.Directory
}

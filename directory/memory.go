package directory

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/codedrop/interfaces"
	"github.com/sirupsen/logrus"
)

// MemoryDirectory is a process-local rendezvous directory.
// It is safe for concurrent use.
type MemoryDirectory struct {
	mu           sync.RWMutex
	entries      map[string]interfaces.Advertisement
	ttl          time.Duration
	timeProvider TimeProvider
}

var (
	localOnce sync.Once
	local     *MemoryDirectory
)

// Local returns the process-wide memory directory without expiry.
func Local() *MemoryDirectory {
	localOnce.Do(func() {
		local = NewMemoryDirectory(0)
	})
	return local
}

// NewMemoryDirectory creates an empty memory directory. A zero ttl disables expiry.
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{
		entries:      make(map[string]interfaces.Advertisement),
		ttl:          ttl,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (d *MemoryDirectory) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeProvider = tp
}

// Publish implements interfaces.Directory.
func (d *MemoryDirectory) Publish(ctx context.Context, code, peerAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	_, superseded := d.entries[code]
	d.entries[code] = interfaces.Advertisement{
		Code:        code,
		PeerAddress: peerAddress,
		CreatedAt:   d.timeProvider.Now(),
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "MemoryDirectory.Publish",
		"code":       code,
		"peer":       peerAddress,
		"superseded": superseded,
	}).Debug("Advertisement stored")

	return nil
}

// Resolve implements interfaces.Directory.
func (d *MemoryDirectory) Resolve(ctx context.Context, code string) (string, error) {
	ad, err := d.Lookup(ctx, code)
	if err != nil {
		return "", err
	}
	return ad.PeerAddress, nil
}

// Lookup implements interfaces.AdvertisementLookup. An expired entry is
// dropped.
func (d *MemoryDirectory) Lookup(ctx context.Context, code string) (interfaces.Advertisement, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.Advertisement{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ad, ok := d.entries[code]
	if !ok {
		return interfaces.Advertisement{}, interfaces.ErrCodeNotFound
	}
	if d.expired(ad) {
		delete(d.entries, code)
		return interfaces.Advertisement{}, interfaces.ErrCodeNotFound
	}
	return ad, nil
}

// Withdraw implements interfaces.Directory.
func (d *MemoryDirectory) Withdraw(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.entries, code)
	d.mu.Unlock()
	return nil
}

// PurgeExpired drops every expired advertisement and returns how many were removed.
func (d *MemoryDirectory) PurgeExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for code, ad := range d.entries {
		if d.expired(ad) {
			delete(d.entries, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored advertisements, expired ones included.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Close implements interfaces.Directory. The entries are kept so the shared
// Local instance stays usable.
func (d *MemoryDirectory) Close() error { return nil }

func (d *MemoryDirectory) expired(ad interfaces.Advertisement) bool {
	if d.ttl <= 0 {
		return false
	}
	return !d.timeProvider.Now().Before(ad.CreatedAt.Add(d.ttl))
}

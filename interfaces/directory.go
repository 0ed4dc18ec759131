package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCodeNotFound indicates the code is not (or no longer) published.
	ErrCodeNotFound = errors.New("rendezvous code not found")

	// ErrDirectoryUnavailable indicates the directory backend could not be reached.
	ErrDirectoryUnavailable = errors.New("rendezvous directory unavailable")

	// ErrInvalidBackend indicates an unknown backend name.
	ErrInvalidBackend = errors.New("invalid directory backend")

	// ErrInvalidTimeout indicates a negative timeout or TTL.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidRetryAttempts indicates a negative retry count.
	ErrInvalidRetryAttempts = errors.New("invalid retry attempts")

	// ErrMissingLocation indicates a backend without its URL or database path.
	ErrMissingLocation = errors.New("directory backend location missing")
)

// Advertisement is a sender's published connection target.
type Advertisement struct {
	Code        string    `json:"code"`
	PeerAddress string    `json:"peer_address"`
	CreatedAt   time.Time `json:"created_at"`
}

// Directory maps rendezvous codes to sender addresses.
type Directory interface {
	// Publish stores code -> peerAddress, superseding any previous entry.
	Publish(ctx context.Context, code, peerAddress string) error

	// Resolve returns the address published under code, or ErrCodeNotFound.
	Resolve(ctx context.Context, code string) (string, error)

	// Withdraw removes code. Withdrawing an unknown code is not an error.
	Withdraw(ctx context.Context, code string) error

	// Close releases backend resources.
	Close() error
}

// AdvertisementLookup is implemented by directories that keep the full
// advertisement, including when it was published.
type AdvertisementLookup interface {
	Lookup(ctx context.Context, code string) (Advertisement, error)
}

// Backend names accepted in DirectoryConfig.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendHTTP   = "http"
)

// DirectoryConfig holds configuration for directory backends.
type DirectoryConfig struct {
	// Backend selects the implementation: memory, sqlite or http.
	Backend string

	// TTL bounds how long an advertisement resolves. Zero means no expiry.
	TTL time.Duration

	// Path is the SQLite database file for the sqlite backend.
	Path string

	// URL is the base URL of the remote directory for the http backend.
	URL string

	// RequestTimeout bounds a single remote request.
	RequestTimeout time.Duration

	// RetryAttempts is the number of extra attempts after an unavailable error.
	RetryAttempts int
}

// Validate checks the configuration for consistency.
func (c DirectoryConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Path == "" {
			return fmt.Errorf("%w: sqlite backend needs a database path", ErrMissingLocation)
		}
	case BackendHTTP:
		if c.URL == "" {
			return fmt.Errorf("%w: http backend needs a URL", ErrMissingLocation)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Backend)
	}

	if c.TTL < 0 || c.RequestTimeout < 0 {
		return ErrInvalidTimeout
	}
	if c.RetryAttempts < 0 {
		return ErrInvalidRetryAttempts
	}
	return nil
}

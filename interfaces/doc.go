// Package interfaces defines the core abstractions shared by the codedrop
// front door and its pluggable rendezvous directory backends.
//
// This package lets the protocol layer stay agnostic of where a code is
// stored: a process-local map, a SQLite record store or a remote HTTP
// directory all satisfy the same [Directory] contract and are selected by
// configuration, not by a structural fork of the protocol.
//
// # Core Interfaces
//
// [Directory] maps a rendezvous code to the connection address of a live
// sender:
//
//	dir, err := factory.NewDirectory(cfg.Directory)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := dir.Publish(ctx, "482913", "203.0.113.7:48213"); err != nil {
//	    // errors.Is(err, interfaces.ErrDirectoryUnavailable)
//	}
//
//	addr, err := dir.Resolve(ctx, "482913")
//	if errors.Is(err, interfaces.ErrCodeNotFound) {
//	    // never published, withdrawn, or expired: indistinguishable by design
//	}
//
// # Semantics
//
// Publishing is idempotent per code: re-publishing a code with a new address
// silently supersedes the previous advertisement (last writer wins). No
// collision detection is performed.
//
// Resolve returns [ErrCodeNotFound] both for codes that were never published
// and for codes whose time-to-live has elapsed. Callers cannot tell the two
// apart.
//
// # Configuration
//
// [DirectoryConfig] selects and tunes a backend:
//
//	cfg := interfaces.DirectoryConfig{
//	    Backend:        interfaces.BackendHTTP,
//	    URL:            "https://rendezvous.example.org",
//	    TTL:            10 * time.Minute,
//	    RequestTimeout: 5 * time.Second,
//	    RetryAttempts:  3,
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package interfaces

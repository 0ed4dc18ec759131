// Package directory implements the rendezvous directory backends behind
// [interfaces.Directory].
//
// # Backends
//
//   - [MemoryDirectory]: process-local map. Advertisements only live as long
//     as the process; [Local] returns the instance shared by every client in
//     the process.
//   - [SQLiteDirectory]: small record store keyed by code with an expiry
//     column, backed by modernc.org/sqlite.
//   - [HTTPDirectory]: client for a remote directory service speaking the
//     JSON API served by [Server].
//
// [Server] exposes any Directory over HTTP so that peers on different hosts
// can rendezvous:
//
//	dir := directory.NewMemoryDirectory(24 * time.Hour)
//	srv := directory.NewServer(dir)
//	log.Fatal(http.ListenAndServe(":8080", srv.Handler()))
//
// # Expiry
//
// Every backend reports expired advertisements as
// [interfaces.ErrCodeNotFound], exactly as if the code had never been
// published.
//
// # Deterministic Testing
//
// Backends with TTLs accept a [TimeProvider] so tests can advance time
// without sleeping.
package directory

// Package limits provides centralized size limits for the codedrop transfer
// protocol. This ensures the sender, the receiver and every transport agree on
// what a well-formed message looks like.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (16 KiB): chunk size used when none is configured. It
//     stays below the message size that browser data channels deliver without
//     fragmentation.
//
//   - MaxChunkSize (64 KiB): the largest chunk a sender may emit and a
//     receiver will accept. Larger chunks are dropped as protocol violations.
//
//   - MaxFileNameLength / MaxMimeLength (255 bytes): bounds on sender-asserted
//     metadata; both fit the uint16 length prefixes of the wire format.
//
//   - MaxFrameSize: the largest frame any transport will read, i.e. a maximum
//     chunk plus message headers. Frames above it close the session.
//
// # Validation Functions
//
//	if err := limits.ValidateChunkSize(cfg.ChunkSize); err != nil {
//	    // err wraps ErrChunkSizeOutOfRange
//	}
//
//	if err := limits.ValidateFrameSize(n); err != nil {
//	    // err wraps ErrFrameTooLarge
//	}
//
// All errors wrap the package sentinels so callers can classify them with
// errors.Is.
package limits

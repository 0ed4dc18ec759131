package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured (16 KiB).
	DefaultChunkSize = 16 * 1024

	// MinChunkSize is the smallest usable chunk size.
	MinChunkSize = 1

	// MaxChunkSize is the maximum chunk payload (64 KiB) accepted on either side.
	MaxChunkSize = 64 * 1024

	// MaxFileNameLength is the maximum file name length in bytes.
	// The value (255) matches typical filesystem limits and fits in a uint16.
	MaxFileNameLength = 255

	// MaxMimeLength is the maximum mime hint length in bytes.
	MaxMimeLength = 255

	// FrameHeaderOverhead covers the packet type byte and the largest
	// message header (unit-start with maximum name and mime).
	FrameHeaderOverhead = 1 + 4 + 4 + 8 + 2 + MaxFileNameLength + 2 + MaxMimeLength

	// MaxFrameSize is the largest serialized packet any transport reads.
	MaxFrameSize = MaxChunkSize + FrameHeaderOverhead
)

var (
	// ErrChunkSizeOutOfRange indicates a configured chunk size outside [MinChunkSize, MaxChunkSize].
	ErrChunkSizeOutOfRange = errors.New("chunk size out of range")

	// ErrChunkTooLarge indicates a received chunk larger than MaxChunkSize.
	ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

	// ErrFileNameTooLong indicates that a file name exceeds MaxFileNameLength.
	ErrFileNameTooLong = errors.New("file name too long")

	// ErrFileNameEmpty indicates an empty file name.
	ErrFileNameEmpty = errors.New("file name empty")

	// ErrMimeTooLong indicates that a mime hint exceeds MaxMimeLength.
	ErrMimeTooLong = errors.New("mime hint too long")

	// ErrFrameTooLarge indicates a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidateChunkSize validates a configured chunk size.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChunkSizeOutOfRange, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// ValidateChunk validates a received chunk payload.
func ValidateChunk(chunk []byte) error {
	if len(chunk) > MaxChunkSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrChunkTooLarge, len(chunk), MaxChunkSize)
	}
	return nil
}

// ValidateFileName validates a sender-asserted file name length.
func ValidateFileName(name string) error {
	if len(name) == 0 {
		return ErrFileNameEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}

// ValidateMime validates a sender-asserted mime hint length. Empty is allowed.
func ValidateMime(mime string) error {
	if len(mime) > MaxMimeLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrMimeTooLong, len(mime), MaxMimeLength)
	}
	return nil
}

// ValidateFrameSize validates a frame length read from the wire.
func ValidateFrameSize(n int) error {
	if n > MaxFrameSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, n, MaxFrameSize)
	}
	return nil
}

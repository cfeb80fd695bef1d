package chunkuploader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned before any network activity for unusable settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrTransmissionFailure marks a single failed chunk transmission attempt.
	ErrTransmissionFailure = errors.New("chunk transmission failed")

	// ErrTransmissionHung marks an attempt cancelled by hung detection.
	ErrTransmissionHung = errors.New("chunk transmission hung")

	// ErrBudgetExhausted is the verdict of an upload whose retry budget ran out.
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrIncompleteUpload is the verdict of an upload where not every byte was acknowledged.
	ErrIncompleteUpload = errors.New("incomplete upload")

	// ErrFinalChunkTimeout is returned when the final chunk waited too long for its peers.
	ErrFinalChunkTimeout = errors.New("timed out waiting for non-final chunks")

	// ErrServiceUnavailable is wrapped by transports when the service can not be reached.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrAuthenticationFailure is wrapped by transports when the service rejects the session.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// ChunkError records one failed attempt of one chunk.
type ChunkError struct {
	Index   int
	Offset  int64
	Attempt int
	Err     error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (offset %d) attempt %d: %s", e.Index, e.Offset, e.Attempt, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Package chunkuploader uploads a local file to a remote ingestion service in fixed-size chunks.
// Chunks are transmitted in parallel by a fixed pool of workers, failed chunks are retried under
// a per-chunk and an upload-wide retry budget, and the chunk flagged final is only sent once every
// other chunk has been acknowledged.
package chunkuploader

import (
	"context"
	"io"
)

// Transport is the remote ingestion service as seen by the uploader.
type Transport interface {
	// RegisterUploadToken creates a new upload token on the service and returns its id.
	RegisterUploadToken(ctx context.Context, fileName string) (string, error)

	// TransmitChunk sends one chunk of data to an upload token.
	// Implementations must read at most req.Length bytes from req.Payload, must stop reading it
	// when they return, and must return once ctx is done.
	TransmitChunk(ctx context.Context, req ChunkRequest) error
}

// Aborter is implemented by transports that can discard an unfinished upload token.
type Aborter interface {
	AbortUpload(ctx context.Context, tokenID string) error
}

// ChunkRequest describes a single chunk transmission.
type ChunkRequest struct {
	TokenID string
	Payload io.Reader
	Length  int64
	// Resume is false only for the priming transfer that establishes the upload.
	Resume bool
	// Final marks the chunk containing the last byte of the file.
	Final       bool
	Offset      int64
	ContentType string
	FileName    string
}

// UploadToken identifies one logical upload on the remote service.
type UploadToken struct {
	ID       string
	FileName string
}

// Progress is a snapshot of the shared upload bookkeeping.
type Progress struct {
	ChunksClaimed   int
	ChunksCompleted int
	BytesUploaded   int64
	RetryBudgetUsed int
}

// Result is the verdict of an upload run.
type Result struct {
	Token    UploadToken
	Plan     UploadPlan
	Progress Progress
	// Failures holds every failed chunk attempt, nil if there was none.
	Failures error

	budgetExhausted bool
}

// Succeeded reports whether every byte of the file was acknowledged.
func (r Result) Succeeded() bool {
	return r.Progress.BytesUploaded == r.Plan.FileSize && r.Progress.ChunksCompleted == r.Plan.ChunkCount
}

// TokenID returns the upload token id of a successful upload.
// A failed or partial upload never yields a token.
func (r Result) TokenID() (string, bool) {
	if !r.Succeeded() {
		return "", false
	}
	return r.Token.ID, true
}

// Err returns nil for a successful upload, otherwise ErrBudgetExhausted or ErrIncompleteUpload.
func (r Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.budgetExhausted {
		return ErrBudgetExhausted
	}
	return ErrIncompleteUpload
}

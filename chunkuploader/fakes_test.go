package chunkuploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeTransport struct {
	tokenID     string
	registerErr error
	// fail decides the outcome of a transmission; attempt is 1-based per offset and resume flag.
	fail func(req ChunkRequest, attempt int) error
	// block is called before a transmission is answered.
	block func(req ChunkRequest)
	// stall is called after block with the transmission context; a non-nil error fails the attempt.
	stall func(ctx context.Context, req ChunkRequest, attempt int) error
	// readFailed is called when the payload could not be read.
	readFailed func(req ChunkRequest, err error)

	mu                sync.Mutex
	chunkCount        int
	data              []byte
	requests          []ChunkRequest
	attempts          map[string]int
	completedNonFinal int
	finalTooEarly     bool
	aborted           []string
	readErrors        int
}

func newFakeTransport(chunkCount int) *fakeTransport {
	return &fakeTransport{
		tokenID:    "0_token",
		chunkCount: chunkCount,
		attempts:   map[string]int{},
	}
}

func (t *fakeTransport) RegisterUploadToken(_ context.Context, fileName string) (string, error) {
	if t.registerErr != nil {
		return "", t.registerErr
	}
	return t.tokenID, nil
}

func (t *fakeTransport) TransmitChunk(ctx context.Context, req ChunkRequest) error {
	payload, err := io.ReadAll(io.LimitReader(req.Payload, req.Length))
	if err != nil {
		t.mu.Lock()
		t.readErrors++
		t.mu.Unlock()
		if t.readFailed != nil {
			t.readFailed(req, err)
		}
		return err
	}

	t.mu.Lock()
	key := fmt.Sprintf("%d/%t", req.Offset, req.Resume)
	t.attempts[key]++
	attempt := t.attempts[key]
	recorded := req
	recorded.Payload = nil
	t.requests = append(t.requests, recorded)
	if req.Final && t.completedNonFinal != t.chunkCount-1 {
		t.finalTooEarly = true
	}
	t.mu.Unlock()

	if t.block != nil {
		t.block(req)
	}

	if t.stall != nil {
		if err := t.stall(ctx, req, attempt); err != nil {
			return err
		}
	}

	if t.fail != nil {
		if err := t.fail(req, attempt); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if end := req.Offset + int64(len(payload)); end > int64(len(t.data)) {
		grown := make([]byte, end)
		copy(grown, t.data)
		t.data = grown
	}
	copy(t.data[req.Offset:], payload)
	if req.Resume && !req.Final {
		t.completedNonFinal++
	}

	return nil
}

func (t *fakeTransport) AbortUpload(_ context.Context, tokenID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = append(t.aborted, tokenID)
	return nil
}

func (t *fakeTransport) attemptsAt(offset int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[fmt.Sprintf("%d/%t", offset, true)]
}

func (t *fakeTransport) readErrorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErrors
}

func (t *fakeTransport) abortedTokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.aborted...)
}

func (t *fakeTransport) recordedRequests() []ChunkRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ChunkRequest(nil), t.requests...)
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "video.mp4")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	return path, data
}

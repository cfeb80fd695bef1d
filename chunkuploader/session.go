package chunkuploader

import (
	"context"
	"fmt"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadSession wraps the upload token lifecycle of a Transport.
type UploadSession struct {
	transport   Transport
	contentType string
	logger      log.Logger
}

// NewUploadSession creates a session sending chunks with the given content type.
func NewUploadSession(transport Transport, contentType string, logger log.Logger) *UploadSession {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &UploadSession{
		transport:   transport,
		contentType: contentType,
		logger:      logger,
	}
}

// Open registers a new upload token for fileName.
func (s *UploadSession) Open(ctx context.Context, fileName string) (UploadToken, error) {
	id, err := s.transport.RegisterUploadToken(ctx, fileName)
	if err != nil {
		return UploadToken{}, err
	}
	if id == "" {
		return UploadToken{}, fmt.Errorf("%w: empty upload token id", ErrServiceUnavailable)
	}

	return UploadToken{ID: id, FileName: fileName}, nil
}

// Transmit sends length bytes read from payload to the token.
// Errors are logged and reported as false; callers do not distinguish their causes.
func (s *UploadSession) Transmit(ctx context.Context, token UploadToken, payload io.Reader, length int64, resume, final bool, offset int64) bool {
	err := s.transport.TransmitChunk(ctx, ChunkRequest{
		TokenID:     token.ID,
		Payload:     payload,
		Length:      length,
		Resume:      resume,
		Final:       final,
		Offset:      offset,
		ContentType: s.contentType,
		FileName:    token.FileName,
	})
	if err != nil {
		s.logger.Warnf("Upload token %s: transmission at offset %d (final: %t) failed: %s", token.ID, offset, final, err)
		return false
	}

	return true
}

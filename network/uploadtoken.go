package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-parallelupload/chunkuploader"
)

const (
	uploadTokenService = "uploadtoken"
	fileFieldName      = "fileData"
)

// UploadTokenInfo is the service's view of an upload token.
type UploadTokenInfo struct {
	ID               string  `json:"id"`
	FileName         string  `json:"fileName"`
	FileSize         float64 `json:"fileSize"`
	UploadedFileSize float64 `json:"uploadedFileSize"`
	Status           int     `json:"status"`
}

// RegisterUploadToken creates an upload token for fileName.
func (c *Client) RegisterUploadToken(ctx context.Context, fileName string) (string, error) {
	params := url.Values{}
	params.Set("uploadToken[objectType]", "KalturaUploadToken")
	if fileName != "" {
		params.Set("uploadToken[fileName]", fileName)
	}

	var token UploadTokenInfo
	if err := c.call(ctx, uploadTokenService, "add", params, &token); err != nil {
		return "", err
	}
	if token.ID == "" {
		return "", fmt.Errorf("%w: upload token response has no id", chunkuploader.ErrServiceUnavailable)
	}

	c.logger.Debugf("Registered upload token %s", token.ID)
	return token.ID, nil
}

// GetUploadToken returns the current state of an upload token.
func (c *Client) GetUploadToken(ctx context.Context, tokenID string) (UploadTokenInfo, error) {
	params := url.Values{}
	params.Set("uploadTokenId", tokenID)

	var token UploadTokenInfo
	if err := c.call(ctx, uploadTokenService, "get", params, &token); err != nil {
		return UploadTokenInfo{}, err
	}
	return token, nil
}

// AbortUpload deletes the upload token and the data uploaded to it.
func (c *Client) AbortUpload(ctx context.Context, tokenID string) error {
	params := url.Values{}
	params.Set("uploadTokenId", tokenID)

	return c.call(ctx, uploadTokenService, "delete", params, nil)
}

// TransmitChunk uploads one byte range as a multipart request. The payload is streamed, it is not buffered.
func (c *Client) TransmitChunk(ctx context.Context, chunk chunkuploader.ChunkRequest) error {
	body, contentType, contentLength, err := c.chunkBody(chunk)
	if err != nil {
		return err
	}

	guarded := &guardedReader{r: body}
	defer guarded.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actionURL(uploadTokenService, "upload"), guarded)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.ContentLength = contentLength

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if err := decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("upload chunk at offset %d: %w", chunk.Offset, err)
	}
	return nil
}

// chunkBody assembles the multipart body around the payload so its exact length is known up front.
func (c *Client) chunkBody(chunk chunkuploader.ChunkRequest) (io.Reader, string, int64, error) {
	head := &bytes.Buffer{}
	writer := multipart.NewWriter(head)

	fields := []struct{ name, value string }{
		{"format", formatJSON},
		{"ks", c.ks},
		{"uploadTokenId", chunk.TokenID},
		{"resume", formBool(chunk.Resume)},
		{"finalChunk", formBool(chunk.Final)},
		{"resumeAt", strconv.FormatInt(chunk.Offset, 10)},
	}
	for _, field := range fields {
		if err := writer.WriteField(field.name, field.value); err != nil {
			return nil, "", 0, err
		}
	}

	fileName := chunk.FileName
	if fileName == "" {
		fileName = "upload"
	}
	contentType := chunk.ContentType
	if contentType == "" {
		contentType = chunkuploader.DefaultContentType
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fileFieldName, fileName))
	header.Set("Content-Type", contentType)
	if _, err := writer.CreatePart(header); err != nil {
		return nil, "", 0, err
	}
	prefix := append([]byte(nil), head.Bytes()...)

	head.Reset()
	if err := writer.Close(); err != nil {
		return nil, "", 0, err
	}
	suffix := append([]byte(nil), head.Bytes()...)

	payload := chunk.Payload
	if payload == nil {
		payload = bytes.NewReader(nil)
	}
	body := io.MultiReader(bytes.NewReader(prefix), io.LimitReader(payload, chunk.Length), bytes.NewReader(suffix))
	length := int64(len(prefix)) + chunk.Length + int64(len(suffix))

	return body, writer.FormDataContentType(), length, nil
}

// guardedReader stops reading the payload once the request is over. The HTTP transport may
// still hold the body after Do returns, while the caller already repositions the payload.
type guardedReader struct {
	mu      sync.Mutex
	r       io.Reader
	stopped bool
}

func (g *guardedReader) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return 0, io.ErrClosedPipe
	}
	return g.r.Read(p)
}

func (g *guardedReader) stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
}

func formBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

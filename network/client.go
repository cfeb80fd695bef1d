// Package network implements the media service API used for chunked uploads: session start,
// upload tokens and media entries.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-parallelupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	apiPath        = "/api_v3/service/%s/action/%s"
	formatJSON     = "1"
	exceptionType  = "KalturaAPIException"
	maxErrorLength = 1024
)

// Client talks to the media service API.
type Client struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	ks          string
	logger      log.Logger
}

var _ chunkuploader.Transport = (*Client)(nil)
var _ chunkuploader.Aborter = (*Client)(nil)

// NewClient creates a client for the service at serviceURL authenticated with the session credential ks.
// API calls are retried by a retryable HTTP client; chunk uploads are not, the uploader owns their retries.
func NewClient(serviceURL, ks string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Client{
		httpClient:  retryhttp.NewClient(logger),
		chunkClient: DefaultHTTPClient(),
		baseURL:     strings.TrimSuffix(serviceURL, "/"),
		ks:          ks,
		logger:      logger,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for parallel chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - chunk uploads are bounded by their context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// WithSession returns a copy of the client using another session credential.
func (c *Client) WithSession(ks string) *Client {
	cp := *c
	cp.ks = ks
	return &cp
}

// CloseIdleConnections closes idle connections of the chunk upload client.
func (c *Client) CloseIdleConnections() {
	c.chunkClient.CloseIdleConnections()
}

func (c *Client) actionURL(service, action string) string {
	return c.baseURL + fmt.Sprintf(apiPath, service, action)
}

// call posts params to service/action and decodes the JSON result into out.
func (c *Client) call(ctx context.Context, service, action string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("format", formatJSON)
	if c.ks != "" {
		params.Set("ks", c.ks)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.actionURL(service, action), []byte(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.logger.Debugf("Calling %s.%s", service, action)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s.%s: %w: %s", service, action, chunkuploader.ErrServiceUnavailable, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if err := decodeResponse(resp, out); err != nil {
		return fmt.Errorf("%s.%s: %w", service, action, err)
	}
	return nil
}

// decodeResponse checks the status and the service exception envelope and decodes the result.
func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %s", chunkuploader.ErrServiceUnavailable, err)
	}

	var envelope struct {
		ObjectType string `json:"objectType"`
		Code       string `json:"code"`
		Message    string `json:"message"`
	}
	if len(body) > 0 && body[0] == '{' {
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if envelope.ObjectType == exceptionType {
			return &APIError{Code: envelope.Code, Message: envelope.Message}
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorLength))
	if err != nil {
		return err
	}

	httpErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", chunkuploader.ErrAuthenticationFailure, httpErr)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", chunkuploader.ErrServiceUnavailable, httpErr)
	default:
		return httpErr
	}
}

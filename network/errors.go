package network

import (
	"fmt"

	"github.com/bitrise-io/go-parallelupload/chunkuploader"
)

// Service error codes that mean the session credential is not usable.
var authErrorCodes = map[string]bool{
	"INVALID_KS":          true,
	"EXPIRED_KS":          true,
	"SERVICE_FORBIDDEN":   true,
	"INVALID_PARTNER_ID":  true,
	"MISSING_KS":          true,
	"INVALID_USER_ID":     true,
	"PARTNER_BLOCKED":     true,
	"START_SESSION_ERROR": true,
}

// APIError is an exception reported by the media service.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match chunkuploader.ErrAuthenticationFailure for session errors.
func (e *APIError) Unwrap() error {
	if authErrorCodes[e.Code] {
		return chunkuploader.ErrAuthenticationFailure
	}
	return nil
}

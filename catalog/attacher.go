// Package catalog attaches completed uploads to media entries.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-parallelupload/chunkuploader"
	"github.com/bitrise-io/go-parallelupload/network"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numAttachRetries = 3
	attachRetryWait  = 5 * time.Second
)

// MediaService is the part of the media API the attacher needs.
type MediaService interface {
	AddMediaEntry(ctx context.Context, name string, mediaType network.MediaType) (network.MediaEntry, error)
	GetMediaEntry(ctx context.Context, entryID string) (network.MediaEntry, error)
	AddContent(ctx context.Context, entryID, tokenID string) (network.MediaEntry, error)
	UpdateContent(ctx context.Context, entryID, tokenID string) (network.MediaEntry, error)
}

// AttachParams ...
type AttachParams struct {
	// EntryID selects an existing entry whose content gets replaced. A new entry is created when empty.
	EntryID   string
	Name      string
	MediaType network.MediaType
}

// Attacher turns an upload token into entry content.
type Attacher struct {
	service   MediaService
	logger    log.Logger
	retryWait time.Duration
}

// NewAttacher ...
func NewAttacher(service MediaService, logger log.Logger) *Attacher {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Attacher{service: service, logger: logger, retryWait: attachRetryWait}
}

// Attach creates or updates a media entry from the completed upload token.
func (a *Attacher) Attach(ctx context.Context, tokenID string, params AttachParams) (network.MediaEntry, error) {
	if tokenID == "" {
		return network.MediaEntry{}, fmt.Errorf("upload token must not be empty")
	}
	if params.MediaType == 0 {
		params.MediaType = network.MediaTypeVideo
	}

	if params.EntryID == "" {
		return a.create(ctx, tokenID, params)
	}
	return a.update(ctx, tokenID, params.EntryID)
}

func (a *Attacher) create(ctx context.Context, tokenID string, params AttachParams) (network.MediaEntry, error) {
	var entry network.MediaEntry
	err := a.withRetry(func() error {
		var err error
		entry, err = a.service.AddMediaEntry(ctx, params.Name, params.MediaType)
		return err
	})
	if err != nil {
		return network.MediaEntry{}, fmt.Errorf("add media entry: %w", err)
	}
	a.logger.Debugf("Created media entry %s", entry.ID)

	err = a.withRetry(func() error {
		var err error
		entry, err = a.service.AddContent(ctx, entry.ID, tokenID)
		return err
	})
	if err != nil {
		return network.MediaEntry{}, fmt.Errorf("add content to entry %s: %w", entry.ID, err)
	}

	a.logger.Donef("Upload token %s attached to new entry %s", tokenID, entry.ID)
	return entry, nil
}

func (a *Attacher) update(ctx context.Context, tokenID, entryID string) (network.MediaEntry, error) {
	var entry network.MediaEntry
	err := a.withRetry(func() error {
		var err error
		entry, err = a.service.GetMediaEntry(ctx, entryID)
		return err
	})
	if err != nil {
		return network.MediaEntry{}, fmt.Errorf("get media entry %s: %w", entryID, err)
	}

	err = a.withRetry(func() error {
		var err error
		entry, err = a.service.UpdateContent(ctx, entry.ID, tokenID)
		return err
	})
	if err != nil {
		return network.MediaEntry{}, fmt.Errorf("update content of entry %s: %w", entryID, err)
	}

	a.logger.Donef("Upload token %s replaced the content of entry %s", tokenID, entry.ID)
	return entry, nil
}

// withRetry retries fn while the service is unavailable, every other error is returned right away.
func (a *Attacher) withRetry(fn func() error) error {
	return retry.Times(numAttachRetries).Wait(a.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		err := fn()
		if err == nil {
			return nil, true
		}
		if !errors.Is(err, chunkuploader.ErrServiceUnavailable) {
			return err, true
		}

		a.logger.Warnf("Attempt %d failed: %s", attempt+1, err)
		return err, false
	})
}

package network

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

const mediaService = "media"

// MediaType is the kind of a media entry.
type MediaType int

// Media types known to the service.
const (
	MediaTypeVideo MediaType = 1
	MediaTypeImage MediaType = 2
	MediaTypeAudio MediaType = 5
)

// ParseMediaType accepts the lowercase name of a media type.
func ParseMediaType(name string) (MediaType, error) {
	switch name {
	case "", "video":
		return MediaTypeVideo, nil
	case "image":
		return MediaTypeImage, nil
	case "audio":
		return MediaTypeAudio, nil
	default:
		return 0, fmt.Errorf("unknown media type: %s", name)
	}
}

// MediaEntry is a catalog entry holding uploaded content.
type MediaEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MediaType MediaType `json:"mediaType"`
	Status    string    `json:"status"`
}

// AddMediaEntry creates an empty media entry.
func (c *Client) AddMediaEntry(ctx context.Context, name string, mediaType MediaType) (MediaEntry, error) {
	params := url.Values{}
	params.Set("entry[objectType]", "KalturaMediaEntry")
	params.Set("entry[name]", name)
	params.Set("entry[mediaType]", strconv.Itoa(int(mediaType)))

	var entry MediaEntry
	if err := c.call(ctx, mediaService, "add", params, &entry); err != nil {
		return MediaEntry{}, err
	}
	return entry, nil
}

// GetMediaEntry fetches an existing media entry.
func (c *Client) GetMediaEntry(ctx context.Context, entryID string) (MediaEntry, error) {
	params := url.Values{}
	params.Set("entryId", entryID)

	var entry MediaEntry
	if err := c.call(ctx, mediaService, "get", params, &entry); err != nil {
		return MediaEntry{}, err
	}
	return entry, nil
}

// AddContent attaches the data of a completed upload token to an entry without content.
func (c *Client) AddContent(ctx context.Context, entryID, tokenID string) (MediaEntry, error) {
	return c.attachToken(ctx, "addContent", entryID, tokenID)
}

// UpdateContent replaces the content of an entry with the data of a completed upload token.
func (c *Client) UpdateContent(ctx context.Context, entryID, tokenID string) (MediaEntry, error) {
	return c.attachToken(ctx, "updateContent", entryID, tokenID)
}

func (c *Client) attachToken(ctx context.Context, action, entryID, tokenID string) (MediaEntry, error) {
	params := url.Values{}
	params.Set("entryId", entryID)
	params.Set("resource[objectType]", "KalturaUploadedFileTokenResource")
	params.Set("resource[token]", tokenID)

	var entry MediaEntry
	if err := c.call(ctx, mediaService, action, params, &entry); err != nil {
		return MediaEntry{}, err
	}
	return entry, nil
}

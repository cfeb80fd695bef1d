package network

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-parallelupload/chunkuploader"
	"github.com/patrickmn/go-cache"
)

const (
	// SessionTypeAdmin is the privileged session type required to manage upload tokens and entries.
	SessionTypeAdmin = 2
	// DefaultSessionExpiry is the lifetime requested for new sessions.
	DefaultSessionExpiry = 24 * time.Hour
	sessionRenewMargin   = 5 * time.Minute
)

// SessionParams identify the partner a session is started for.
type SessionParams struct {
	PartnerID  int
	Secret     string
	UserID     string
	Type       int
	Expiry     time.Duration
	Privileges string
}

func (p SessionParams) withDefaults() SessionParams {
	if p.Type == 0 {
		p.Type = SessionTypeAdmin
	}
	if p.Expiry <= 0 {
		p.Expiry = DefaultSessionExpiry
	}
	return p
}

func (p SessionParams) cacheKey() string {
	return strings.Join([]string{strconv.Itoa(p.PartnerID), p.UserID, strconv.Itoa(p.Type), p.Privileges}, "|")
}

// StartSession exchanges the partner secret for a session credential.
func (c *Client) StartSession(ctx context.Context, params SessionParams) (string, error) {
	params = params.withDefaults()
	if params.PartnerID <= 0 || params.Secret == "" {
		return "", fmt.Errorf("%w: partner id and secret are required", chunkuploader.ErrAuthenticationFailure)
	}

	values := url.Values{}
	values.Set("secret", params.Secret)
	values.Set("partnerId", strconv.Itoa(params.PartnerID))
	values.Set("type", strconv.Itoa(params.Type))
	values.Set("expiry", strconv.Itoa(int(params.Expiry/time.Second)))
	if params.UserID != "" {
		values.Set("userId", params.UserID)
	}
	if params.Privileges != "" {
		values.Set("privileges", params.Privileges)
	}

	var ks string
	if err := c.WithSession("").call(ctx, "session", "start", values, &ks); err != nil {
		return "", err
	}
	if ks == "" {
		return "", fmt.Errorf("%w: empty session", chunkuploader.ErrAuthenticationFailure)
	}
	return ks, nil
}

// SessionProvider starts sessions and reuses them until shortly before they expire.
type SessionProvider struct {
	client *Client
	cache  *cache.Cache
}

// NewSessionProvider creates a provider starting sessions through client.
func NewSessionProvider(client *Client) *SessionProvider {
	return &SessionProvider{
		client: client,
		cache:  cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// Session returns a cached session for params or starts a new one.
func (p *SessionProvider) Session(ctx context.Context, params SessionParams) (string, error) {
	params = params.withDefaults()
	key := params.cacheKey()

	if ks, ok := p.cache.Get(key); ok {
		return ks.(string), nil
	}

	ks, err := p.client.StartSession(ctx, params)
	if err != nil {
		return "", err
	}

	ttl := params.Expiry - sessionRenewMargin
	if ttl <= 0 {
		ttl = params.Expiry / 2
	}
	p.cache.Set(key, ks, ttl)
	return ks, nil
}

// Client returns a client authenticated with a session for params.
func (p *SessionProvider) Client(ctx context.Context, params SessionParams) (*Client, error) {
	ks, err := p.Session(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return p.client.WithSession(ks), nil
}

// Invalidate drops the cached session for params, e.g. after the service rejected it.
func (p *SessionProvider) Invalidate(params SessionParams) {
	p.cache.Delete(params.withDefaults().cacheKey())
}

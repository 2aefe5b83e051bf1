package gocondfetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgduncan/go-cond-fetch/caches"
)

// Client is shared by every consumer of one session: it owns the cache store,
// the HTTP client and the clock, and coalesces background revalidations of
// the same key.
type Client struct {
	cache  Cache
	logger *slog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	c Config

	flights singleflight.Group
}

// New creates a Client reading and writing through cache.
//
// A nil cache disables caching for every consumer.
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func New(
	cache Cache,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) *Client {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = opts.withDefaults()
	}

	return &Client{
		cache:  cache,
		logger: logger,
		now:    nowFunc,
		sleep:  sleepContext,
		c:      c,
	}
}

// Keyspace returns the keyspace the client derives cache keys in.
func (c *Client) Keyspace() caches.Keyspace {
	return c.c.Keyspace
}

// Invalidate drops the cached GET entries of urls.
func (c *Client) Invalidate(ctx context.Context, urls ...string) {
	if c.cache == nil {
		return
	}
	for _, u := range urls {
		key, err := RequestDescriptor{URL: u}.Key(c.c.Keyspace)
		if err != nil {
			continue
		}
		if err := c.cache.Delete(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "error invalidating cache item", "key", key, "error", err)
			continue
		}
		c.logger.DebugContext(ctx, "cache item invalidated", "key", key)
	}
}

// lookup returns the fresh entry stored under key, or nil. Stale entries
// found despite the backend's own check are purged.
func (c *Client) lookup(ctx context.Context, key string) *CacheEntry {
	if c.cache == nil || key == "" {
		return nil
	}

	item, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, caches.ErrNoCacheItem) {
			c.logger.WarnContext(ctx, "error reading cache", "key", key, "error", err)
		} else {
			c.logger.DebugContext(ctx, "cache item not found", "key", key)
		}
		return nil
	}

	if !item.Fresh(c.now()) {
		c.logger.DebugContext(ctx, "cache item expired", "key", key,
			"expiration", item.Expiration().Format(time.RFC3339))
		_ = c.cache.Delete(ctx, key)
		return nil
	}

	c.logger.DebugContext(ctx, "cache item found", "key", key)
	return item
}

// store writes entry under key. A quota failure evicts the oldest share of
// the namespace and retries exactly once; any remaining failure is logged
// and swallowed.
func (c *Client) store(ctx context.Context, key string, entry *CacheEntry) {
	err := c.cache.Put(ctx, key, entry)
	if err == nil {
		return
	}

	if !errors.Is(err, caches.ErrQuotaExceeded) {
		c.logger.WarnContext(ctx, "error caching response", "key", key, "error", err)
		return
	}

	evicted, evictErr := c.cache.EvictOldest(ctx, c.c.EvictPercentage)
	if evictErr != nil {
		c.logger.WarnContext(ctx, "error evicting cache items", "error", evictErr)
	}
	c.logger.WarnContext(ctx, "cache quota exceeded, evicted oldest items",
		"key", key, "evicted", evicted, "percentage", c.c.EvictPercentage)

	if err := c.cache.Put(ctx, key, entry); err != nil {
		c.logger.WarnContext(ctx, "error caching response after eviction", "key", key, "error", err)
	}
}

type loadRequest struct {
	desc    RequestDescriptor
	headers http.Header

	// key is empty when the response must not be cached.
	key    string
	ttl    time.Duration
	cached *CacheEntry
}

// load performs the request, conditional on req.cached when set, and keeps
// the cache in sync with the answer.
func (c *Client) load(ctx context.Context, req loadRequest) (*Response, error) {
	resp, body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified {
		if req.cached == nil {
			return nil, ErrUnexpectedNotModified
		}

		touched := *req.cached
		touched.StoredAt = c.now().UTC()
		touched.TTL = timeToCache(ctx, resp, req.ttl, c.c.DomainOverrides, c.c.DefaultCacheTTL, c.logger)

		if req.key != "" && c.cache != nil {
			c.logger.DebugContext(ctx, "cache item successfully revalidated", "key", req.key,
				"expiration", touched.Expiration().Format(time.RFC3339))
			c.store(ctx, req.key, &touched)
		}

		payload := touched.Payload
		return &payload, nil
	}

	env, err := classify(resp.StatusCode, body)
	if err != nil {
		return nil, err
	}

	if req.key != "" && c.cache != nil {
		entry := &CacheEntry{
			Payload:      *env,
			StoredAt:     c.now().UTC(),
			TTL:          timeToCache(ctx, resp, req.ttl, c.c.DomainOverrides, c.c.DefaultCacheTTL, c.logger),
			ETag:         getETAGHeader(resp),
			LastModified: getLastModifiedHeader(resp),
		}
		c.logger.DebugContext(ctx, "caching response", "key", req.key,
			"expiration", entry.Expiration().Format(time.RFC3339))
		c.store(ctx, req.key, entry)
	}

	return env, nil
}

// revalidate is load for background work: concurrent calls for the same key
// share one request. The shared request outlives any single caller; ctx only
// bounds how long this caller waits for it.
func (c *Client) revalidate(ctx context.Context, req loadRequest) (*Response, error) {
	if req.key == "" {
		return c.load(ctx, req)
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(req.key, func() (any, error) {
		return c.load(flightCtx, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Response), nil
	}
}

func (c *Client) do(ctx context.Context, req loadRequest) (*http.Response, []byte, error) {
	payload, err := encodeBody(req.desc.Body)
	if err != nil {
		return nil, nil, errors.Join(ErrMalformedResponse, err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	r, err := http.NewRequestWithContext(ctx, req.desc.method(), c.resolve(req.desc.URL), body)
	if err != nil {
		return nil, nil, errors.Join(ErrTransport, err)
	}

	for k, vs := range req.headers {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set(headerAccept, mimeJSON)
	if payload != nil && r.Header.Get(headerContentType) == "" {
		r.Header.Set(headerContentType, mimeJSON)
	}
	addValidators(r, req.cached)

	if c.c.Session != nil {
		if err := c.c.Session.Authorize(r); err != nil {
			return nil, nil, errors.Join(ErrTransport, err)
		}
	}

	resp, err := c.c.HTTPClient.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.Join(ErrTransport, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.Join(ErrTransport, err)
	}

	return resp, b, nil
}

func (c *Client) resolve(u string) string {
	if c.c.BaseURL == "" || strings.Contains(u, "://") {
		return u
	}
	return strings.TrimRight(c.c.BaseURL, "/") + "/" + strings.TrimLeft(u, "/")
}

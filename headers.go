package gocondfetch

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	headerCacheControl = "Cache-Control"
	headerETAG         = "etag"

	headerIfNoneMatch = "If-None-Match"

	headerLastModified    = "Last-Modified"
	headerIfModifiedSince = "If-Modified-Since"

	headerAccept      = "Accept"
	headerContentType = "Content-Type"

	mimeJSON = "application/json"
)

const (
	directiveCacheControlMaxAge = "max-age"
)

// addValidators turns the validators of a cached entry into conditional
// request headers.
func addValidators(r *http.Request, item *CacheEntry) {
	if item == nil {
		return
	}
	if item.ETag != "" {
		r.Header.Set(headerIfNoneMatch, item.ETag)
	}
	if item.LastModified != nil {
		r.Header.Set(headerIfModifiedSince, item.LastModified.UTC().Format(http.TimeFormat))
	}
}

// timeToCache resolves the freshness window of a response. An explicit ttl
// wins, then domain overrides, then Cache-Control max-age, then fallback.
func timeToCache(
	ctx context.Context,
	r *http.Response,
	ttl time.Duration,
	overrides []DomainOverride,
	fallback time.Duration,
	logger *slog.Logger,
) time.Duration {
	if ttl > 0 {
		return ttl
	}

	if r != nil && r.Request != nil {
		for _, v := range overrides {
			if strings.HasPrefix(r.Request.URL.Host+r.Request.URL.Path, v.URI) {
				logger.DebugContext(ctx, "caching override found", "uri", v.URI)
				return v.Duration
			}
		}
	}

	if maxAge := getMaxAge(r); maxAge > 0 {
		return maxAge
	}

	return fallback
}

func getMaxAge(r *http.Response) time.Duration {
	if r == nil {
		return 0
	}

	cacheControl := getCacheControlHeader(r)
	if cacheControl == "" {
		return 0
	}

	directives := strings.Split(cacheControl, ",")
	for i, directive := range directives {
		directives[i] = strings.TrimSpace(directive)
	}

	var maxAge time.Duration
	for _, directive := range directives {
		if strings.HasPrefix(directive, directiveCacheControlMaxAge) {
			parts := strings.Split(directive, "=")
			if len(parts) < 2 || parts[1] == "" {
				return 0
			}
			maxAge, _ = time.ParseDuration(parts[1] + "s")
			break
		}
	}

	return maxAge
}

func getETAGHeader(r *http.Response) string {
	return r.Header.Get(headerETAG)
}

func getLastModifiedHeader(r *http.Response) *time.Time {
	lastModified := r.Header.Get(headerLastModified)
	if lastModified == "" {
		return nil
	}
	parsedTime, err := time.Parse(http.TimeFormat, lastModified)
	if err != nil {
		return nil
	}
	return &parsedTime
}

func getCacheControlHeader(r *http.Response) string {
	return r.Header.Get(headerCacheControl)
}

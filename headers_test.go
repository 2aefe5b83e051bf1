package gocondfetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeToCache(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	overrides := []DomainOverride{{URI: "api.example.com/catalog", Duration: time.Hour}}

	response := func(path, cacheControl string) *http.Response {
		h := http.Header{}
		if cacheControl != "" {
			h.Set("Cache-Control", cacheControl)
		}
		return &http.Response{
			Header:  h,
			Request: &http.Request{URL: &url.URL{Host: "api.example.com", Path: path}},
		}
	}

	tests := []struct {
		name     string
		resp     *http.Response
		ttl      time.Duration
		expected time.Duration
	}{
		{name: "explicit ttl wins", resp: response("/catalog/items", "max-age=60"), ttl: time.Second, expected: time.Second},
		{name: "domain override", resp: response("/catalog/items", "max-age=60"), expected: time.Hour},
		{name: "max age", resp: response("/stock", "public, max-age=60"), expected: time.Minute},
		{name: "fallback", resp: response("/stock", "no-store"), expected: 5 * time.Minute},
		{name: "invalid max age", resp: response("/stock", "max-age="), expected: 5 * time.Minute},
		{name: "nil response", resp: nil, expected: 5 * time.Minute},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := timeToCache(context.Background(), tt.resp, tt.ttl, overrides, 5*time.Minute, logger)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAddValidators(t *testing.T) {
	t.Parallel()

	lm := time.Date(2015, 10, 21, 7, 28, 0, 0, time.UTC)

	tests := []struct {
		name                 string
		item                 *CacheEntry
		expectedETag         string
		expectedLastModified string
	}{
		{name: "nothing cached", item: nil},
		{name: "etag only", item: &CacheEntry{ETag: `"abc"`}, expectedETag: `"abc"`},
		{
			name:                 "both validators",
			item:                 &CacheEntry{ETag: `"abc"`, LastModified: &lm},
			expectedETag:         `"abc"`,
			expectedLastModified: "Wed, 21 Oct 2015 07:28:00 GMT",
		},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, _ := http.NewRequest(http.MethodGet, "http://example.com/items", nil)
			addValidators(r, tt.item)

			assert.Equal(t, tt.expectedETag, r.Header.Get("If-None-Match"))
			assert.Equal(t, tt.expectedLastModified, r.Header.Get("If-Modified-Since"))
		})
	}
}

func TestLastModifiedParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		valid  bool
	}{
		{name: "http date", header: "Wed, 21 Oct 2015 07:28:00 GMT", valid: true},
		{name: "missing", header: ""},
		{name: "garbage", header: "yesterday"},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := http.Header{}
			if tt.header != "" {
				h.Set("Last-Modified", tt.header)
			}
			got := getLastModifiedHeader(&http.Response{Header: h})
			assert.Equal(t, tt.valid, got != nil)
		})
	}
}

package gocondfetch_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
	"github.com/dgduncan/go-cond-fetch/caches/local"
)

const itemsBody = `{"success":true,"data":[{"id":1}],"message":"ok"}`

type item struct {
	ID int `json:"id"`
}

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

// clock is a settable time source safe for use from background fetches.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: testTime()}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newClient(t *testing.T, server *httptest.Server, cache gocondfetch.Cache, now func() time.Time) *gocondfetch.Client {
	t.Helper()
	return gocondfetch.New(
		cache,
		&gocondfetch.Config{BaseURL: server.URL},
		now,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func newCache(now func() time.Time) *local.BasicCache {
	return local.NewBasicCacheWithTimeFunc(&local.Config{QuotaBytes: -1}, now)
}

func keyFor(t *testing.T, c *gocondfetch.Client, url string) string {
	t.Helper()
	key, err := gocondfetch.RequestDescriptor{URL: url}.Key(c.Keyspace())
	if err != nil {
		t.Fatalf("deriving key: %v", err)
	}
	return key
}

// quotaCache fails the first failPuts writes with ErrQuotaExceeded and
// records eviction requests.
type quotaCache struct {
	*local.BasicCache

	mu        sync.Mutex
	failPuts  int
	puts      int
	evictions []int
}

func (q *quotaCache) Put(ctx context.Context, k string, v *gocondfetch.CacheEntry) error {
	q.mu.Lock()
	q.puts++
	fail := q.failPuts > 0
	if fail {
		q.failPuts--
	}
	q.mu.Unlock()

	if fail {
		return caches.ErrQuotaExceeded
	}
	return q.BasicCache.Put(ctx, k, v)
}

func (q *quotaCache) EvictOldest(ctx context.Context, percentage int) (int, error) {
	q.mu.Lock()
	q.evictions = append(q.evictions, percentage)
	q.mu.Unlock()
	return q.BasicCache.EvictOldest(ctx, percentage)
}

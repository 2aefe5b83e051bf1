package gocondfetch

import (
	"context"
	"time"
)

// CacheEntry is a stored response snapshot plus the metadata needed to decide
// freshness and to revalidate it with a conditional request.
type CacheEntry struct {
	Payload      Response      `json:"payload" msgpack:"payload" cbor:"payload"`
	StoredAt     time.Time     `json:"storedAt" msgpack:"storedAt" cbor:"storedAt"`
	TTL          time.Duration `json:"ttl" msgpack:"ttl" cbor:"ttl"`
	ETag         string        `json:"etag,omitempty" msgpack:"etag,omitempty" cbor:"etag,omitempty"`
	LastModified *time.Time    `json:"lastModified,omitempty" msgpack:"lastModified,omitempty" cbor:"lastModified,omitempty"`
}

// Fresh reports whether StoredAt + TTL >= now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return !e.StoredAt.Add(e.TTL).Before(now)
}

// Expiration is the instant the entry stops being fresh.
func (e *CacheEntry) Expiration() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Cache is the session-scoped store shared by every consumer of a Client.
// Implementations must be safe for concurrent use; concurrent writes to the
// same key are last-write-wins.
type Cache interface {
	// Get returns caches.ErrNoCacheItem when the key is absent. Expired entries are
	// removed and reported as absent.
	Get(ctx context.Context, k string) (*CacheEntry, error)
	// Put returns caches.ErrQuotaExceeded when the backend is out of space.
	Put(ctx context.Context, k string, v *CacheEntry) error
	Delete(ctx context.Context, k string) error
	// EvictOldest removes the oldest percentage of entries of the namespace,
	// ordered by StoredAt, and returns how many were removed.
	EvictOldest(ctx context.Context, percentage int) (int, error)
}

// Package local is an in-process, session-scoped cache store. Entries are
// kept serialized, like a browser's session storage, so the quota applies to
// their encoded size.
package local

import (
	"context"
	"sync"
	"time"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
	"github.com/dgduncan/go-cond-fetch/codec"
)

type Config struct {
	// Keyspace scopes EvictOldest. Zero value uses caches.DefaultKeyspace.
	Keyspace caches.Keyspace

	// QuotaBytes caps the total encoded size of entries. 0 uses
	// caches.DefaultQuotaBytes, negative disables the quota.
	QuotaBytes int64

	// Codec serializes entries. nil uses codec.JSON.
	Codec codec.Codec[*gocondfetch.CacheEntry]

	// MaxEntryBytes refuses single entries whose encoding is larger. 0 disables it.
	MaxEntryBytes int
}

type record struct {
	raw      []byte
	storedAt time.Time
}

type BasicCache struct {
	cache map[string]record
	size  int64

	keys  caches.Keyspace
	quota int64
	codec codec.Codec[*gocondfetch.CacheEntry]
	now   func() time.Time

	lock sync.RWMutex
}

var _ gocondfetch.Cache = (*BasicCache)(nil)

// Get decodes the entry stored under key. Expired entries are deleted and
// reported as caches.ErrNoCacheItem.
func (bc *BasicCache) Get(_ context.Context, key string) (*gocondfetch.CacheEntry, error) {
	bc.lock.RLock()
	val, found := bc.cache[key]
	bc.lock.RUnlock()
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	item, err := bc.codec.Decode(val.raw)
	if err != nil {
		bc.remove(key)
		return nil, err
	}

	if !item.Fresh(bc.now()) {
		bc.remove(key)
		return nil, caches.ErrNoCacheItem
	}

	return item, nil
}

// Put stores item under key, replacing any previous entry. It returns
// caches.ErrQuotaExceeded, leaving the store untouched, when the write would
// exceed the quota.
func (bc *BasicCache) Put(_ context.Context, key string, item *gocondfetch.CacheEntry) error {
	raw, err := bc.codec.Encode(item)
	if err != nil {
		return err
	}

	bc.lock.Lock()
	defer bc.lock.Unlock()

	delta := int64(len(key) + len(raw))
	if old, ok := bc.cache[key]; ok {
		delta -= int64(len(key) + len(old.raw))
	}
	if bc.quota > 0 && bc.size+delta > bc.quota {
		return caches.ErrQuotaExceeded
	}

	bc.cache[key] = record{raw: raw, storedAt: item.StoredAt}
	bc.size += delta

	return nil
}

func (bc *BasicCache) Delete(_ context.Context, key string) error {
	bc.remove(key)
	return nil
}

// EvictOldest removes the oldest percentage of the namespace's entries.
func (bc *BasicCache) EvictOldest(_ context.Context, percentage int) (int, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	items := make([]caches.Stamped, 0, len(bc.cache))
	for k, v := range bc.cache {
		if bc.keys.Owns(k) {
			items = append(items, caches.Stamped{Key: k, StoredAt: v.storedAt})
		}
	}

	victims := caches.OldestKeys(items, percentage)
	for _, k := range victims {
		bc.removeLocked(k)
	}

	return len(victims), nil
}

// Len returns the number of stored entries.
func (bc *BasicCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return len(bc.cache)
}

// Size returns the encoded size of stored entries, keys included.
func (bc *BasicCache) Size() int64 {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return bc.size
}

// Clear drops everything, as happens when the session ends.
func (bc *BasicCache) Clear() {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	bc.cache = make(map[string]record)
	bc.size = 0
}

func (bc *BasicCache) remove(key string) {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	bc.removeLocked(key)
}

func (bc *BasicCache) removeLocked(key string) {
	if old, ok := bc.cache[key]; ok {
		bc.size -= int64(len(key) + len(old.raw))
		delete(bc.cache, key)
	}
}

func NewBasicCache(cfg *Config) *BasicCache {
	return NewBasicCacheWithTimeFunc(cfg, time.Now)
}

// NewBasicCacheWithTimeFunc is NewBasicCache with an injectable clock.
func NewBasicCacheWithTimeFunc(cfg *Config, now func() time.Time) *BasicCache {
	if cfg == nil {
		cfg = &Config{}
	}
	if now == nil {
		now = time.Now
	}

	keys := cfg.Keyspace
	if keys.Namespace == "" {
		keys = caches.DefaultKeyspace()
	}

	quota := cfg.QuotaBytes
	if quota == 0 {
		quota = caches.DefaultQuotaBytes
	}

	var c codec.Codec[*gocondfetch.CacheEntry] = codec.JSON[*gocondfetch.CacheEntry]{}
	if cfg.Codec != nil {
		c = cfg.Codec
	}

	return &BasicCache{
		cache: make(map[string]record),
		keys:  keys,
		quota: quota,
		codec: codec.WithLimit(c, cfg.MaxEntryBytes),
		now:   now,
		lock:  sync.RWMutex{},
	}
}

// Package redis stores cache entries in Redis. Every key of the namespace is
// also indexed in a sorted set scored by StoredAt, which EvictOldest walks.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
	"github.com/dgduncan/go-cond-fetch/codec"
)

// DefaultSessionTTL bounds how long an entry survives in Redis regardless of
// its freshness, standing in for the end of the session.
const DefaultSessionTTL = 12 * time.Hour

type Config struct {
	Client goredis.UniversalClient

	// Keyspace scopes the eviction index. Zero value uses caches.DefaultKeyspace.
	Keyspace caches.Keyspace

	// SessionTTL is the Redis expiry of every key. 0 uses DefaultSessionTTL.
	SessionTTL time.Duration

	// Codec serializes entries. nil uses codec.Msgpack.
	Codec codec.Codec[*gocondfetch.CacheEntry]

	// MaxEntryBytes refuses entries whose encoding is larger, on write and
	// on read. 0 disables it.
	MaxEntryBytes int

	// CloseClient set true only if this cache exclusively owns the client.
	CloseClient bool
}

type Cache struct {
	rdb         goredis.UniversalClient
	closeClient bool

	keys       caches.Keyspace
	sessionTTL time.Duration
	codec      codec.Codec[*gocondfetch.CacheEntry]
	now        func() time.Time
}

var _ gocondfetch.Cache = (*Cache)(nil)

func (c *Cache) index() string {
	return c.keys.Prefix() + "__index"
}

func (c *Cache) Get(ctx context.Context, k string) (*gocondfetch.CacheEntry, error) {
	b, err := c.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}

	item, err := c.codec.Decode(b)
	if err != nil {
		_ = c.Delete(ctx, k)
		return nil, err
	}

	if !item.Fresh(c.now()) {
		_ = c.Delete(ctx, k)
		return nil, caches.ErrNoCacheItem
	}

	return item, nil
}

func (c *Cache) Put(ctx context.Context, k string, v *gocondfetch.CacheEntry) error {
	b, err := c.codec.Encode(v)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, k, b, c.sessionTTL)
		pipe.ZAdd(ctx, c.index(), goredis.Z{
			Score:  float64(v.StoredAt.UnixNano()),
			Member: k,
		})
		pipe.Expire(ctx, c.index(), c.sessionTTL)
		return nil
	})
	if isOOM(err) {
		return errors.Join(caches.ErrQuotaExceeded, err)
	}
	return err
}

func (c *Cache) Delete(ctx context.Context, k string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.ZRem(ctx, c.index(), k)
		return nil
	})
	return err
}

// EvictOldest removes the lowest scored percentage of the index.
func (c *Cache) EvictOldest(ctx context.Context, percentage int) (int, error) {
	if percentage <= 0 {
		return 0, nil
	}
	if percentage > 100 {
		percentage = 100
	}

	total, err := c.rdb.ZCard(ctx, c.index()).Result()
	if err != nil || total == 0 {
		return 0, err
	}

	n := total * int64(percentage) / 100
	if n == 0 {
		n = 1
	}

	victims, err := c.rdb.ZRange(ctx, c.index(), 0, n-1).Result()
	if err != nil {
		return 0, err
	}

	members := make([]any, len(victims))
	for i, v := range victims {
		members[i] = v
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, victims...)
		pipe.ZRem(ctx, c.index(), members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Close releases the underlying redis client only when this cache owns it.
func (c *Cache) Close() error {
	if c.closeClient {
		if err := c.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// isOOM reports a write refused because Redis hit maxmemory.
func isOOM(err error) bool {
	if err == nil {
		return false
	}
	var rerr goredis.Error
	if errors.As(err, &rerr) {
		return strings.HasPrefix(rerr.Error(), "OOM")
	}
	return false
}

func New(cfg Config) (*Cache, error) {
	if cfg.Client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	keys := cfg.Keyspace
	if keys.Namespace == "" {
		keys = caches.DefaultKeyspace()
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	var c codec.Codec[*gocondfetch.CacheEntry] = codec.Msgpack[*gocondfetch.CacheEntry]{}
	if cfg.Codec != nil {
		c = cfg.Codec
	}

	return &Cache{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		keys:        keys,
		sessionTTL:  ttl,
		codec:       codec.WithLimit(c, cfg.MaxEntryBytes),
		now:         time.Now,
	}, nil
}

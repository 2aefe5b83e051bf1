package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
	"github.com/dgduncan/go-cond-fetch/codec"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
	//go:embed delete_item.sql
	queryDeleteItem string
	//go:embed evict_oldest.sql
	queryEvictOldest string
)

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// DeleteExpiredItems enables automatic cleanup of expired cache entries
	// through a background task.
	DeleteExpiredItems bool

	// ExpiredTaskTimer defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	ExpiredTaskTimer time.Duration

	// Keyspace scopes EvictOldest. Zero value uses caches.DefaultKeyspace.
	Keyspace caches.Keyspace

	// Codec serializes entries. nil uses codec.JSON.
	Codec codec.Codec[*gocondfetch.CacheEntry]

	Logger *slog.Logger
}

// Cache implements the gocondfetch.Cache interface using PostgreSQL as the storage backend.
type Cache struct {
	db *sql.DB

	keys  caches.Keyspace
	codec codec.Codec[*gocondfetch.CacheEntry]
	now   func() time.Time
}

var _ gocondfetch.Cache = (*Cache)(nil)

// Get retrieves a cache item from PostgreSQL by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist or has expired;
// expired items are deleted.
func (p *Cache) Get(ctx context.Context, k string) (*gocondfetch.CacheEntry, error) {
	var key string
	var raw []byte
	err := p.db.QueryRowContext(ctx, queryFetchByID, k).Scan(&key, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}

	item, err := p.codec.Decode(raw)
	if err != nil {
		_ = p.Delete(ctx, k)
		return nil, err
	}

	if !item.Fresh(p.now()) {
		_ = p.Delete(ctx, k)
		return nil, caches.ErrNoCacheItem
	}

	return item, nil
}

// Put upserts the item. Storage exhaustion on the server is reported as
// caches.ErrQuotaExceeded.
func (p *Cache) Put(ctx context.Context, k string, v *gocondfetch.CacheEntry) error {
	raw, err := p.codec.Encode(v)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, queryInsertItem,
		k, raw, v.StoredAt.UTC(), v.Expiration().UTC(), p.now().UTC())
	if isQuotaError(err) {
		return errors.Join(caches.ErrQuotaExceeded, err)
	}
	return err
}

func (p *Cache) Delete(ctx context.Context, k string) error {
	_, err := p.db.ExecContext(ctx, queryDeleteItem, k)
	return err
}

// EvictOldest deletes the oldest percentage of the namespace's rows.
func (p *Cache) EvictOldest(ctx context.Context, percentage int) (int, error) {
	if percentage <= 0 {
		return 0, nil
	}
	if percentage > 100 {
		percentage = 100
	}

	res, err := p.db.ExecContext(ctx, queryEvictOldest, likePrefix(p.keys.Prefix()), percentage)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// isQuotaError matches disk_full (53100), out_of_memory (53200) and
// program_limit_exceeded (54000).
func isQuotaError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "53100", "53200", "54000":
		return true
	}
	return false
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

func deleteExpiredItems(ctx context.Context, db *sql.DB, now time.Time) error {
	_, err := db.ExecContext(ctx, queryDeleteExpired, now.UTC())
	return err
}

func expiredTask(ctx context.Context, db *sql.DB, every time.Duration, logger *slog.Logger) {
	t := time.NewTimer(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "expired item task stopped")
			return
		case <-t.C:
			if err := deleteExpiredItems(ctx, db, time.Now()); err != nil {
				logger.WarnContext(ctx, "error deleting expired items", "error", err)
			}
			_ = t.Reset(every)
		}
	}
}

// New creates a new PostgreSQL cache instance with the provided configuration.
// It verifies the database connection, creates the necessary table structure, and
// optionally starts the cleanup task for expired items, which lives as long as ctx.
//
// Returns an error if:
// - The database handle is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil database",
		}
	}
	if config == nil {
		config = &Config{}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.DeleteExpiredItems {
		every := config.ExpiredTaskTimer
		if every <= 0 {
			every = caches.DefaultExpiredTaskTimer
		}
		go expiredTask(ctx, db, every, logger)
	}

	keys := config.Keyspace
	if keys.Namespace == "" {
		keys = caches.DefaultKeyspace()
	}

	var c codec.Codec[*gocondfetch.CacheEntry] = codec.JSON[*gocondfetch.CacheEntry]{}
	if config.Codec != nil {
		c = config.Codec
	}

	return &Cache{
		db: db,

		keys:  keys,
		codec: c,
		now:   time.Now,
	}, nil
}

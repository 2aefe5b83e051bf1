package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
	ddbcache "github.com/dgduncan/go-cond-fetch/caches/dynamodb"
	"github.com/dgduncan/go-cond-fetch/caches/local"
	"github.com/dgduncan/go-cond-fetch/caches/postgres"
	rediscache "github.com/dgduncan/go-cond-fetch/caches/redis"
	"github.com/dgduncan/go-cond-fetch/codec"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newCache(ctx context.Context, backend string, ks caches.Keyspace, maxEntry int, logger *slog.Logger) (gocondfetch.Cache, error) {
	switch backend {
	case "memory":
		return local.NewBasicCache(&local.Config{Keyspace: ks, MaxEntryBytes: maxEntry}), nil

	case "redis":
		return rediscache.New(rediscache.Config{
			Client:      goredis.NewClient(&goredis.Options{Addr: env("GOCONDFETCH_REDIS_ADDR", "localhost:6379")}),
			Keyspace:      ks,
			CloseClient:   true,
			MaxEntryBytes: maxEntry,
		})

	case "postgres":
		db, err := sql.Open("postgres", env("GOCONDFETCH_POSTGRES_DSN",
			"postgresql://localhost:5455/postgresDB?user=postgresUser&password=postgresPW&sslmode=disable"))
		if err != nil {
			return nil, err
		}
		return postgres.New(ctx, db, &postgres.Config{
			DeleteExpiredItems: true,
			Keyspace:           ks,
			Codec:              codec.MustCBOR[*gocondfetch.CacheEntry](true),
			Logger:             logger,
		})

	case "dynamodb":
		awsconfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsconfig, func(o *dynamodb.Options) {
			if endpoint := os.Getenv("GOCONDFETCH_DYNAMODB_ENDPOINT"); endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})

		table := env("GOCONDFETCH_DYNAMODB_TABLE", "gocondfetch")
		err = ddbcache.CreateTable(ctx, client, table)
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return nil, err
		}
		return ddbcache.New(ctx, client, &ddbcache.Config{
			DeleteExpiredItems: true,
			Table:              table,
			Keyspace:           ks,
		})
	}

	return nil, fmt.Errorf("unknown cache backend %q", backend)
}

func main() {
	var (
		backend = flag.String("cache", env("GOCONDFETCH_CACHE", "memory"), "cache backend: memory, redis, postgres or dynamodb")
		baseURL = flag.String("base-url", env("GOCONDFETCH_BASE_URL", "http://localhost:8080/api"), "API base URL")
		path    = flag.String("path", "/items", "resource to watch")
		every   = flag.Duration("poll", 30*time.Second, "poll interval, 0 disables polling")
		ttl     = flag.Duration("ttl", gocondfetch.DefaultCacheTTL, "freshness window of cached responses")
		maxSize = flag.Int("max-entry-bytes", 256*1024, "largest cached entry for the memory and redis backends, 0 disables the cap")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	ks := caches.Keyspace{
		Namespace: env("GOCONDFETCH_NAMESPACE", caches.DefaultNamespace),
		Version:   env("GOCONDFETCH_VERSION", caches.DefaultVersion),
	}

	cache, err := newCache(ctx, *backend, ks, *maxSize, logger)
	if err != nil {
		logger.Error("error creating cache", "backend", *backend, "error", err)
		os.Exit(1)
	}
	if closer, ok := cache.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("error closing cache", "backend", *backend, "error", err)
			}
		}()
	}

	cfg := gocondfetch.DefaultConfig()
	cfg.BaseURL = *baseURL
	cfg.Keyspace = ks
	if token := os.Getenv("GOCONDFETCH_TOKEN"); token != "" {
		cfg.Session = gocondfetch.SessionFunc(func(r *http.Request) error {
			r.Header.Set("Authorization", "Bearer "+token)
			return nil
		})
	}

	client := gocondfetch.New(cache, &cfg, nil, logger)

	f := client.Fetch(*path, gocondfetch.FetchOptions{
		Auto:               true,
		Cache:              true,
		CacheTTL:           *ttl,
		PollInterval:       *every,
		MinLoadingDuration: 300 * time.Millisecond,
		OnError: func(err error) {
			if se, ok := gocondfetch.IsServerError(err); ok {
				logger.Warn("server rejected request", "status", se.Status, "code", se.Code, "message", se.Message)
			}
		},
	})
	defer f.Close()

	unsubscribe := f.Subscribe(func(s gocondfetch.State) {
		switch {
		case s.Loading:
			fmt.Println("loading...")
		case s.Error != nil:
			fmt.Println("error:", s.Error)
		case s.Data != nil:
			fmt.Printf("%s: %s\n", s.Data.Message, s.Data.Data)
		}
	})
	defer unsubscribe()

	if s := f.State(); s.Data != nil {
		fmt.Printf("%s (cached): %s\n", s.Data.Message, s.Data.Data)
	}

	<-ctx.Done()
}

package dynamodb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
	"github.com/dgduncan/go-cond-fetch/codec"
)

// batchLimit is the maximum number of requests BatchWriteItem accepts.
const batchLimit = 25

// API is the subset of *dynamodb.Client the cache uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	DeleteExpiredItems bool // Controls if the expired_at TTL property is put in the database to allow automatic deletion of expired items

	ItemExpiration time.Duration // How long an item stays in the database. This is independent of the entry's freshness window.
	Table          string

	// Keyspace scopes EvictOldest. Zero value uses caches.DefaultKeyspace.
	Keyspace caches.Keyspace

	// Codec serializes entries. nil uses codec.JSON.
	Codec codec.Codec[*gocondfetch.CacheEntry]
}

// Cache implements the gocondfetch.Cache interface using Amazon DynamoDB as the storage backend.
type Cache struct {
	client API

	table         string
	expiration    time.Duration
	deleteExpired bool
	keys          caches.Keyspace
	codec         codec.Codec[*gocondfetch.CacheEntry]
	now           func() time.Time
}

var _ gocondfetch.Cache = (*Cache)(nil)

type cacheItem struct {
	Key       string `json:"key" dynamodbav:"key"`
	Entry     []byte `json:"entry" dynamodbav:"entry"`
	StoredAt  int64  `json:"stored_at" dynamodbav:"stored_at"`
	CreatedAt int64  `json:"created_at" dynamodbav:"created_at"`
	ExpiredAt int64  `json:"expired_at,omitempty" dynamodbav:"expired_at,omitempty"`
}

type stampItem struct {
	Key      string `dynamodbav:"key"`
	StoredAt int64  `dynamodbav:"stored_at"`
}

func (c *Cache) keyAttr(k string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{"key": key}, nil
}

// Get retrieves a cache item from DynamoDB by its key. Expired items are
// deleted and reported as caches.ErrNoCacheItem.
func (c *Cache) Get(ctx context.Context, k string) (*gocondfetch.CacheEntry, error) {
	key, err := c.keyAttr(k)
	if err != nil {
		return nil, err
	}

	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	ci, err := c.codec.Decode(item.Entry)
	if err != nil {
		_ = c.Delete(ctx, k)
		return nil, err
	}

	if !ci.Fresh(c.now()) {
		_ = c.Delete(ctx, k)
		return nil, caches.ErrNoCacheItem
	}

	return ci, nil
}

// Put stores a cache item in DynamoDB. Oversized items and exhausted
// capacity are reported as caches.ErrQuotaExceeded.
func (c *Cache) Put(ctx context.Context, k string, v *gocondfetch.CacheEntry) error {
	createdAt := c.now()

	encItem, err := c.codec.Encode(v)
	if err != nil {
		return err
	}

	i := cacheItem{
		Key:       k,
		Entry:     encItem,
		StoredAt:  v.StoredAt.UnixNano(),
		CreatedAt: createdAt.Unix(),
	}
	if c.deleteExpired {
		i.ExpiredAt = createdAt.Add(c.expiration).Unix()
	}

	av, err := attributevalue.MarshalMap(i)
	if err != nil {
		return err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	if isQuotaError(err) {
		return errors.Join(caches.ErrQuotaExceeded, err)
	}
	return err
}

func (c *Cache) Delete(ctx context.Context, k string) error {
	key, err := c.keyAttr(k)
	if err != nil {
		return err
	}

	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       key,
	})
	return err
}

// EvictOldest scans the namespace's keys and batch deletes the oldest
// percentage of them.
func (c *Cache) EvictOldest(ctx context.Context, percentage int) (int, error) {
	prefix, err := attributevalue.Marshal(c.keys.Prefix())
	if err != nil {
		return 0, err
	}

	paginator := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
		TableName:                aws.String(c.table),
		FilterExpression:         aws.String("begins_with(#k, :prefix)"),
		ProjectionExpression:     aws.String("#k, stored_at"),
		ExpressionAttributeNames: map[string]string{"#k": "key"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": prefix,
		},
	})

	var stamped []caches.Stamped
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}

		var items []stampItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return 0, err
		}
		for _, it := range items {
			stamped = append(stamped, caches.Stamped{Key: it.Key, StoredAt: time.Unix(0, it.StoredAt)})
		}
	}

	victims := caches.OldestKeys(stamped, percentage)
	evicted := 0
	for start := 0; start < len(victims); start += batchLimit {
		end := min(start+batchLimit, len(victims))

		n, err := c.deleteBatch(ctx, victims[start:end])
		evicted += n
		if err != nil {
			return evicted, err
		}
	}

	return evicted, nil
}

func (c *Cache) deleteBatch(ctx context.Context, keys []string) (int, error) {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		key, err := c.keyAttr(k)
		if err != nil {
			return 0, err
		}
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: key},
		})
	}

	out, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{c.table: requests},
	})
	if err != nil {
		return 0, err
	}

	// Unprocessed deletes are left for the next eviction.
	return len(requests) - len(out.UnprocessedItems[c.table]), nil
}

func isQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var sizeErr *types.ItemCollectionSizeLimitExceededException
	var throughputErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &sizeErr) || errors.As(err, &throughputErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationException" &&
			strings.Contains(apiErr.ErrorMessage(), "Item size has exceeded")
	}
	return false
}

// New creates a new DynamoDB cache instance with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(ctx context.Context, client API, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}
	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "missing table",
		}
	}

	var itemExpiration time.Duration
	if config.ItemExpiration == 0 {
		itemExpiration = caches.DefaultExpiredDuration
	} else {
		itemExpiration = config.ItemExpiration
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
		client: client,

		table:         config.Table,
		expiration:    itemExpiration,
		deleteExpired: config.DeleteExpiredItems,
		keys:          keys,
		codec:         c,
		now:           time.Now,
	}, nil
}

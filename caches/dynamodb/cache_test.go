//go:build !integration

package dynamodb

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
)

// fakeAPI keeps items in memory, keyed by the "key" attribute.
type fakeAPI struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	putErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(m map[string]types.AttributeValue) string {
	if s, ok := m["key"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.items[keyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := ""
	if p, ok := in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS); ok {
		prefix = p.Value
	}

	out := &dynamodb.ScanOutput{}
	for k, item := range f.items {
		if strings.HasPrefix(k, prefix) {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, reqs := range in.RequestItems {
		for _, r := range reqs {
			if r.DeleteRequest != nil {
				delete(f.items, keyOf(r.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func TestNewDynamoDBCache(t *testing.T) {
	tests := []struct {
		name               string
		client             API
		config             *Config
		expectedErr        error
		expectedExpiration time.Duration
	}{
		{
			name:   "nil client returns error",
			client: nil,
			config: &Config{
				Table:          "test-table",
				ItemExpiration: time.Hour,
			},
			expectedErr: caches.ErrValidation,
		},
		{
			name:        "missing table returns error",
			client:      &dynamodb.Client{},
			config:      &Config{},
			expectedErr: caches.ErrValidation,
		},
		{
			name:   "zero item expiration uses default",
			client: &dynamodb.Client{},
			config: &Config{
				Table:          "test-table",
				ItemExpiration: 0,
			},
			expectedExpiration: caches.DefaultExpiredDuration,
		},
		{
			name:   "custom item expiration",
			client: &dynamodb.Client{},
			config: &Config{
				Table:          "test-table",
				ItemExpiration: time.Hour,
			},
			expectedExpiration: time.Hour,
		},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cache, err := New(context.Background(), tt.client, tt.config)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, cache)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.config.Table, cache.table)
			assert.Equal(t, tt.expectedExpiration, cache.expiration)
		})
	}
}

func newTestCache(t *testing.T, api API, now time.Time) *Cache {
	t.Helper()
	c, err := New(context.Background(), api, &Config{Table: "test"})
	require.NoError(t, err)
	c.now = func() time.Time { return now }
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(t, newFakeAPI(), now)
	ctx := context.Background()

	entry := &gocondfetch.CacheEntry{
		Payload:  gocondfetch.Response{Success: true, Data: []byte(`[{"id":1}]`), Message: "ok"},
		StoredAt: now,
		TTL:      time.Minute,
		ETag:     `"v1"`,
	}
	require.NoError(t, c.Put(ctx, "k", entry))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, `"v1"`, got.ETag)
}

func TestGetExpiredPurges(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	c := newTestCache(t, api, now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", &gocondfetch.CacheEntry{
		StoredAt: now.Add(-2 * time.Minute),
		TTL:      time.Minute,
	}))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
	assert.Empty(t, api.items)
}

func TestPutQuotaError(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.putErr = &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: "Item size has exceeded the maximum allowed size",
	}
	c := newTestCache(t, api, time.Now())

	err := c.Put(context.Background(), "k", &gocondfetch.CacheEntry{StoredAt: time.Now(), TTL: time.Minute})
	assert.ErrorIs(t, err, caches.ErrQuotaExceeded)
}

func TestEvictOldest(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	c := newTestCache(t, api, now)
	ctx := context.Background()
	ks := caches.DefaultKeyspace()

	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Put(ctx, ks.Key("GET", "/"+k, ""), &gocondfetch.CacheEntry{
			StoredAt: now.Add(time.Duration(i) * time.Second),
			TTL:      time.Hour,
		}))
	}
	// outside the namespace, never evicted
	api.items["other:key"] = map[string]types.AttributeValue{
		"key":       &types.AttributeValueMemberS{Value: "other:key"},
		"stored_at": &types.AttributeValueMemberN{Value: "0"},
	}

	n, err := c.EvictOldest(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NotContains(t, api.items, ks.Key("GET", "/a", ""))
	assert.NotContains(t, api.items, ks.Key("GET", "/b", ""))
	assert.Contains(t, api.items, ks.Key("GET", "/c", ""))
	assert.Contains(t, api.items, ks.Key("GET", "/d", ""))
	assert.Contains(t, api.items, "other:key")
}

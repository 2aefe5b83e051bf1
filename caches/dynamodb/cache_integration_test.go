//go:build integration

package dynamodb

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gocondfetch "github.com/dgduncan/go-cond-fetch"
	"github.com/dgduncan/go-cond-fetch/caches"
)

func setup(t *testing.T) *dynamodb.Client {
	t.Log("setup called")

	awsconfig, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion("local"))
	require.NoError(t, err)

	c := dynamodb.NewFromConfig(awsconfig)
	require.NoError(t, CreateTable(context.Background(), c, "test"))

	return c
}

func cleanup(t *testing.T, c *dynamodb.Client) {
	t.Log("cleanup called")

	if _, err := c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{
		TableName: aws.String("test"),
	}); err != nil {
		t.Log(err)
	}
}

func TestCacheIntegration(t *testing.T) {
	c := setup(t)
	t.Cleanup(func() {
		cleanup(t, c)
	})

	ctx := context.Background()
	d, err := New(ctx, c, &Config{
		Table:          "test",
		ItemExpiration: time.Minute,
	})
	require.NoError(t, err)

	ks := caches.DefaultKeyspace()
	base := time.Now()
	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Put(ctx, ks.Key("GET", "/"+k, ""), &gocondfetch.CacheEntry{
			Payload:  gocondfetch.Response{Success: true, Message: k},
			StoredAt: base.Add(time.Duration(i) * time.Second),
			TTL:      time.Hour,
		}))
	}

	got, err := d.Get(ctx, ks.Key("GET", "/a", ""))
	require.NoError(t, err)
	assert.Equal(t, "a", got.Payload.Message)

	_, err = d.Get(ctx, "key-miss")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)

	n, err := d.EvictOldest(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = d.Get(ctx, ks.Key("GET", "/a", ""))
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
	_, err = d.Get(ctx, ks.Key("GET", "/d", ""))
	assert.NoError(t, err)
}

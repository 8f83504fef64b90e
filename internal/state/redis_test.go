package state

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/rendis/conductor/internal/testutil"
)

const testPrefix = "conductor:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	store  *RedisStore
	ctx    context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	endpoint := testutil.StartRedisContainer(t)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	s := &RedisStoreTestSuite{
		client: client,
		store:  NewRedisStore(client, testPrefix),
		ctx:    context.Background(),
	}
	if err := client.Ping(s.ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	suite.Run(t, s)
}

func (r *RedisStoreTestSuite) SetupTest() {
	iter := r.client.Scan(r.ctx, 0, testPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		r.NoError(r.client.Del(r.ctx, iter.Val()).Err())
	}
	r.NoError(iter.Err())
}

func (r *RedisStoreTestSuite) TestSetGetDelete() {
	r.Require().NoError(r.store.Set(r.ctx, "a.b", 1))

	v, ok, err := r.store.Get(r.ctx, "a.b")
	r.Require().NoError(err)
	r.True(ok)
	r.Equal(float64(1), v)

	r.Require().NoError(r.store.Delete(r.ctx, "a.b"))
	_, ok, err = r.store.Get(r.ctx, "a.b")
	r.Require().NoError(err)
	r.False(ok)
}

func (r *RedisStoreTestSuite) TestStructuredValue() {
	r.Require().NoError(r.store.Set(r.ctx, "example.doc", map[string]any{"name": "x", "tags": []string{"a"}}))

	v, ok, err := r.store.Get(r.ctx, "example.doc")
	r.Require().NoError(err)
	r.True(ok)
	r.Equal(map[string]any{"name": "x", "tags": []any{"a"}}, v)
}

func (r *RedisStoreTestSuite) TestListKeys() {
	for _, k := range []string{"example.b", "example.a", "other.c"} {
		r.Require().NoError(r.store.Set(r.ctx, k, k))
	}

	keys, err := r.store.ListKeys(r.ctx, "example.")
	r.Require().NoError(err)
	r.Equal([]string{"example.a", "example.b"}, keys)
}

func (r *RedisStoreTestSuite) TestRejectsBadKey() {
	r.Error(r.store.Set(r.ctx, "a..b", 1))
}

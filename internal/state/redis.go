package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/conductor/pkg/schema"
)

// RedisStore keeps state in Redis as JSON strings under a key prefix:
//
//	<prefix>state:<key> => JSON-encoded value
//
// Values round-trip through JSON, so numbers read back as float64 and
// structs as map[string]any.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. prefix is optional (default "conductor:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conductor:"
	}
	return &RedisStore{client: client, prefix: prefix + "state:"}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Set(ctx context.Context, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "state value for %q is not serializable", key).WithCause(err)
	}
	if err := r.client.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "redis SET %q: %v", key, err).WithCause(err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "redis GET %q: %v", key, err).WithCause(err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "decode state %q: %v", key, err).WithCause(err)
	}
	return v, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "redis DEL %q: %v", key, err).WithCause(err)
	}
	return nil
}

func (r *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(escapeGlob(prefix))+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "redis SCAN %q: %v", prefix, err).WithCause(err)
	}
	sort.Strings(keys)
	return keys, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ Store = (*RedisStore)(nil)

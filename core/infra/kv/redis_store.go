package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cordum/jobgate/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	scanBatch       = 256
)

// RedisStore implements Store on Redis. Keys are laid out as
// "@namespace_<ns>:<key>" so namespaces never collide.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore dials Redis and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client; the store takes ownership of it.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks that the backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key, namespace string) ([]byte, error) {
	val, err := s.client.Get(ctx, fullKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix, namespace string) ([]string, error) {
	nsPrefix := fullKey(namespace, "")
	pattern := escapeGlob(nsPrefix+prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
		}
		for _, k := range batch {
			seen[strings.TrimPrefix(k, nsPrefix)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, overwrite bool, namespace string) (bool, error) {
	k := fullKey(namespace, key)
	if overwrite {
		n, err := s.client.Exists(ctx, k).Result()
		if err != nil {
			return false, fmt.Errorf("kv put %q: %w", key, err)
		}
		if err := s.client.Set(ctx, k, value, 0).Err(); err != nil {
			return false, fmt.Errorf("kv put %q: %w", key, err)
		}
		return n == 0, nil
	}
	added, err := s.client.SetNX(ctx, k, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("kv put %q: %w", key, err)
	}
	return added, nil
}

func (s *RedisStore) Del(ctx context.Context, key, namespace string) error {
	if err := s.client.Del(ctx, fullKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("kv del %q: %w", key, err)
	}
	return nil
}

func fullKey(namespace, key string) string {
	return "@namespace_" + namespace + ":" + key
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/jobgate/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const defaultRedisURL = "redis://localhost:6379"

// RedisStore implements package storage using Redis. Unpinned packages live for
// the retention period; a pin extends the expiry to at least the pin TTL.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore constructs a package store backed by Redis. A zero retention
// keeps packages until deleted.
func NewRedisStore(ctx context.Context, url string, retention time.Duration) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client, retention), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention < 0 {
		retention = 0
	}
	return &RedisStore{client: client, retention: retention, now: time.Now}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Upload(ctx context.Context, uri string, content []byte) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("package store unavailable")
	}
	meta := Metadata{SizeBytes: int64(len(content)), UploadedAt: s.now().UTC()}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, packageKey(uri), content, s.retention)
	pipe.Set(ctx, packageMetaKey(uri), payload, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upload package %s: %w", uri, err)
	}
	return nil
}

func (s *RedisStore) Pin(ctx context.Context, uri string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("package store unavailable")
	}
	if ttl <= 0 {
		return fmt.Errorf("pin ttl must be positive")
	}
	if err := s.client.Set(ctx, packagePinKey(uri), s.now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("pin package %s: %w", uri, err)
	}
	if s.retention == 0 {
		return nil
	}
	// extend only; a longer remaining life is kept
	for _, key := range []string{packageKey(uri), packageMetaKey(uri)} {
		current, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("pin package %s: %w", uri, err)
		}
		if current > 0 && current < ttl {
			if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
				return fmt.Errorf("pin package %s: %w", uri, err)
			}
		}
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, uri string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("package store unavailable")
	}
	n, err := s.client.Exists(ctx, packageKey(uri)).Result()
	if err != nil {
		return false, fmt.Errorf("check package %s: %w", uri, err)
	}
	return n > 0, nil
}

func packageKey(uri string) string {
	return "pkg:" + uri
}

func packageMetaKey(uri string) string {
	return "pkg:meta:" + uri
}

func packagePinKey(uri string) string {
	return "pkg:pin:" + uri
}

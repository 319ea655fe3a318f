// Package cache defines the shared raw-bytes tier behind the decoded tile cache.
package cache

import (
	"context"
	"time"
)

// Interface is implemented by redisstore.Client.
type Interface interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	DeleteMatching(ctx context.Context, pattern string) (int64, error)
}

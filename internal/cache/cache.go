package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// TTL reports the remaining time-to-live for key. Returns (0, false) if
	// key is absent or has no expiry, so callers fall back to a safe default.
	TTL(ctx context.Context, key string) (time.Duration, bool)
}

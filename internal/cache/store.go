// Package cache stores aggregated user data with a time-to-live. Expiry is
// checked when an entry is read; there is no background sweep.
package cache

import (
	"context"
	"time"

	"github.com/pitabwire/userbar/model"
)

// Store is a key-value store with per-entry TTL.
//
// Get returns model.ErrCacheMiss for absent or expired keys. Failures of the
// underlying storage are returned wrapped in model.ErrCacheUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (model.AttributeMap, error)
	Set(ctx context.Context, key string, value model.AttributeMap, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key returns the cache key for a user's aggregated data.
func Key(id model.Identity) string {
	return "userbar:user:" + string(id)
}

// Package cache provides a small generic TTL cache used for short-lived
// memoization, such as the negative-lookup cache in front of the instance
// store. The credential cache proper lives in internal/credential; its
// semantics (partial mutation, attempt counters, sweeps) are richer than a
// TTL map.
package cache

import (
	"context"
)

// TTLCache is the interface for TTL-bounded cache implementations. The
// generic type T is the cached value.
type TTLCache[T any] interface {
	// Get retrieves a value. Returns the value, whether it was present,
	// and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value under the key.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes the key.
	Invalidate(ctx context.Context, key string) error

	// Close releases resources held by the cache.
	Close() error
}

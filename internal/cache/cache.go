// Package cache provides namespaced key-value caches with per-entry TTL.
// The verification layers keep their browser-session and bearer-token
// results in separate namespaces so entries can never cross over.
package cache

import (
	"context"
	"time"
)

// Cache is a single namespace of the shared cache.
type Cache interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or its TTL elapsed.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value under key. A non-positive ttl stores the entry
	// without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Factory hands out caches by namespace. Namespaces with different names
// never share entries.
type Factory interface {
	Named(namespace string) Cache
}

// Package cache provides the byte-oriented cache collaborator used for user
// history and transient assessment results. Failures are expected to degrade
// to cache misses at every call site, never to assessment failures.
package cache

import (
	"context"
	"time"
)

// Cache is the minimal get/set contract the analysis pipeline consumes.
type Cache interface {
	// Get returns the cached value and whether the key was present. A
	// backend failure returns (nil, false, err); callers treat any error
	// as a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

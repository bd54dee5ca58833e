// Package store provides the key-value persistence layer for the gateway.
//
// Everything the proxy remembers between requests lives here: the provider
// chain, allowed client tokens, runtime settings, and per-provider circuit
// breaker state. Values are opaque strings; callers own serialization.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, recommended for production clusters.
//   - MemoryStore — in-process TTL store, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
package store

import (
	"context"
	"time"
)

// Store is the opaque string key-value interface used by every subsystem
// that persists state. A zero TTL means the entry never expires.
type Store interface {
	// Get returns the value for key. The second return is false on a miss.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores value under key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

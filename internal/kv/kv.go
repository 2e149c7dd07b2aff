// Package kv defines the key-value abstraction the local journal persists
// through. Backends honour an explicit per-key TTL so a stale session
// record disappears even if nobody reads it again.
//
// Backends:
//   - memkv: in-process map, for tests and ephemeral use
//   - sqlitekv: single-file SQLite database (default)
//   - badgerkv: embedded BadgerDB directory
//   - rediskv: shared Redis instance
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a byte-oriented key-value store with TTL.
//
// A ttl of zero means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Keys lists unexpired keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

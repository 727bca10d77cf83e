// Package store abstracts the shared keyed state the pipeline runs on:
// stage queues, open-batch sets, partial results and scheduler cadence.
// All components go through the narrow KeyedStore surface so tests can run
// against the in-memory implementation.
package store

import (
	"context"
	"time"
)

// KeyedStore is the shared mutable state surface. Implementations must make
// every operation atomic on its own; callers never hold locks across calls.
type KeyedStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetEx sets the value with an expiry. ttl <= 0 means no expiry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the value only if the key is absent and reports whether it
	// was set. Used as a write-once claim.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSet replaces the value only if the current value equals old.
	// An empty old means "key must be absent".
	CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	// Del removes keys; missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// RPush appends values to the tail of a list queue.
	RPush(ctx context.Context, key string, values ...string) error
	// LPop removes and returns the head of a list queue.
	LPop(ctx context.Context, key string) (string, bool, error)
	// LLen returns the length of a list queue.
	LLen(ctx context.Context, key string) (int64, error)

	// MGet returns one entry per key; nil for absent keys.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// SAddCapped adds a member to a set only while the set holds fewer than
	// limit members. Adding an existing member always succeeds.
	SAddCapped(ctx context.Context, key, member string, limit int64) (bool, error)
	// SRem removes a member; removing an absent member is a no-op.
	SRem(ctx context.Context, key, member string) error
	// SCard returns the set cardinality.
	SCard(ctx context.Context, key string) (int64, error)
	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ScanKeys returns all keys matching a glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

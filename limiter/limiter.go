// Package limiter bounds how many bulk jobs may be open at once, globally
// and per caller credential. Both counts live in shared-store sets so every
// replica of the service observes the same admission state.
package limiter

import (
	"context"
	"fmt"
	"time"

	"lot-describe-pipeline/store"
)

const (
	globalSetKey     = "open_batches:global"
	perKeyPrefix     = "open_batches:key:"
	defaultRetryHint = time.Minute
)

// CapacityExceededError is returned when a registration would exceed an
// admission ceiling. RetryAfter is the suggested backoff for the caller.
type CapacityExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("active batch limit reached (%s), retry after %s", e.Scope, e.RetryAfter)
}

// Limiter enforces the global and per-caller open-batch ceilings.
type Limiter struct {
	store       store.KeyedStore
	globalLimit int64
	perKeyLimit int64
	retryHint   time.Duration
}

// New creates a limiter with the configured ceilings.
func New(st store.KeyedStore, globalLimit, perKeyLimit int64) *Limiter {
	return &Limiter{
		store:       st,
		globalLimit: globalLimit,
		perKeyLimit: perKeyLimit,
		retryHint:   defaultRetryHint,
	}
}

func perKeySetKey(callerKey string) string {
	return perKeyPrefix + callerKey
}

// Register records jobID as open for callerKey. It succeeds only while both
// the global count and the caller's count are strictly below their ceilings;
// otherwise it returns a CapacityExceededError and leaves no state behind.
func (l *Limiter) Register(ctx context.Context, callerKey, jobID string) error {
	ok, err := l.store.SAddCapped(ctx, globalSetKey, jobID, l.globalLimit)
	if err != nil {
		return fmt.Errorf("failed to register batch globally: %w", err)
	}
	if !ok {
		return &CapacityExceededError{Scope: "global", RetryAfter: l.retryHint}
	}

	ok, err = l.store.SAddCapped(ctx, perKeySetKey(callerKey), jobID, l.perKeyLimit)
	if err != nil {
		// Roll the global registration back so the failed attempt holds
		// no capacity.
		_ = l.store.SRem(ctx, globalSetKey, jobID)
		return fmt.Errorf("failed to register batch for caller: %w", err)
	}
	if !ok {
		_ = l.store.SRem(ctx, globalSetKey, jobID)
		return &CapacityExceededError{Scope: "caller " + callerKey, RetryAfter: l.retryHint}
	}
	return nil
}

// Finish removes jobID from both sets. Removing an absent id is a no-op,
// so Finish is safe to call more than once.
func (l *Limiter) Finish(ctx context.Context, callerKey, jobID string) error {
	if err := l.store.SRem(ctx, globalSetKey, jobID); err != nil {
		return fmt.Errorf("failed to release global batch slot: %w", err)
	}
	if err := l.store.SRem(ctx, perKeySetKey(callerKey), jobID); err != nil {
		return fmt.Errorf("failed to release caller batch slot: %w", err)
	}
	return nil
}

// OpenCount returns the number of currently open bulk jobs.
func (l *Limiter) OpenCount(ctx context.Context) (int64, error) {
	return l.store.SCard(ctx, globalSetKey)
}

// Saturated reports whether the global ceiling is already reached.
func (l *Limiter) Saturated(ctx context.Context) (bool, error) {
	count, err := l.OpenCount(ctx)
	if err != nil {
		return false, err
	}
	return count >= l.globalLimit, nil
}

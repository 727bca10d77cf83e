package limiter

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lot-describe-pipeline/store"
)

func TestRegisterGlobalCeiling(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), 3, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Register(ctx, "caller-a", fmt.Sprintf("batch-%d", i)))
	}

	err := l.Register(ctx, "caller-b", "batch-over")
	var capErr *CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "global", capErr.Scope)
	assert.Greater(t, capErr.RetryAfter.Seconds(), 0.0)

	count, err := l.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Capacity frees up again after a finish.
	require.NoError(t, l.Finish(ctx, "caller-a", "batch-0"))
	assert.NoError(t, l.Register(ctx, "caller-b", "batch-over"))
}

func TestRegisterPerKeyCeiling(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), 10, 2)

	require.NoError(t, l.Register(ctx, "caller-a", "batch-1"))
	require.NoError(t, l.Register(ctx, "caller-a", "batch-2"))

	err := l.Register(ctx, "caller-a", "batch-3")
	var capErr *CapacityExceededError
	require.ErrorAs(t, err, &capErr)

	// The rejected registration must not hold a global slot.
	count, err := l.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Other callers are unaffected.
	assert.NoError(t, l.Register(ctx, "caller-b", "batch-3"))
}

func TestFinishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), 10, 10)

	require.NoError(t, l.Register(ctx, "caller-a", "batch-1"))
	require.NoError(t, l.Finish(ctx, "caller-a", "batch-1"))
	require.NoError(t, l.Finish(ctx, "caller-a", "batch-1"))

	count, err := l.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Finishing an id that was never registered is a no-op too.
	assert.NoError(t, l.Finish(ctx, "caller-a", "never-registered"))
}

func TestConcurrentRegistersRespectCeiling(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), 5, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := l.Register(ctx, fmt.Sprintf("caller-%d", n%7), fmt.Sprintf("batch-%d", n)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	count, err := l.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestSaturated(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), 1, 5)

	saturated, err := l.Saturated(ctx)
	require.NoError(t, err)
	assert.False(t, saturated)

	require.NoError(t, l.Register(ctx, "caller-a", "batch-1"))
	saturated, err = l.Saturated(ctx)
	require.NoError(t, err)
	assert.True(t, saturated)
}

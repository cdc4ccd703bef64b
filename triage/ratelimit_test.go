package triage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_EleventhCallFails(t *testing.T) {
	l := NewMemoryLimiter(10)
	base := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(ctx, "user-1"), "call %d", i+1)
	}
	assert.ErrorIs(t, l.Allow(ctx, "user-1"), ErrRateLimitExceeded)
}

func TestMemoryLimiter_WindowResetsOnHourBoundary(t *testing.T) {
	l := NewMemoryLimiter(2)
	base := time.Date(2025, 6, 1, 12, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-1"))
	require.NoError(t, l.Allow(ctx, "user-1"))
	assert.ErrorIs(t, l.Allow(ctx, "user-1"), ErrRateLimitExceeded)

	l.now = func() time.Time { return base.Add(2 * time.Minute) } // 13:01, new window
	assert.NoError(t, l.Allow(ctx, "user-1"))
}

func TestMemoryLimiter_CallersAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-1"))
	assert.ErrorIs(t, l.Allow(ctx, "user-1"), ErrRateLimitExceeded)
	assert.NoError(t, l.Allow(ctx, "user-2"))
}

func TestMemoryLimiter_ConcurrentCallsStayWithinLimit(t *testing.T) {
	const limit = 10
	const callers = 50

	l := NewMemoryLimiter(limit)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Allow(ctx, "shared-user"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)
}

func TestMemoryLimiter_SweepDropsStaleBuckets(t *testing.T) {
	l := NewMemoryLimiter(5)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-1"))
	require.NoError(t, l.Allow(ctx, "user-2"))

	l.now = func() time.Time { return base.Add(3 * time.Hour) }
	require.NoError(t, l.Allow(ctx, "user-3"))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.windows, "user-1")
	assert.NotContains(t, l.windows, "user-2")
	assert.Contains(t, l.windows, "user-3")
}

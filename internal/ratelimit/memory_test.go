package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { _ = m.Close() })
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	ctx := context.Background()
	for i := range 3 {
		ok, err := m.Allow(ctx, "ada")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within the burst", i)
	}
	ok, err := m.Allow(ctx, "ada")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefills(t *testing.T) {
	m, now := newTestLimiter(t, 2, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "ada")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "ada")
	require.False(t, ok)

	*now = now.Add(500 * time.Millisecond)
	ok, _ = m.Allow(ctx, "ada")
	assert.True(t, ok)

	// Idle time never banks more than the burst.
	*now = now.Add(time.Hour)
	ok, _ = m.Allow(ctx, "ada")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "ada")
	assert.False(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()
	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 25)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(ctx, "shared"); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, allowed)
}

func TestMemoryLimiterEvictIdle(t *testing.T) {
	m, now := newTestLimiter(t, 1, 1)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "old")
	*now = now.Add(staleAfter + time.Second)
	_, _ = m.Allow(ctx, "fresh")

	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestRetryAfterAndClose(t *testing.T) {
	m := NewMemoryLimiter(4, 1)
	assert.Equal(t, 250*time.Millisecond, m.RetryAfter())
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())

	ok, err := NoopLimiter{}.Allow(context.Background(), "x")
	assert.NoError(t, err)
	assert.True(t, ok)
}

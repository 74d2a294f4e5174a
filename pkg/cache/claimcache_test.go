package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stablemint/merkledrop/pkg/testutil"
)

type mockChecker struct {
	mu            sync.Mutex
	calls         int
	IsClaimedFunc func(ctx context.Context, distributionID uint64, index uint32) (bool, error)
}

func (m *mockChecker) IsClaimed(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.IsClaimedFunc(ctx, distributionID, index)
}

func (m *mockChecker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testCache(t *testing.T, checker Checker, clock clockwork.Clock, ttl time.Duration) *ClaimCache {
	t.Helper()
	c, err := NewClaimCache(ClaimCacheConfig{
		Logger:  testutil.NewLogger(),
		Clock:   clock,
		Checker: checker,
		TTL:     ttl,
	})
	require.NoError(t, err)
	return c
}

func TestMerkledrop_Cache_Claimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("repeated lookups within the TTL hit the chain once", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		checker := &mockChecker{
			IsClaimedFunc: func(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
				return true, nil
			},
		}
		c := testCache(t, checker, clock, 30*time.Second)

		for i := 0; i < 5; i++ {
			require.True(t, c.Claimed(ctx, 1, 0))
		}
		require.Equal(t, 1, checker.callCount())
	})

	t.Run("expiry triggers exactly one refresh", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		checker := &mockChecker{
			IsClaimedFunc: func(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
				return false, nil
			},
		}
		c := testCache(t, checker, clock, 30*time.Second)

		require.False(t, c.Claimed(ctx, 1, 0))
		clock.Advance(31 * time.Second)
		require.False(t, c.Claimed(ctx, 1, 0))
		require.False(t, c.Claimed(ctx, 1, 0))
		require.Equal(t, 2, checker.callCount())
	})

	t.Run("entries at distinct indexes are independent", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		checker := &mockChecker{
			IsClaimedFunc: func(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
				return index == 0, nil
			},
		}
		c := testCache(t, checker, clock, 30*time.Second)

		require.True(t, c.Claimed(ctx, 1, 0))
		require.False(t, c.Claimed(ctx, 1, 1))
		require.Equal(t, 2, checker.callCount())
		require.Equal(t, 2, c.Len())
	})

	t.Run("checker failure degrades to unclaimed and is not cached", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		fail := true
		checker := &mockChecker{
			IsClaimedFunc: func(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
				if fail {
					return false, errors.New("rpc down")
				}
				return true, nil
			},
		}
		c := testCache(t, checker, clock, 30*time.Second)

		require.False(t, c.Claimed(ctx, 1, 0))
		require.Equal(t, 0, c.Len(), "failed lookups must not populate the cache")

		fail = false
		require.True(t, c.Claimed(ctx, 1, 0), "next lookup retries the chain")
		require.Equal(t, 2, checker.callCount())
	})

	t.Run("concurrent lookups return consistent values", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		checker := &mockChecker{
			IsClaimedFunc: func(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
				return true, nil
			},
		}
		c := testCache(t, checker, clock, 30*time.Second)

		var wg sync.WaitGroup
		results := make(chan bool, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- c.Claimed(ctx, 1, 0)
			}()
		}
		wg.Wait()
		close(results)
		for got := range results {
			require.True(t, got)
		}
	})
}

func TestMerkledrop_Cache_Invalidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	checker := &mockChecker{
		IsClaimedFunc: func(ctx context.Context, distributionID uint64, index uint32) (bool, error) {
			return false, nil
		},
	}
	c := testCache(t, checker, clock, time.Minute)

	require.False(t, c.Claimed(ctx, 1, 0))
	require.False(t, c.Claimed(ctx, 1, 1))
	require.False(t, c.Claimed(ctx, 2, 0))
	require.Equal(t, 3, c.Len())

	c.Invalidate(1)
	require.Equal(t, 1, c.Len(), "only distribution 2 entries survive")

	// Invalidated entries refetch, the surviving one does not.
	before := checker.callCount()
	require.False(t, c.Claimed(ctx, 1, 0))
	require.False(t, c.Claimed(ctx, 2, 0))
	require.Equal(t, before+1, checker.callCount())
}

func TestMerkledrop_Cache_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewClaimCache(ClaimCacheConfig{Logger: testutil.NewLogger()})
	require.Error(t, err, "checker is required")

	c, err := NewClaimCache(ClaimCacheConfig{
		Logger: testutil.NewLogger(),
		Checker: &mockChecker{IsClaimedFunc: func(ctx context.Context, id uint64, idx uint32) (bool, error) {
			return false, nil
		}},
	})
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, c.cfg.TTL)
}

package store

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stablemint/merkledrop/pkg/distribution"
	"github.com/stablemint/merkledrop/pkg/testutil"
)

func testStore(t *testing.T, clock clockwork.Clock) *Memory {
	t.Helper()
	m, err := NewMemory(MemoryConfig{Logger: testutil.NewLogger(), Clock: clock})
	require.NoError(t, err)
	return m
}

func testRecord(id uint64, addresses ...string) *distribution.Distribution {
	d := &distribution.Distribution{
		ID:           id,
		TotalRewards: new(big.Int),
		Claims:       make(map[string]*distribution.Claim),
		Metadata: distribution.Metadata{
			GeneratedAt:         time.Now().UTC(),
			EligibleHolderCount: len(addresses),
			TotalHolderCount:    len(addresses),
		},
	}
	for i, addr := range addresses {
		amount := big.NewInt(int64(i+1) * 1_000_000)
		d.Claims[addr] = &distribution.Claim{
			Index:   uint32(i),
			Account: addr,
			Amount:  amount,
		}
		d.TotalRewards.Add(d.TotalRewards, amount)
	}
	return d
}

const (
	userA = "0x00000000000000000000000000000000000000aa"
	userB = "0x00000000000000000000000000000000000000bb"
	userC = "0x00000000000000000000000000000000000000cc"
)

func TestMerkledrop_Store_CreateGetList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t, clockwork.NewRealClock())

	require.NoError(t, s.Create(ctx, testRecord(1, userA)))
	require.NoError(t, s.Create(ctx, testRecord(3, userA)))
	require.NoError(t, s.Create(ctx, testRecord(2, userA)))

	t.Run("duplicate id is rejected", func(t *testing.T) {
		require.ErrorIs(t, s.Create(ctx, testRecord(1, userA)), ErrAlreadyExists)
	})

	t.Run("get unknown id", func(t *testing.T) {
		_, err := s.Get(ctx, 99)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list is newest first", func(t *testing.T) {
		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, uint64(3), all[0].ID)
		require.Equal(t, uint64(2), all[1].ID)
		require.Equal(t, uint64(1), all[2].ID)
	})

	t.Run("returned records are isolated copies", func(t *testing.T) {
		d, err := s.Get(ctx, 1)
		require.NoError(t, err)
		d.Claims[userA].Claimed = true

		fresh, err := s.Get(ctx, 1)
		require.NoError(t, err)
		require.False(t, fresh.Claims[userA].Claimed)
	})
}

func TestMerkledrop_Store_MarkClaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("marks a claim and is idempotent-guarded on repeat", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		s := testStore(t, clock)
		require.NoError(t, s.Create(ctx, testRecord(1, userA, userB)))

		d, err := s.MarkClaimed(ctx, 1, userA, big.NewInt(1_000_000), "0xabc")
		require.NoError(t, err)
		require.True(t, d.Claims[userA].Claimed)
		require.Equal(t, "0xabc", d.Claims[userA].ClaimTxHash)
		require.NotNil(t, d.Claims[userA].ClaimedAt)
		require.False(t, d.Metadata.FullyClaimed)

		firstClaimedAt := *d.Claims[userA].ClaimedAt
		clock.Advance(time.Minute)

		_, err = s.MarkClaimed(ctx, 1, userA, big.NewInt(1_000_000), "0xabc")
		require.ErrorIs(t, err, distribution.ErrAlreadyClaimed)

		var conflict *distribution.ClaimConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, firstClaimedAt, conflict.ClaimedAt)

		// The stored state is unchanged by the rejected call.
		fresh, err := s.Get(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, firstClaimedAt, *fresh.Claims[userA].ClaimedAt)
	})

	t.Run("address matching is case-insensitive", func(t *testing.T) {
		t.Parallel()
		s := testStore(t, clockwork.NewRealClock())
		require.NoError(t, s.Create(ctx, testRecord(1, userA)))

		_, err := s.MarkClaimed(ctx, 1, "0x00000000000000000000000000000000000000AA", big.NewInt(1), "")
		require.NoError(t, err)
	})

	t.Run("unknown address fails with claim not found", func(t *testing.T) {
		t.Parallel()
		s := testStore(t, clockwork.NewRealClock())
		require.NoError(t, s.Create(ctx, testRecord(1, userA)))

		_, err := s.MarkClaimed(ctx, 1, userC, big.NewInt(1), "")
		require.ErrorIs(t, err, distribution.ErrClaimNotFound)
	})

	t.Run("fully claimed is stamped once and never reset", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		s := testStore(t, clock)
		require.NoError(t, s.Create(ctx, testRecord(1, userA, userB)))

		_, err := s.MarkClaimed(ctx, 1, userA, big.NewInt(1_000_000), "")
		require.NoError(t, err)
		clock.Advance(time.Hour)

		d, err := s.MarkClaimed(ctx, 1, userB, big.NewInt(2_000_000), "")
		require.NoError(t, err)
		require.True(t, d.Metadata.FullyClaimed)
		require.NotNil(t, d.Metadata.FullyClaimedAt)
		require.Equal(t, clock.Now().UTC(), *d.Metadata.FullyClaimedAt)
	})

	t.Run("concurrent claims by different users never lose updates", func(t *testing.T) {
		t.Parallel()
		s := testStore(t, clockwork.NewRealClock())

		users := make([]string, 50)
		for i := range users {
			users[i] = fmt.Sprintf("0x%040x", i+1)
		}
		require.NoError(t, s.Create(ctx, testRecord(1, users...)))

		var wg sync.WaitGroup
		errs := make(chan error, len(users))
		for _, u := range users {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := s.MarkClaimed(ctx, 1, u, big.NewInt(1), "")
				errs <- err
			}(u)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		d, err := s.Get(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, len(users), d.ClaimedCount())
		require.True(t, d.Metadata.FullyClaimed)
	})
}

func TestMerkledrop_Store_MarkReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reclaim is a one-shot transition", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		s := testStore(t, clock)
		require.NoError(t, s.Create(ctx, testRecord(7, userA)))

		d, err := s.MarkReclaimed(ctx, 7, big.NewInt(500), "0xdef")
		require.NoError(t, err)
		require.True(t, d.Metadata.Reclaimed)
		require.NotNil(t, d.Metadata.ReclaimedAt)
		firstReclaimedAt := *d.Metadata.ReclaimedAt

		clock.Advance(time.Hour)
		_, err = s.MarkReclaimed(ctx, 7, big.NewInt(500), "0xdef")
		require.ErrorIs(t, err, distribution.ErrAlreadyReclaimed)

		var conflict *distribution.ReclaimConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, firstReclaimedAt, conflict.ReclaimedAt)

		fresh, err := s.Get(ctx, 7)
		require.NoError(t, err)
		require.Equal(t, firstReclaimedAt, *fresh.Metadata.ReclaimedAt)
	})

	t.Run("unknown id fails with not found", func(t *testing.T) {
		t.Parallel()
		s := testStore(t, clockwork.NewRealClock())
		_, err := s.MarkReclaimed(ctx, 42, big.NewInt(1), "")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

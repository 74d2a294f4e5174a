package chain

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stablemint/merkledrop/pkg/testutil"
)

func testReader(t *testing.T, endpoints []string, maxRetries int) *Reader {
	t.Helper()
	r, err := NewReader(ReaderConfig{
		Logger:            testutil.NewLogger(),
		Endpoints:         endpoints,
		Timeout:           time.Second,
		MaxRetries:        maxRetries,
		RetryDelay:        time.Millisecond,
		BackoffMultiplier: 2.0,
	})
	require.NoError(t, err)
	return r
}

func TestMerkledrop_Chain_Reader_Execute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("first attempt success uses the primary endpoint", func(t *testing.T) {
		t.Parallel()
		r := testReader(t, []string{"primary", "secondary"}, 3)

		var used []string
		err := r.Execute(ctx, func(ctx context.Context, endpoint string) error {
			used = append(used, endpoint)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"primary"}, used)
	})

	t.Run("retries the same endpoint before advancing", func(t *testing.T) {
		t.Parallel()
		r := testReader(t, []string{"primary", "secondary"}, 3)

		var used []string
		err := r.Execute(ctx, func(ctx context.Context, endpoint string) error {
			used = append(used, endpoint)
			if len(used) < 4 {
				return errors.New("rpc error: execution reverted (code -32000)")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"primary", "primary", "primary", "secondary"}, used)
	})

	t.Run("connection failure advances immediately with a fresh attempt counter", func(t *testing.T) {
		t.Parallel()
		r := testReader(t, []string{"dead", "alive"}, 3)

		var used []string
		err := r.Execute(ctx, func(ctx context.Context, endpoint string) error {
			used = append(used, endpoint)
			if endpoint == "dead" {
				return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"dead", "alive"}, used)
	})

	t.Run("exhausts every endpoint before failing", func(t *testing.T) {
		t.Parallel()
		r := testReader(t, []string{"a", "b"}, 2)

		calls := 0
		err := r.Execute(ctx, func(ctx context.Context, endpoint string) error {
			calls++
			return errors.New("boom")
		})
		require.ErrorIs(t, err, ErrAllProvidersExhausted)
		require.Equal(t, 4, calls, "2 endpoints x 2 retries")
	})

	t.Run("context cancellation aborts without exhausting", func(t *testing.T) {
		t.Parallel()
		r := testReader(t, []string{"a", "b"}, 3)

		cancelCtx, cancel := context.WithCancel(ctx)
		calls := 0
		err := r.Execute(cancelCtx, func(ctx context.Context, endpoint string) error {
			calls++
			cancel()
			return errors.New("boom")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})

	t.Run("per-attempt timeout is enforced", func(t *testing.T) {
		t.Parallel()
		r, err := NewReader(ReaderConfig{
			Logger:     testutil.NewLogger(),
			Endpoints:  []string{"slow"},
			Timeout:    10 * time.Millisecond,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
		})
		require.NoError(t, err)

		err = r.Execute(ctx, func(ctx context.Context, endpoint string) error {
			<-ctx.Done()
			return ctx.Err()
		})
		require.ErrorIs(t, err, ErrAllProvidersExhausted)
	})

	t.Run("safe under concurrent callers", func(t *testing.T) {
		t.Parallel()
		r := testReader(t, []string{"a"}, 1)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- r.Execute(ctx, func(ctx context.Context, endpoint string) error {
					return nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})
}

func TestMerkledrop_Chain_Reader_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewReader(ReaderConfig{Logger: testutil.NewLogger()})
	require.Error(t, err, "endpoints are required")
}

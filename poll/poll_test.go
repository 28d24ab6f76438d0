package poll

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestUntilSucceeds(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "count", time.Millisecond, time.Second, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Pending("calls=%d", calls)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestUntilTimeout(t *testing.T) {
	start := time.Now()
	err := Until(context.Background(), "never", 5*time.Millisecond, 50*time.Millisecond, func(ctx context.Context) error {
		return Pending("still waiting")
	})
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.Less(t, time.Since(start), 2*time.Second)

	terr := err.(*TimeoutError)
	require.Equal(t, "never", terr.Op)
	require.Equal(t, "still waiting", terr.LastState)
	require.GreaterOrEqual(t, terr.Attempts, 1)
	require.GreaterOrEqual(t, terr.Elapsed, 50*time.Millisecond)
	require.Contains(t, terr.Error(), "last state: still waiting")
}

func TestUntilRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "flaky", time.Millisecond, time.Second, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	err = Until(context.Background(), "down", time.Millisecond, 20*time.Millisecond, func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	require.EqualError(t, terr.LastErr, "connection refused")
}

func TestUntilStopsOnPermanentError(t *testing.T) {
	calls := 0
	cause := errors.New("access denied")
	err := Until(context.Background(), "auth", time.Millisecond, time.Second, func(ctx context.Context) error {
		calls++
		return errors.Trace(Permanent(cause))
	})
	require.Equal(t, cause, err)
	require.Equal(t, 1, calls)
}

func TestUntilPassesDeadline(t *testing.T) {
	err := Until(context.Background(), "deadline", time.Millisecond, time.Second, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestUntilParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Until(ctx, "canceled", time.Millisecond, time.Second, func(ctx context.Context) error {
		return Pending("x")
	})
	require.Error(t, err)
	require.False(t, IsTimeout(err))
	require.Equal(t, context.Canceled, err)
}

func TestUntilRejectsBadTimeout(t *testing.T) {
	require.Error(t, Until(context.Background(), "bad", time.Millisecond, 0, func(ctx context.Context) error { return nil }))
}

func TestUntilKeepsStateFromBeforeDeadline(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "slow", 5*time.Millisecond, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Pending("seen once")
		}
		<-ctx.Done()
		return errors.Annotate(ctx.Err(), "sweep")
	})
	require.True(t, IsTimeout(err))

	terr := err.(*TimeoutError)
	require.Equal(t, "seen once", terr.LastState)
	require.NoError(t, terr.LastErr)
	require.GreaterOrEqual(t, terr.Attempts, 2)
}

func TestUntilRecordsDeadlineErrorWhenNothingElseSeen(t *testing.T) {
	err := Until(context.Background(), "stuck", 5*time.Millisecond, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.True(t, IsTimeout(err))
	require.Equal(t, context.DeadlineExceeded, err.(*TimeoutError).LastErr)
}

package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastBackoff() Backoff {
	return Backoff{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestPollDone(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), fastBackoff(), time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPollDeadline(t *testing.T) {
	err := Poll(context.Background(), fastBackoff(), 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, ErrDeadline)
}

func TestPollCheckError(t *testing.T) {
	boom := errors.New("boom")
	err := Poll(context.Background(), fastBackoff(), time.Second, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestPollContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, fastBackoff(), time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

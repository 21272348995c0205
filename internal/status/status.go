package status

import (
	"context"
	"errors"
	"time"
)

// ErrDeadline reports that polling gave up before the condition became
// terminal. The caller must re-check chain state before treating the
// underlying operation as failed.
var ErrDeadline = errors.New("status: deadline reached while polling")

// Backoff bounds the polling cadence.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        15 * time.Second,
		Multiplier: 1.5,
	}
}

// Poll invokes check with exponential backoff until it reports done, the
// timeout passes (ErrDeadline), or ctx is cancelled. Errors from check are
// terminal.
func Poll(ctx context.Context, b Backoff, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	interval := b.Initial

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDeadline
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * b.Multiplier)
		if interval > b.Max {
			interval = b.Max
		}
	}
}

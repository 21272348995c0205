package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	ecommon "github.com/ethereum/go-ethereum/common"

	"github.com/dustsweep/sweeper/internal/pipeline"
	"github.com/dustsweep/sweeper/internal/status"
)

type submitterService struct {
	bundler *bundlerClient
	backoff status.Backoff
}

func newSubmitterService(bundler *bundlerClient, backoff status.Backoff) *submitterService {
	return &submitterService{
		bundler: bundler,
		backoff: backoff,
	}
}

// Submit broadcasts the exact payload bytes and returns the relay handle.
// Duplicate submissions of the same payload collapse at the relay on the
// wallet nonce; they never execute twice.
func (s *submitterService) Submit(ctx context.Context, payload []byte) (pipeline.Handle, error) {
	op, err := UnmarshalUserOperation(payload)
	if err != nil {
		return pipeline.Handle{}, fmt.Errorf("failed to parse payload: %w", err)
	}

	hash, err := s.bundler.Send(ctx, op)
	if err != nil {
		return pipeline.Handle{}, fmt.Errorf("failed to submit user operation: %w", err)
	}
	return pipeline.Handle{ID: hash.Hex()}, nil
}

// AwaitReceipt polls the bundler until the operation settles or timeout
// passes. Timeout yields a TimedOut receipt, not an error: the operation
// may still land after we stop waiting.
func (s *submitterService) AwaitReceipt(ctx context.Context, handle pipeline.Handle, timeout time.Duration) (pipeline.Receipt, error) {
	var receipt pipeline.Receipt

	err := status.Poll(ctx, s.backoff, timeout, func(ctx context.Context) (bool, error) {
		r, found, err := s.CheckInclusion(ctx, handle)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		receipt = r
		return true, nil
	})
	if errors.Is(err, status.ErrDeadline) {
		return pipeline.Receipt{Handle: handle, Status: pipeline.ReceiptTimedOut}, nil
	}
	if err != nil {
		return pipeline.Receipt{}, fmt.Errorf("failed to await receipt: %w", err)
	}
	return receipt, nil
}

// CheckInclusion performs one receipt lookup without waiting.
func (s *submitterService) CheckInclusion(ctx context.Context, handle pipeline.Handle) (pipeline.Receipt, bool, error) {
	r, err := s.bundler.GetReceipt(ctx, ecommon.HexToHash(handle.ID))
	if err != nil {
		return pipeline.Receipt{}, false, fmt.Errorf("failed to get receipt: %w", err)
	}
	if r == nil {
		return pipeline.Receipt{}, false, nil
	}

	out := pipeline.Receipt{
		Handle: handle,
		TxHash: r.Receipt.TransactionHash.Hex(),
	}
	if r.Receipt.BlockNumber != nil {
		out.Block = r.Receipt.BlockNumber.ToInt().Uint64()
	}
	if r.Success {
		out.Status = pipeline.ReceiptIncluded
	} else {
		out.Status = pipeline.ReceiptReverted
	}
	return out, true, nil
}

package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/dustsweep/sweeper/internal/pipeline"
	"github.com/dustsweep/sweeper/internal/status"
)

type submitterService struct {
	rpcClient *rpc.Client
	backoff   status.Backoff
}

func newSubmitterService(rpcClient *rpc.Client, backoff status.Backoff) *submitterService {
	return &submitterService{
		rpcClient: rpcClient,
		backoff:   backoff,
	}
}

// Submit broadcasts a signed transaction. Preflight is skipped since the
// payload has already been simulated against current state.
func (s *submitterService) Submit(ctx context.Context, payload []byte) (pipeline.Handle, error) {
	tx, err := solana.TransactionFromBytes(payload)
	if err != nil {
		return pipeline.Handle{}, fmt.Errorf("failed to parse transaction: %w", err)
	}

	sig, err := s.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Blockhash not found") {
			return pipeline.Handle{}, pipeline.Errf(pipeline.KindStaleBlockhash,
				"blockhash expired before broadcast: %w", err)
		}
		return pipeline.Handle{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	return pipeline.Handle{ID: sig.String()}, nil
}

// AwaitReceipt polls signature status until the transaction is finalized
// or timeout passes. Timeout yields a TimedOut receipt, not an error: the
// transaction may still land after we stop waiting.
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

// CheckInclusion performs one signature status lookup without waiting.
// A signature unknown to the cluster reports not found; the blockhash
// window decides whether the caller retries or gives up.
func (s *submitterService) CheckInclusion(ctx context.Context, handle pipeline.Handle) (pipeline.Receipt, bool, error) {
	sig, err := solana.SignatureFromBase58(handle.ID)
	if err != nil {
		return pipeline.Receipt{}, false, fmt.Errorf("failed to parse signature: %w", err)
	}

	result, err := s.rpcClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return pipeline.Receipt{}, false, fmt.Errorf("failed to get signature status: %w", err)
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return pipeline.Receipt{}, false, nil
	}

	st := result.Value[0]
	if st.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
		return pipeline.Receipt{}, false, nil
	}

	out := pipeline.Receipt{
		Handle: handle,
		TxHash: handle.ID,
		Block:  st.Slot,
	}
	if st.Err != nil {
		out.Status = pipeline.ReceiptReverted
	} else {
		out.Status = pipeline.ReceiptIncluded
	}
	return out, true, nil
}

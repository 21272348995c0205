package sweep

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/pipeline"
)

// stubExecutor walks the whole pipeline happily unless authorizeErr is set.
type stubExecutor struct {
	authorizeErr error
	submits      int
}

func (s *stubExecutor) Resolve(_ context.Context, owner string) (pipeline.WalletDescriptor, error) {
	return pipeline.WalletDescriptor{Owner: owner, Address: "0xwallet", Deployed: true}, nil
}

func (s *stubExecutor) Authorize(_ context.Context, in intent.Intent, _ pipeline.WalletDescriptor) (pipeline.Authorization, error) {
	if s.authorizeErr != nil {
		return pipeline.Authorization{}, s.authorizeErr
	}
	return pipeline.Authorization{Owner: in.Owner, Nonce: big.NewInt(1), Deadline: in.Deadline}, nil
}

func (s *stubExecutor) Sponsor(_ context.Context, _ intent.Intent, _ pipeline.WalletDescriptor, _ pipeline.Authorization) (pipeline.SponsoredFee, error) {
	return pipeline.SponsoredFee{}, nil
}

func (s *stubExecutor) EstimateGas(_ context.Context, _ intent.Intent, _ pipeline.WalletDescriptor, _ pipeline.Authorization, _ pipeline.SponsoredFee) (pipeline.GasEstimate, error) {
	return pipeline.GasEstimate{}, nil
}

func (s *stubExecutor) Build(_ context.Context, _ intent.Intent, _ pipeline.WalletDescriptor, _ pipeline.Authorization, _ pipeline.SponsoredFee, _ pipeline.GasEstimate) (pipeline.BuiltOperation, error) {
	return pipeline.BuiltOperation{Payload: []byte("op"), Hash: "0xop"}, nil
}

func (s *stubExecutor) Simulate(_ context.Context, _ pipeline.BuiltOperation) (pipeline.SimulationOutcome, error) {
	return pipeline.SimulationOutcome{Success: true}, nil
}

func (s *stubExecutor) Submit(_ context.Context, op pipeline.BuiltOperation) (pipeline.Handle, error) {
	s.submits++
	return pipeline.Handle{ID: op.Hash}, nil
}

func (s *stubExecutor) AwaitReceipt(_ context.Context, handle pipeline.Handle, _ time.Duration) (pipeline.Receipt, error) {
	return pipeline.Receipt{Handle: handle, Status: pipeline.ReceiptIncluded, TxHash: handle.ID}, nil
}

func (s *stubExecutor) CheckInclusion(_ context.Context, handle pipeline.Handle) (pipeline.Receipt, bool, error) {
	return pipeline.Receipt{}, false, nil
}

func newTestConsumer(t *testing.T, exec *stubExecutor) (*Consumer, chain.Target) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	target := chain.Ethereum("http://localhost:8545", "", "")
	coordinator := pipeline.NewCoordinator(logger, pipeline.DefaultConfig(),
		map[string]pipeline.ChainExecutor{target.Name: exec}, nil)
	return NewConsumer(logger, coordinator, map[string]chain.Target{target.Name: target}), target
}

func newSweepTask(t *testing.T, target chain.Target) *asynq.Task {
	t.Helper()
	in, err := intent.New("0xowner", []intent.DestinationCall{{
		Target: "0x1111111111111111111111111111111111111111",
		Token:  "0x2222222222222222222222222222222222222222",
		Amount: big.NewInt(100),
		Data:   []byte{0x01},
	}}, time.Now().Add(time.Hour), target)
	require.NoError(t, err)

	task, err := NewTask(in)
	require.NoError(t, err)
	return task
}

func TestHandleSettles(t *testing.T) {
	exec := &stubExecutor{}
	consumer, target := newTestConsumer(t, exec)

	err := consumer.Handle(context.Background(), newSweepTask(t, target))
	require.NoError(t, err)
	require.Equal(t, 1, exec.submits)
}

func TestHandleBadPayloadSkipsRetry(t *testing.T) {
	consumer, _ := newTestConsumer(t, &stubExecutor{})

	task := asynq.NewTask(TypeSweepExecute, []byte("not json"))
	err := consumer.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleUnknownChainSkipsRetry(t *testing.T) {
	consumer, _ := newTestConsumer(t, &stubExecutor{})

	task := asynq.NewTask(TypeSweepExecute, []byte(`{"owner":"0xowner","chain":"base","calls":[{"target":"0x01","token":"0x02","amount":"1"}]}`))
	err := consumer.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTerminalFailureSkipsRetry(t *testing.T) {
	exec := &stubExecutor{authorizeErr: pipeline.Errf(pipeline.KindSignatureMismatch, "bad signature")}
	consumer, target := newTestConsumer(t, exec)

	err := consumer.Handle(context.Background(), newSweepTask(t, target))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, exec.submits)
}

func TestHandleTransientFailureRetries(t *testing.T) {
	exec := &stubExecutor{authorizeErr: pipeline.Errf(pipeline.KindFeeEstimationUnavailable, "fee oracle down")}
	consumer, target := newTestConsumer(t, exec)
	task := newSweepTask(t, target)

	err := consumer.Handle(context.Background(), task)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	// The terminal run was forgotten, so the retry executes fresh.
	exec.authorizeErr = nil
	err = consumer.Handle(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, 1, exec.submits)
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		kind pipeline.Kind
		want bool
	}{
		{pipeline.KindBundlerTimeout, true},
		{pipeline.KindFeeEstimationUnavailable, true},
		{pipeline.KindStaleBlockhash, true},
		{pipeline.KindSimulationReverted, false},
		{pipeline.KindSponsorshipRejected, false},
		{pipeline.KindSignatureMismatch, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			require.Equal(t, tt.want, retryable(pipeline.Errf(tt.kind, "boom")))
		})
	}
}

package solana

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type stubFeeSource struct {
	fees []uint64
	err  error
}

func (s *stubFeeSource) GetRecentPrioritizationFees(_ context.Context, _ solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]rpc.PriorizationFeeResult, 0, len(s.fees))
	for i, fee := range s.fees {
		out = append(out, rpc.PriorizationFeeResult{Slot: uint64(i), PrioritizationFee: fee})
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPriorityFeePercentiles(t *testing.T) {
	// 1..9 thousand, unsorted on the wire.
	source := &stubFeeSource{fees: []uint64{9_000, 2_000, 7_000, 1_000, 5_000, 3_000, 8_000, 4_000, 6_000}}
	svc := newFeeService(quietLogger(), source, FeePolicy{Floor: 1, Ceiling: 1_000_000, Fallback: 50_000})

	tests := []struct {
		urgency Urgency
		want    uint64
	}{
		{UrgencyLow, 3_000},
		{UrgencyMedium, 5_000},
		{UrgencyHigh, 7_000},
	}
	for _, tt := range tests {
		t.Run(string(tt.urgency), func(t *testing.T) {
			require.Equal(t, tt.want, svc.PriorityFee(context.Background(), nil, tt.urgency))
		})
	}
}

func TestPriorityFeeClamp(t *testing.T) {
	policy := FeePolicy{Floor: 10_000, Ceiling: 100_000, Fallback: 50_000}

	low := newFeeService(quietLogger(), &stubFeeSource{fees: []uint64{5}}, policy)
	require.Equal(t, uint64(10_000), low.PriorityFee(context.Background(), nil, UrgencyMedium))

	high := newFeeService(quietLogger(), &stubFeeSource{fees: []uint64{9_000_000}}, policy)
	require.Equal(t, uint64(100_000), high.PriorityFee(context.Background(), nil, UrgencyMedium))
}

func TestPriorityFeeFallback(t *testing.T) {
	policy := FeePolicy{Floor: 1, Ceiling: 1_000_000, Fallback: 50_000}

	broken := newFeeService(quietLogger(), &stubFeeSource{err: fmt.Errorf("rpc unavailable")}, policy)
	require.Equal(t, uint64(50_000), broken.PriorityFee(context.Background(), nil, UrgencyHigh))

	// Zero-fee samples carry no signal.
	empty := newFeeService(quietLogger(), &stubFeeSource{fees: []uint64{0, 0, 0}}, policy)
	require.Equal(t, uint64(50_000), empty.PriorityFee(context.Background(), nil, UrgencyMedium))
}

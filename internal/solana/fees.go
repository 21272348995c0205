package solana

import (
	"context"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
)

// Urgency selects which percentile of recent priority fees to pay.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// FeePolicy bounds the computed priority fee. Values are micro-lamports
// per compute unit.
type FeePolicy struct {
	Floor   uint64
	Ceiling uint64

	// Fallback is the conservative static fee used when the estimator has
	// no data; estimation failures never block the pipeline.
	Fallback uint64
}

func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		Floor:    1_000,
		Ceiling:  2_000_000,
		Fallback: 50_000,
	}
}

type feeSource interface {
	GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error)
}

type feeService struct {
	logger *logrus.Logger
	source feeSource
	policy FeePolicy
}

func newFeeService(logger *logrus.Logger, source feeSource, policy FeePolicy) *feeService {
	return &feeService{
		logger: logger,
		source: source,
		policy: policy,
	}
}

func percentileForUrgency(u Urgency) float64 {
	switch u {
	case UrgencyLow:
		return 0.25
	case UrgencyHigh:
		return 0.75
	default:
		return 0.50
	}
}

// PriorityFee computes the micro-lamport compute-unit price for the given
// urgency from recent fee-paying transactions touching accounts, clamped
// to the policy's floor and ceiling.
func (s *feeService) PriorityFee(ctx context.Context, accounts []solana.PublicKey, urgency Urgency) uint64 {
	samples, err := s.source.GetRecentPrioritizationFees(ctx, accounts)
	if err != nil {
		s.logger.WithError(err).Warn("priority fee estimation unavailable, using fallback")
		return s.clamp(s.policy.Fallback)
	}

	fees := make([]uint64, 0, len(samples))
	for _, sample := range samples {
		if sample.PrioritizationFee > 0 {
			fees = append(fees, sample.PrioritizationFee)
		}
	}
	if len(fees) == 0 {
		return s.clamp(s.policy.Fallback)
	}

	sort.Slice(fees, func(i, j int) bool { return fees[i] < fees[j] })
	idx := int(float64(len(fees)-1) * percentileForUrgency(urgency))
	return s.clamp(fees[idx])
}

func (s *feeService) clamp(fee uint64) uint64 {
	if fee < s.policy.Floor {
		return s.policy.Floor
	}
	if fee > s.policy.Ceiling {
		return s.policy.Ceiling
	}
	return fee
}

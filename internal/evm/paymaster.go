package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

// paymasterClient negotiates fee sponsorship with an external sponsor
// service over JSON-RPC.
type paymasterClient struct {
	rpc        *rpc.Client
	entryPoint ecommon.Address

	// gasToken, when set, asks the sponsor to accept repayment in this
	// ERC-20 instead of native gas.
	gasToken ecommon.Address

	// maxGasTokenAmount caps how much gas token a sponsorship may charge.
	// Zero disables ERC-20 repayment entirely.
	maxGasTokenAmount *big.Int
}

func newPaymasterClient(rpc *rpc.Client, entryPoint, gasToken ecommon.Address, maxGasTokenAmount *big.Int) *paymasterClient {
	return &paymasterClient{
		rpc:               rpc,
		entryPoint:        entryPoint,
		gasToken:          gasToken,
		maxGasTokenAmount: maxGasTokenAmount,
	}
}

type sponsorContext struct {
	GasToken ecommon.Address `json:"gasToken,omitempty"`
}

type sponsorResult struct {
	PaymasterAndData hexutil.Bytes  `json:"paymasterAndData"`
	ValidAfter       hexutil.Uint64 `json:"validAfter"`
	ValidUntil       hexutil.Uint64 `json:"validUntil"`

	// TokenAmount is set when the sponsor charges in the gas token.
	TokenAmount *hexutil.Big `json:"tokenAmount,omitempty"`

	RejectionReason string `json:"rejectionReason,omitempty"`
}

// Sponsor sends the draft operation to the sponsor service and validates
// the returned arrangement against local policy.
func (c *paymasterClient) Sponsor(ctx context.Context, draft *UserOperation) (pipeline.SponsoredFee, error) {
	var params []any
	if c.gasToken != (ecommon.Address{}) {
		params = []any{draft.wire(), c.entryPoint, sponsorContext{GasToken: c.gasToken}}
	} else {
		params = []any{draft.wire(), c.entryPoint}
	}

	var out sponsorResult
	err := c.rpc.CallContext(ctx, &out, "pm_sponsorUserOperation", params...)
	if err != nil {
		return pipeline.SponsoredFee{}, pipeline.Errf(pipeline.KindSponsorshipRejected,
			"sponsor call failed: %v", err)
	}

	if out.RejectionReason != "" {
		return pipeline.SponsoredFee{}, pipeline.Errf(pipeline.KindSponsorshipRejected,
			"sponsor rejected operation: %s", out.RejectionReason)
	}
	if len(out.PaymasterAndData) == 0 {
		return pipeline.SponsoredFee{}, pipeline.Errf(pipeline.KindSponsorshipRejected,
			"sponsor returned empty paymaster data")
	}

	if out.TokenAmount != nil {
		amount := (*big.Int)(out.TokenAmount)
		if c.maxGasTokenAmount == nil || c.maxGasTokenAmount.Sign() == 0 {
			return pipeline.SponsoredFee{}, pipeline.Errf(pipeline.KindSponsorshipRejected,
				"sponsor demands gas token payment but policy allows none")
		}
		if amount.Cmp(c.maxGasTokenAmount) > 0 {
			return pipeline.SponsoredFee{}, pipeline.Errf(pipeline.KindSponsorshipRejected,
				"sponsor gas token demand %s exceeds policy cap %s", amount, c.maxGasTokenAmount)
		}
	}

	fee := pipeline.SponsoredFee{
		PaymasterAndData: out.PaymasterAndData,
		ValidAfter:       time.Unix(int64(out.ValidAfter), 0),
		ValidUntil:       time.Unix(int64(out.ValidUntil), 0),
	}
	if fee.ValidUntil.Before(time.Now()) {
		return pipeline.SponsoredFee{}, fmt.Errorf("sponsor validity window already closed at %s", fee.ValidUntil)
	}
	return fee, nil
}

package evm

import (
	"context"
	"fmt"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// bundlerClient speaks the ERC-4337 relay protocol: submit, gas
// estimation and receipt lookup for user operations.
type bundlerClient struct {
	rpc        *rpc.Client
	entryPoint ecommon.Address
}

func newBundlerClient(rpc *rpc.Client, entryPoint ecommon.Address) *bundlerClient {
	return &bundlerClient{
		rpc:        rpc,
		entryPoint: entryPoint,
	}
}

type gasEstimateResult struct {
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
}

// userOpReceipt is the bundler's settlement record for one operation.
type userOpReceipt struct {
	UserOpHash    ecommon.Hash   `json:"userOpHash"`
	Success       bool           `json:"success"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       innerTxReceipt `json:"receipt"`
}

type innerTxReceipt struct {
	TransactionHash ecommon.Hash `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
}

// EstimateGas asks the bundler for the operation's verification and
// execution cost ceilings. The draft carries a dummy signature so
// validation gas is measured realistically.
func (c *bundlerClient) EstimateGas(ctx context.Context, op *UserOperation) (gasEstimateResult, error) {
	var out gasEstimateResult
	err := c.rpc.CallContext(ctx, &out, "eth_estimateUserOperationGas", op.wire(), c.entryPoint)
	if err != nil {
		return gasEstimateResult{}, fmt.Errorf("failed to estimate user operation gas: %w", err)
	}
	if out.CallGasLimit == nil || out.VerificationGasLimit == nil || out.PreVerificationGas == nil {
		return gasEstimateResult{}, fmt.Errorf("bundler returned incomplete gas estimate")
	}
	return out, nil
}

// Send broadcasts the operation and returns the bundler-assigned
// userOpHash identifying it.
func (c *bundlerClient) Send(ctx context.Context, op *UserOperation) (ecommon.Hash, error) {
	var out ecommon.Hash
	err := c.rpc.CallContext(ctx, &out, "eth_sendUserOperation", op.wire(), c.entryPoint)
	if err != nil {
		return ecommon.Hash{}, fmt.Errorf("failed to send user operation: %w", err)
	}
	return out, nil
}

// GetReceipt returns the receipt for a submitted operation, or (nil, nil)
// while it is still pending.
func (c *bundlerClient) GetReceipt(ctx context.Context, userOpHash ecommon.Hash) (*userOpReceipt, error) {
	var out *userOpReceipt
	err := c.rpc.CallContext(ctx, &out, "eth_getUserOperationReceipt", userOpHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get user operation receipt: %w", err)
	}
	return out, nil
}

package evm

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

var (
	executionResultSelector = crypto.Keccak256(
		[]byte("ExecutionResult(uint256,uint256,uint48,uint48,bool,bytes)"),
	)[:4]
	failedOpSelector    = crypto.Keccak256([]byte("FailedOp(uint256,string)"))[:4]
	errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

	simulateHandleOpSelector = crypto.Keccak256([]byte(
		"simulateHandleOp((address,uint256,bytes,bytes,uint256,uint256,uint256,uint256,uint256,bytes,bytes),address,bytes)",
	))[:4]
)

type simulatorService struct {
	rpc        *rpc.Client
	entryPoint ecommon.Address
}

func newSimulatorService(rpcClient *rpc.Client, entryPoint ecommon.Address) *simulatorService {
	return &simulatorService{
		rpc:        rpcClient,
		entryPoint: entryPoint,
	}
}

// Simulate dry-runs the exact payload bytes against current chain state
// via the entry point's simulateHandleOp, which always reverts: an
// ExecutionResult revert means validation and execution completed, a
// FailedOp or Error(string) revert is a failure verdict. No target call
// is requested, so ExecutionResult's target fields carry nothing.
func (s *simulatorService) Simulate(ctx context.Context, payload []byte) (pipeline.SimulationOutcome, error) {
	op, err := UnmarshalUserOperation(payload)
	if err != nil {
		return pipeline.SimulationOutcome{}, fmt.Errorf("failed to parse payload: %w", err)
	}

	callData, err := encodeSimulateHandleOp(op)
	if err != nil {
		return pipeline.SimulationOutcome{}, fmt.Errorf("failed to encode simulation call: %w", err)
	}

	var out hexutil.Bytes
	callArgs := map[string]any{
		"to":   s.entryPoint,
		"data": hexutil.Bytes(callData),
	}
	err = s.rpc.CallContext(ctx, &out, "eth_call", callArgs, "latest")
	if err == nil {
		// simulateHandleOp must revert; a plain return means we are not
		// talking to a real entry point.
		return pipeline.SimulationOutcome{}, fmt.Errorf("simulation returned without revert, wrong entry point?")
	}

	revertData, ok := revertBytes(err)
	if !ok {
		return pipeline.SimulationOutcome{}, fmt.Errorf("simulation call failed: %w", err)
	}

	return s.interpretRevert(op, revertData)
}

func (s *simulatorService) interpretRevert(op *UserOperation, data []byte) (pipeline.SimulationOutcome, error) {
	if len(data) < 4 {
		return pipeline.SimulationOutcome{
			Success:      false,
			RevertReason: fmt.Sprintf("raw revert: 0x%s", hex.EncodeToString(data)),
		}, nil
	}

	selector, body := data[:4], data[4:]
	switch {
	case bytes.Equal(selector, executionResultSelector):
		// simulateHandleOp only reaches its ExecutionResult revert after
		// validation and execution succeed. With target zero the entry
		// point skips the target call, so targetSuccess is meaningless
		// here and never consulted.
		result, err := decodeExecutionResult(body)
		if err != nil {
			return pipeline.SimulationOutcome{}, fmt.Errorf("failed to decode execution result: %w", err)
		}
		deltas, err := deltasFromCallData(op.Sender, op.CallData)
		if err != nil {
			return pipeline.SimulationOutcome{}, fmt.Errorf("failed to derive balance deltas: %w", err)
		}
		return pipeline.SimulationOutcome{
			Success: true,
			Deltas:  deltas,
			GasUsed: result.preOpGas.Uint64(),
			Logs: []string{
				fmt.Sprintf("preOpGas=%s paid=%s", result.preOpGas, result.paid),
			},
		}, nil

	case bytes.Equal(selector, failedOpSelector):
		opIndex, reason, err := decodeFailedOp(body)
		if err != nil {
			return pipeline.SimulationOutcome{}, fmt.Errorf("failed to decode FailedOp: %w", err)
		}
		return pipeline.SimulationOutcome{
			Success:      false,
			RevertReason: fmt.Sprintf("FailedOp(%s): %s", opIndex, reason),
		}, nil

	case bytes.Equal(selector, errorStringSelector):
		return pipeline.SimulationOutcome{
			Success:      false,
			RevertReason: decodeErrorString(data),
		}, nil

	default:
		return pipeline.SimulationOutcome{
			Success:      false,
			RevertReason: fmt.Sprintf("unknown revert selector 0x%s", hex.EncodeToString(selector)),
		}, nil
	}
}

type executionResult struct {
	preOpGas *big.Int
	paid     *big.Int
}

func decodeExecutionResult(body []byte) (executionResult, error) {
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return executionResult{}, err
	}
	uint48Type, err := abi.NewType("uint48", "", nil)
	if err != nil {
		return executionResult{}, err
	}
	boolType, err := abi.NewType("bool", "", nil)
	if err != nil {
		return executionResult{}, err
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return executionResult{}, err
	}

	args := abi.Arguments{
		{Type: uintType},
		{Type: uintType},
		{Type: uint48Type},
		{Type: uint48Type},
		{Type: boolType},
		{Type: bytesType},
	}
	vals, err := args.Unpack(body)
	if err != nil {
		return executionResult{}, err
	}
	if len(vals) != 6 {
		return executionResult{}, fmt.Errorf("expected 6 values, got %d", len(vals))
	}

	res := executionResult{}
	var ok bool
	if res.preOpGas, ok = vals[0].(*big.Int); !ok {
		return executionResult{}, fmt.Errorf("preOpGas has unexpected type %T", vals[0])
	}
	if res.paid, ok = vals[1].(*big.Int); !ok {
		return executionResult{}, fmt.Errorf("paid has unexpected type %T", vals[1])
	}
	return res, nil
}

func decodeFailedOp(body []byte) (*big.Int, string, error) {
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, "", err
	}
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return nil, "", err
	}
	args := abi.Arguments{{Type: uintType}, {Type: stringType}}
	vals, err := args.Unpack(body)
	if err != nil {
		return nil, "", err
	}
	index, ok := vals[0].(*big.Int)
	if !ok {
		return nil, "", fmt.Errorf("opIndex has unexpected type %T", vals[0])
	}
	reason, ok := vals[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("reason has unexpected type %T", vals[1])
	}
	return index, reason, nil
}

func decodeErrorString(data []byte) string {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return "undecodable revert"
	}
	args := abi.Arguments{{Type: stringType}}
	vals, err := args.Unpack(data[4:])
	if err != nil || len(vals) != 1 {
		return fmt.Sprintf("raw revert: 0x%s", hex.EncodeToString(data))
	}
	reason, ok := vals[0].(string)
	if !ok {
		return fmt.Sprintf("raw revert: 0x%s", hex.EncodeToString(data))
	}
	return strings.TrimSpace(reason)
}

// deltasFromCallData derives the per-token balance deltas implied by a
// successful batch: each permitted transfer leaves the owner's wallet.
func deltasFromCallData(sender ecommon.Address, callData []byte) ([]pipeline.BalanceDelta, error) {
	batch, err := DecodeExecuteBatch(callData)
	if err != nil {
		return nil, err
	}
	if len(batch.Datas) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	tokens, amounts, err := decodePermitSweep(batch.Datas[0])
	if err != nil {
		return nil, fmt.Errorf("first batch call is not a permit sweep: %w", err)
	}

	deltas := make([]pipeline.BalanceDelta, 0, len(tokens))
	for i, token := range tokens {
		deltas = append(deltas, pipeline.BalanceDelta{
			Token:   token.Hex(),
			Account: sender.Hex(),
			Amount:  new(big.Int).Neg(amounts[i]),
		})
	}
	return deltas, nil
}

func encodeSimulateHandleOp(op *UserOperation) ([]byte, error) {
	opType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "callGasLimit", Type: "uint256"},
		{Name: "verificationGasLimit", Type: "uint256"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build user operation type: %w", err)
	}
	addrType, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, err
	}

	args := abi.Arguments{
		{Type: opType},
		{Type: addrType},
		{Type: bytesType},
	}
	packed, err := args.Pack(packableOp(op), ecommon.Address{}, []byte{})
	if err != nil {
		return nil, fmt.Errorf("failed to pack simulateHandleOp arguments: %w", err)
	}
	return append(append([]byte{}, simulateHandleOpSelector...), packed...), nil
}

// packableOp mirrors UserOperation with nil byte slices normalized; the
// abi packer rejects nil dynamic fields.
type packableUserOp struct {
	Sender               ecommon.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func packableOp(op *UserOperation) packableUserOp {
	nz := func(b []byte) []byte {
		if b == nil {
			return []byte{}
		}
		return b
	}
	return packableUserOp{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             nz(op.InitCode),
		CallData:             nz(op.CallData),
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     nz(op.PaymasterAndData),
		Signature:            nz(op.Signature),
	}
}

// revertBytes extracts the revert payload from a JSON-RPC error.
func revertBytes(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	decoded, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return nil, false
	}
	return decoded, true
}

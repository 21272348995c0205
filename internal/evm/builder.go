package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/pipeline"
)

var (
	executeBatchSelector = crypto.Keccak256([]byte("executeBatch(address[],uint256[],bytes[])"))[:4]
	permitSweepSelector  = crypto.Keccak256([]byte("permitSweep(address,address[],uint256[],uint256,uint256,bytes)"))[:4]
	getNonceSelector     = crypto.Keccak256([]byte("getNonce(address,uint192)"))[:4]
)

// dummySignature keeps gas estimation honest: validation runs against a
// signature of the right length before the real one exists.
var dummySignature = make([]byte, 65)

type gasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

type gasEstimator interface {
	EstimateGas(ctx context.Context, op *UserOperation) (gasEstimateResult, error)
}

type builderService struct {
	chainID    uint64
	entryPoint ecommon.Address
	verifier   ecommon.Address
	rpc        contractCaller
	prices     gasPricer
	estimator  gasEstimator
	keys       KeyStore

	// marginBps scales raw gas estimates to absorb state drift between
	// estimation and inclusion. 12000 = 1.2x.
	marginBps uint64
}

func newBuilderService(
	chainID uint64,
	entryPoint, verifier ecommon.Address,
	rpc contractCaller,
	prices gasPricer,
	estimator gasEstimator,
	keys KeyStore,
	marginBps uint64,
) *builderService {
	return &builderService{
		chainID:    chainID,
		entryPoint: entryPoint,
		verifier:   verifier,
		rpc:        rpc,
		prices:     prices,
		estimator:  estimator,
		keys:       keys,
		marginBps:  marginBps,
	}
}

// EncodeExecuteBatch ABI-encodes the wallet's native multi-call entry
// point over the given targets. Pure and deterministic.
func EncodeExecuteBatch(targets []ecommon.Address, values []*big.Int, datas [][]byte) ([]byte, error) {
	if len(targets) != len(values) || len(targets) != len(datas) {
		return nil, fmt.Errorf("executeBatch arity mismatch: %d targets, %d values, %d datas",
			len(targets), len(values), len(datas))
	}

	addrSlice, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build address[] type: %w", err)
	}
	uintSlice, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build uint256[] type: %w", err)
	}
	bytesSlice, err := abi.NewType("bytes[]", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bytes[] type: %w", err)
	}

	args := abi.Arguments{
		{Type: addrSlice},
		{Type: uintSlice},
		{Type: bytesSlice},
	}
	packed, err := args.Pack(targets, values, datas)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeBatch arguments: %w", err)
	}
	return append(append([]byte{}, executeBatchSelector...), packed...), nil
}

// ExecuteBatch is the decoded form of the wallet's multi-call data.
type ExecuteBatch struct {
	Targets []ecommon.Address
	Values  []*big.Int
	Datas   [][]byte
}

// DecodeExecuteBatch is the inverse of EncodeExecuteBatch. Pure.
func DecodeExecuteBatch(callData []byte) (ExecuteBatch, error) {
	if len(callData) < 4 || !bytes.Equal(callData[:4], executeBatchSelector) {
		return ExecuteBatch{}, fmt.Errorf("call data is not an executeBatch call")
	}

	addrSlice, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return ExecuteBatch{}, err
	}
	uintSlice, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		return ExecuteBatch{}, err
	}
	bytesSlice, err := abi.NewType("bytes[]", "", nil)
	if err != nil {
		return ExecuteBatch{}, err
	}

	args := abi.Arguments{{Type: addrSlice}, {Type: uintSlice}, {Type: bytesSlice}}
	vals, err := args.Unpack(callData[4:])
	if err != nil {
		return ExecuteBatch{}, fmt.Errorf("failed to unpack executeBatch arguments: %w", err)
	}

	targets, ok := vals[0].([]ecommon.Address)
	if !ok {
		return ExecuteBatch{}, fmt.Errorf("targets have unexpected type %T", vals[0])
	}
	values, ok := vals[1].([]*big.Int)
	if !ok {
		return ExecuteBatch{}, fmt.Errorf("values have unexpected type %T", vals[1])
	}
	datas, ok := vals[2].([][]byte)
	if !ok {
		return ExecuteBatch{}, fmt.Errorf("datas have unexpected type %T", vals[2])
	}
	return ExecuteBatch{Targets: targets, Values: values, Datas: datas}, nil
}

// decodePermitSweep extracts the permitted tokens and amounts from an
// encoded permit-sweep call.
func decodePermitSweep(data []byte) ([]ecommon.Address, []*big.Int, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], permitSweepSelector) {
		return nil, nil, fmt.Errorf("data is not a permitSweep call")
	}

	addrType, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, nil, err
	}
	addrSlice, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return nil, nil, err
	}
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, nil, err
	}
	uintSlice, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		return nil, nil, err
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, nil, err
	}

	args := abi.Arguments{
		{Type: addrType},
		{Type: addrSlice},
		{Type: uintSlice},
		{Type: uintType},
		{Type: uintType},
		{Type: bytesType},
	}
	vals, err := args.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpack permitSweep arguments: %w", err)
	}

	tokens, ok := vals[1].([]ecommon.Address)
	if !ok {
		return nil, nil, fmt.Errorf("tokens have unexpected type %T", vals[1])
	}
	amounts, ok := vals[2].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("amounts have unexpected type %T", vals[2])
	}
	if len(tokens) != len(amounts) {
		return nil, nil, fmt.Errorf("token/amount arity mismatch: %d vs %d", len(tokens), len(amounts))
	}
	return tokens, amounts, nil
}

// encodePermitSweep encodes the inner call consuming the authorization on
// the verifying contract: it validates the permit and pulls the approved
// token amounts into the smart wallet in one step.
func encodePermitSweep(auth pipeline.Authorization) ([]byte, error) {
	addrType, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build address type: %w", err)
	}
	addrSlice, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build address[] type: %w", err)
	}
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build uint256 type: %w", err)
	}
	uintSlice, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build uint256[] type: %w", err)
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bytes type: %w", err)
	}

	tokens := make([]ecommon.Address, 0, len(auth.Transfers))
	amounts := make([]*big.Int, 0, len(auth.Transfers))
	for _, t := range auth.Transfers {
		tokens = append(tokens, ecommon.HexToAddress(t.Token))
		amounts = append(amounts, t.Amount)
	}

	args := abi.Arguments{
		{Type: addrType},
		{Type: addrSlice},
		{Type: uintSlice},
		{Type: uintType},
		{Type: uintType},
		{Type: bytesType},
	}
	packed, err := args.Pack(
		ecommon.HexToAddress(auth.Owner),
		tokens,
		amounts,
		auth.Nonce,
		big.NewInt(auth.Deadline.Unix()),
		auth.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack permitSweep arguments: %w", err)
	}
	return append(append([]byte{}, permitSweepSelector...), packed...), nil
}

// callData assembles the wallet batch: permit consumption first, then the
// destination calls in the caller's order.
func (s *builderService) callData(in intent.Intent, auth pipeline.Authorization) ([]byte, error) {
	permitCall, err := encodePermitSweep(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to encode permit call: %w", err)
	}

	targets := []ecommon.Address{s.verifier}
	values := []*big.Int{big.NewInt(0)}
	datas := [][]byte{permitCall}

	for _, c := range in.Calls {
		targets = append(targets, ecommon.HexToAddress(c.Target))
		value := big.NewInt(0)
		if c.Value != nil {
			value = c.Value
		}
		values = append(values, value)
		datas = append(datas, c.Data)
	}

	return EncodeExecuteBatch(targets, values, datas)
}

// Draft assembles the operation skeleton used for sponsorship and gas
// estimation: call data and init code are final, gas fields are not.
// The nonce is pinned by the caller so sponsorship, estimation and the
// final build all sign over the same value. Pure.
func (s *builderService) Draft(
	in intent.Intent,
	wallet pipeline.WalletDescriptor,
	auth pipeline.Authorization,
	nonce *big.Int,
) (*UserOperation, error) {
	callData, err := s.callData(in, auth)
	if err != nil {
		return nil, err
	}

	sender := ecommon.HexToAddress(wallet.Address)

	var initCode []byte
	if !wallet.Deployed {
		initCode = wallet.InitCode
	}

	return &UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(0),
		PreVerificationGas:   big.NewInt(0),
		MaxFeePerGas:         big.NewInt(0),
		MaxPriorityFeePerGas: big.NewInt(0),
		PaymasterAndData:     nil,
		Signature:            dummySignature,
	}, nil
}

// EstimateGas queries the relay for cost ceilings and applies the safety
// margin, plus current fee-market prices.
func (s *builderService) EstimateGas(ctx context.Context, draft *UserOperation, fee pipeline.SponsoredFee) (pipeline.GasEstimate, error) {
	withPaymaster := *draft
	withPaymaster.PaymasterAndData = fee.PaymasterAndData

	est, err := s.estimator.EstimateGas(ctx, &withPaymaster)
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	maxFee, err := s.prices.SuggestGasPrice(ctx)
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	tip, err := s.prices.SuggestGasTipCap(ctx)
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to get gas tip cap: %w", err)
	}

	return pipeline.GasEstimate{
		CallGasLimit:         s.applyMargin((*big.Int)(est.CallGasLimit)),
		VerificationGasLimit: s.applyMargin((*big.Int)(est.VerificationGasLimit)),
		PreVerificationGas:   s.applyMargin((*big.Int)(est.PreVerificationGas)),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}, nil
}

// Finalize produces the fully assembled, signed operation. A pure
// function of its inputs: the same draft, fee and gas always yield
// byte-identical payloads.
func (s *builderService) Finalize(
	ctx context.Context,
	draft *UserOperation,
	owner ecommon.Address,
	fee pipeline.SponsoredFee,
	gas pipeline.GasEstimate,
) (*UserOperation, error) {
	op := *draft
	op.CallGasLimit = gas.CallGasLimit
	op.VerificationGasLimit = gas.VerificationGasLimit
	op.PreVerificationGas = gas.PreVerificationGas
	op.MaxFeePerGas = gas.MaxFeePerGas
	op.MaxPriorityFeePerGas = gas.MaxPriorityFeePerGas
	op.PaymasterAndData = fee.PaymasterAndData

	digest := op.Hash(s.entryPoint, s.chainID)

	signer, err := s.keys.SignerFor(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signer: %w", err)
	}
	sig, err := signer.SignDigest(ctx, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}
	op.Signature = sig

	return &op, nil
}

func (s *builderService) applyMargin(v *big.Int) *big.Int {
	scaled := new(big.Int).Mul(v, new(big.Int).SetUint64(s.marginBps))
	return scaled.Div(scaled, big.NewInt(10_000))
}

// accountNonce reads the wallet's 4337 nonce from the entry point. Zero
// for wallets not yet deployed.
func (s *builderService) accountNonce(ctx context.Context, sender ecommon.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+64)
	data = append(data, getNonceSelector...)
	data = append(data, ecommon.LeftPadBytes(sender.Bytes(), 32)...)
	data = append(data, make([]byte, 32)...) // key 0

	out, err := s.rpc.CallContract(ctx, ethereum.CallMsg{To: &s.entryPoint, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("unexpected getNonce response length %d", len(out))
	}
	return new(big.Int).SetBytes(out), nil
}

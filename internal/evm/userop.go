package evm

import (
	"encoding/json"
	"fmt"
	"math/big"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the EIP-4337 payload executed by the smart wallet via
// the entry point.
type UserOperation struct {
	Sender               ecommon.Address `json:"sender"`
	Nonce                *big.Int        `json:"-"`
	InitCode             []byte          `json:"-"`
	CallData             []byte          `json:"-"`
	CallGasLimit         *big.Int        `json:"-"`
	VerificationGasLimit *big.Int        `json:"-"`
	PreVerificationGas   *big.Int        `json:"-"`
	MaxFeePerGas         *big.Int        `json:"-"`
	MaxPriorityFeePerGas *big.Int        `json:"-"`
	PaymasterAndData     []byte          `json:"-"`
	Signature            []byte          `json:"-"`
}

// rpcUserOperation is the JSON wire form the bundler and paymaster expect.
// Field order is fixed, so marshaling the same operation always yields
// byte-identical payloads.
type rpcUserOperation struct {
	Sender               ecommon.Address `json:"sender"`
	Nonce                *hexutil.Big    `json:"nonce"`
	InitCode             hexutil.Bytes   `json:"initCode"`
	CallData             hexutil.Bytes   `json:"callData"`
	CallGasLimit         *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes   `json:"paymasterAndData"`
	Signature            hexutil.Bytes   `json:"signature"`
}

func (op *UserOperation) wire() rpcUserOperation {
	return rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func (w rpcUserOperation) op() *UserOperation {
	return &UserOperation{
		Sender:               w.Sender,
		Nonce:                (*big.Int)(w.Nonce),
		InitCode:             w.InitCode,
		CallData:             w.CallData,
		CallGasLimit:         (*big.Int)(w.CallGasLimit),
		VerificationGasLimit: (*big.Int)(w.VerificationGasLimit),
		PreVerificationGas:   (*big.Int)(w.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(w.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(w.MaxPriorityFeePerGas),
		PaymasterAndData:     w.PaymasterAndData,
		Signature:            w.Signature,
	}
}

// Marshal serializes the operation to its canonical wire bytes.
func (op *UserOperation) Marshal() ([]byte, error) {
	raw, err := json.Marshal(op.wire())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user operation: %w", err)
	}
	return raw, nil
}

// UnmarshalUserOperation parses canonical wire bytes back into an
// operation.
func UnmarshalUserOperation(raw []byte) (*UserOperation, error) {
	var w rpcUserOperation
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user operation: %w", err)
	}
	return w.op(), nil
}

// PackForHash encodes the operation's hashable fields as static 32-byte
// words, dynamic fields by their keccak. Signature is excluded.
func (op *UserOperation) PackForHash() []byte {
	packed := make([]byte, 0, 10*32)
	packed = append(packed, ecommon.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, ecommon.LeftPadBytes(op.Nonce.Bytes(), 32)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, ecommon.LeftPadBytes(op.CallGasLimit.Bytes(), 32)...)
	packed = append(packed, ecommon.LeftPadBytes(op.VerificationGasLimit.Bytes(), 32)...)
	packed = append(packed, ecommon.LeftPadBytes(op.PreVerificationGas.Bytes(), 32)...)
	packed = append(packed, ecommon.LeftPadBytes(op.MaxFeePerGas.Bytes(), 32)...)
	packed = append(packed, ecommon.LeftPadBytes(op.MaxPriorityFeePerGas.Bytes(), 32)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)
	return packed
}

// Hash is the canonical userOpHash: the packed operation hashed together
// with the entry point and chain id.
func (op *UserOperation) Hash(entryPoint ecommon.Address, chainID uint64) ecommon.Hash {
	inner := crypto.Keccak256(op.PackForHash())
	return crypto.Keccak256Hash(
		inner,
		ecommon.LeftPadBytes(entryPoint.Bytes(), 32),
		ecommon.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
	)
}

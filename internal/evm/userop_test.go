package evm

import (
	"math/big"
	"testing"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testUserOp() *UserOperation {
	return &UserOperation{
		Sender:               ecommon.HexToAddress("0x1000000000000000000000000000000000000001"),
		Nonce:                big.NewInt(1),
		InitCode:             []byte{0xaa},
		CallData:             []byte{0xbb, 0xcc},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(200_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{0xdd},
		Signature:            make([]byte, 65),
	}
}

func TestUserOpHashDeterministic(t *testing.T) {
	entryPoint := ecommon.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	op := testUserOp()
	require.Len(t, op.PackForHash(), 10*32)
	require.Equal(t, op.Hash(entryPoint, 1), testUserOp().Hash(entryPoint, 1))

	// Hash binds entry point and chain id.
	require.NotEqual(t, op.Hash(entryPoint, 1), op.Hash(entryPoint, 8453))
	require.NotEqual(t, op.Hash(entryPoint, 1), op.Hash(ecommon.HexToAddress("0x01"), 1))

	// Signature is excluded from the hash.
	signed := testUserOp()
	signed.Signature = []byte{0x01, 0x02}
	require.Equal(t, op.Hash(entryPoint, 1), signed.Hash(entryPoint, 1))

	// Call data is not.
	mutated := testUserOp()
	mutated.CallData = []byte{0xff}
	require.NotEqual(t, op.Hash(entryPoint, 1), mutated.Hash(entryPoint, 1))
}

func TestUserOpMarshalRoundTrip(t *testing.T) {
	op := testUserOp()

	raw, err := op.Marshal()
	require.NoError(t, err)

	// Canonical bytes: marshaling twice is byte-identical.
	raw2, err := op.Marshal()
	require.NoError(t, err)
	require.Equal(t, raw, raw2)

	back, err := UnmarshalUserOperation(raw)
	require.NoError(t, err)
	require.Equal(t, op.Sender, back.Sender)
	require.Zero(t, op.Nonce.Cmp(back.Nonce))
	require.Equal(t, op.CallData, back.CallData)
	require.Equal(t, op.PaymasterAndData, back.PaymasterAndData)
	require.Equal(t, op.Hash(ecommon.HexToAddress("0xaa"), 1), back.Hash(ecommon.HexToAddress("0xaa"), 1))
}

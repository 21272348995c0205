package evm

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

func encodeExecutionResultRevert(t *testing.T, preOpGas, paid int64, targetSuccess bool, targetResult []byte) []byte {
	t.Helper()
	args := abi.Arguments{
		{Type: mustType(t, "uint256")},
		{Type: mustType(t, "uint256")},
		{Type: mustType(t, "uint48")},
		{Type: mustType(t, "uint48")},
		{Type: mustType(t, "bool")},
		{Type: mustType(t, "bytes")},
	}
	body, err := args.Pack(
		big.NewInt(preOpGas), big.NewInt(paid),
		big.NewInt(0), big.NewInt(0),
		targetSuccess, targetResult,
	)
	require.NoError(t, err)
	return append(append([]byte{}, executionResultSelector...), body...)
}

func encodeErrorStringRevert(t *testing.T, reason string) []byte {
	t.Helper()
	args := abi.Arguments{{Type: mustType(t, "string")}}
	body, err := args.Pack(reason)
	require.NoError(t, err)
	return append(append([]byte{}, errorStringSelector...), body...)
}

func encodeFailedOpRevert(t *testing.T, index int64, reason string) []byte {
	t.Helper()
	args := abi.Arguments{{Type: mustType(t, "uint256")}, {Type: mustType(t, "string")}}
	body, err := args.Pack(big.NewInt(index), reason)
	require.NoError(t, err)
	return append(append([]byte{}, failedOpSelector...), body...)
}

// sweepOp builds an operation whose call data is a valid permit-sweep
// batch over the given transfers, so balance deltas can be derived from
// a successful run.
func sweepOp(t *testing.T, transfers ...pipeline.TokenPermission) *UserOperation {
	t.Helper()
	if len(transfers) == 0 {
		transfers = []pipeline.TokenPermission{
			{Token: "0x1111111111111111111111111111111111111111", Amount: big.NewInt(500)},
		}
	}
	auth := pipeline.Authorization{
		Owner:     "0x1000000000000000000000000000000000000001",
		Spender:   "0x2000000000000000000000000000000000000002",
		Transfers: transfers,
		Nonce:     big.NewInt(0),
		Deadline:  time.Unix(1_900_000_000, 0),
		Signature: make([]byte, 65),
	}
	permitCall, err := encodePermitSweep(auth)
	require.NoError(t, err)

	callData, err := EncodeExecuteBatch(
		[]ecommon.Address{ecommon.HexToAddress("0xaa00000000000000000000000000000000000001")},
		[]*big.Int{big.NewInt(0)},
		[][]byte{permitCall},
	)
	require.NoError(t, err)

	op := testUserOp()
	op.CallData = callData
	return op
}

// The entry point never makes a target call during preflight, so the
// canonical success shape carries targetSuccess=false with empty target
// bytes. That shape must read as success, not as a revert.
func TestInterpretRevertSuccess(t *testing.T) {
	s := &simulatorService{}
	op := sweepOp(t)

	outcome, err := s.interpretRevert(op, encodeExecutionResultRevert(t, 90_000, 150_000, false, nil))
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, uint64(90_000), outcome.GasUsed)
	require.Empty(t, outcome.RevertReason)

	require.Len(t, outcome.Deltas, 1)
	delta := outcome.Deltas[0]
	require.Equal(t, "0x1111111111111111111111111111111111111111", delta.Token)
	require.Equal(t, op.Sender.Hex(), delta.Account)
	require.Zero(t, delta.Amount.Cmp(big.NewInt(-500)))
}

func TestInterpretRevertMultiTokenBatch(t *testing.T) {
	s := &simulatorService{}
	transfers := []pipeline.TokenPermission{
		{Token: "0x1111111111111111111111111111111111111111", Amount: big.NewInt(120)},
		{Token: "0x2222222222222222222222222222222222222222", Amount: big.NewInt(3_400)},
		{Token: "0x3333333333333333333333333333333333333333", Amount: big.NewInt(56)},
	}
	op := sweepOp(t, transfers...)

	outcome, err := s.interpretRevert(op, encodeExecutionResultRevert(t, 210_000, 400_000, false, nil))
	require.NoError(t, err)
	require.True(t, outcome.Success)

	require.Len(t, outcome.Deltas, len(transfers))
	for i, tr := range transfers {
		require.Equal(t, ecommon.HexToAddress(tr.Token).Hex(), outcome.Deltas[i].Token)
		require.Equal(t, op.Sender.Hex(), outcome.Deltas[i].Account)
		require.Zero(t, outcome.Deltas[i].Amount.Cmp(new(big.Int).Neg(tr.Amount)))
	}

	// Failure verdicts on the same batch report no deltas at all.
	failed, err := s.interpretRevert(op, encodeFailedOpRevert(t, 0, "AA25 invalid account nonce"))
	require.NoError(t, err)
	require.False(t, failed.Success)
	require.Empty(t, failed.Deltas)
}

func TestInterpretRevertFailedOp(t *testing.T) {
	s := &simulatorService{}

	outcome, err := s.interpretRevert(sweepOp(t), encodeFailedOpRevert(t, 0, "AA21 didn't pay prefund"))
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Contains(t, outcome.RevertReason, "AA21 didn't pay prefund")
}

func TestInterpretRevertErrorString(t *testing.T) {
	s := &simulatorService{}

	outcome, err := s.interpretRevert(sweepOp(t), encodeErrorStringRevert(t, "paused"))
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, "paused", outcome.RevertReason)
}

func TestInterpretRevertUnknownSelector(t *testing.T) {
	s := &simulatorService{}

	outcome, err := s.interpretRevert(sweepOp(t), []byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Contains(t, outcome.RevertReason, "deadbeef")
}

func TestInterpretRevertRawBytes(t *testing.T) {
	s := &simulatorService{}

	outcome, err := s.interpretRevert(sweepOp(t), []byte{0x01})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Contains(t, outcome.RevertReason, "raw revert")
}

package destination

import (
	"encoding/binary"
	"math/big"
	"testing"

	ecommon "github.com/ethereum/go-ethereum/common"
	gosolana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/solana"
)

func evmTarget() chain.Target {
	return chain.Ethereum("http://localhost:8545", "", "")
}

func solanaTarget() chain.Target {
	return chain.Solana("http://localhost:8899")
}

func TestRegistryDispatch(t *testing.T) {
	reg, err := NewRegistry(TransferBuilder{}, DepositBuilder{Vault: "0x3333333333333333333333333333333333333333"})
	require.NoError(t, err)
	require.Equal(t, []string{"deposit", "transfer"}, reg.Protocols())

	_, err = reg.BuildCall("swap", evmTarget(), Request{})
	require.Error(t, err)
}

func TestRegistryRejectsDuplicateProtocol(t *testing.T) {
	_, err := NewRegistry(TransferBuilder{}, TransferBuilder{})
	require.Error(t, err)
}

func TestRegistryValidatesRequest(t *testing.T) {
	reg, err := NewRegistry(TransferBuilder{})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing owner", Request{Token: "0x01", Amount: big.NewInt(1), Recipient: "0x02"}},
		{"missing token", Request{Owner: "0x01", Amount: big.NewInt(1), Recipient: "0x02"}},
		{"nil amount", Request{Owner: "0x01", Token: "0x02", Recipient: "0x03"}},
		{"zero amount", Request{Owner: "0x01", Token: "0x02", Amount: big.NewInt(0), Recipient: "0x03"}},
		{"missing recipient", Request{Owner: "0x01", Token: "0x02", Amount: big.NewInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.BuildCall("transfer", evmTarget(), tt.req)
			require.Error(t, err)
		})
	}
}

func TestEvmTransferCall(t *testing.T) {
	req := Request{
		Owner:     "0x1000000000000000000000000000000000000001",
		Token:     "0x1111111111111111111111111111111111111111",
		Amount:    big.NewInt(5_000),
		Recipient: "0x2222222222222222222222222222222222222222",
	}

	call, err := TransferBuilder{}.BuildCall(evmTarget(), req)
	require.NoError(t, err)
	require.Equal(t, req.Token, call.Target)
	require.Equal(t, req.Token, call.Token)
	require.Len(t, call.Data, 4+64)

	require.Equal(t, transferSelector, call.Data[:4])
	require.Equal(t,
		ecommon.LeftPadBytes(ecommon.HexToAddress(req.Recipient).Bytes(), 32),
		call.Data[4:36])
	require.Equal(t, big.NewInt(5_000), new(big.Int).SetBytes(call.Data[36:68]))
}

func TestSolanaTransferCall(t *testing.T) {
	owner := gosolana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	mint := gosolana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	recipient := gosolana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")

	call, err := TransferBuilder{}.BuildCall(solanaTarget(), Request{
		Owner:     owner.String(),
		Token:     mint.String(),
		Amount:    big.NewInt(9_000),
		Recipient: recipient.String(),
	})
	require.NoError(t, err)
	require.Equal(t, gosolana.TokenProgramID.String(), call.Target)

	wire, err := solana.DecodeInstruction(call.Data)
	require.NoError(t, err)
	inst, err := wire.Typed()
	require.NoError(t, err)
	require.Equal(t, gosolana.TokenProgramID, inst.ProgramID())

	metas := inst.Accounts()
	require.Len(t, metas, 3)
	source, _, err := solana.FindAssociatedTokenAddress(owner, mint, gosolana.TokenProgramID)
	require.NoError(t, err)
	dest, _, err := solana.FindAssociatedTokenAddress(recipient, mint, gosolana.TokenProgramID)
	require.NoError(t, err)
	require.Equal(t, source, metas[0].PublicKey)
	require.True(t, metas[0].IsWritable)
	require.Equal(t, dest, metas[1].PublicKey)
	require.Equal(t, owner, metas[2].PublicKey)
	require.True(t, metas[2].IsSigner)

	data, err := inst.Data()
	require.NoError(t, err)
	require.Equal(t, byte(splTransferDiscriminator), data[0])
	require.Equal(t, uint64(9_000), binary.LittleEndian.Uint64(data[1:]))
}

func TestEvmDepositCall(t *testing.T) {
	b := DepositBuilder{Vault: "0x3333333333333333333333333333333333333333"}
	req := Request{
		Owner:     "0x1000000000000000000000000000000000000001",
		Token:     "0x1111111111111111111111111111111111111111",
		Amount:    big.NewInt(777),
		Recipient: "0x2222222222222222222222222222222222222222",
	}

	call, err := b.BuildCall(evmTarget(), req)
	require.NoError(t, err)
	require.Equal(t, b.Vault, call.Target)
	require.Len(t, call.Data, 4+96)
	require.Equal(t, depositSelector, call.Data[:4])
	require.Equal(t,
		ecommon.LeftPadBytes(ecommon.HexToAddress(req.Token).Bytes(), 32),
		call.Data[4:36])
	require.Equal(t, big.NewInt(777), new(big.Int).SetBytes(call.Data[36:68]))
	require.Equal(t,
		ecommon.LeftPadBytes(ecommon.HexToAddress(req.Recipient).Bytes(), 32),
		call.Data[68:100])
}

func TestSolanaDepositCall(t *testing.T) {
	b := DepositBuilder{
		Program: "SysvarC1ock11111111111111111111111111111111",
		Pool:    "SysvarRent111111111111111111111111111111111",
	}
	call, err := b.BuildCall(solanaTarget(), Request{
		Owner:     "So11111111111111111111111111111111111111112",
		Token:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Amount:    big.NewInt(123),
		Recipient: "So11111111111111111111111111111111111111112",
	})
	require.NoError(t, err)
	require.Equal(t, b.Program, call.Target)

	wire, err := solana.DecodeInstruction(call.Data)
	require.NoError(t, err)
	inst, err := wire.Typed()
	require.NoError(t, err)
	require.Len(t, inst.Accounts(), 5)

	data, err := inst.Data()
	require.NoError(t, err)
	require.Equal(t, byte(vaultDepositDiscriminator), data[0])
	require.Equal(t, uint64(123), binary.LittleEndian.Uint64(data[1:]))
}

func TestTransferRejectsMalformedAddresses(t *testing.T) {
	_, err := TransferBuilder{}.BuildCall(evmTarget(), Request{
		Owner:     "0x1000000000000000000000000000000000000001",
		Token:     "not-an-address",
		Amount:    big.NewInt(1),
		Recipient: "0x2222222222222222222222222222222222222222",
	})
	require.Error(t, err)

	_, err = TransferBuilder{}.BuildCall(solanaTarget(), Request{
		Owner:     "not-base58",
		Token:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Amount:    big.NewInt(1),
		Recipient: "So11111111111111111111111111111111111111112",
	})
	require.Error(t, err)
}

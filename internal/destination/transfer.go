package destination

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gosolana "github.com/gagliardetto/solana-go"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/solana"
)

var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

const splTransferDiscriminator = 3

// TransferBuilder encodes a plain token transfer to the recipient:
// ERC-20 transfer on EVM, SPL transfer between associated accounts on
// Solana.
type TransferBuilder struct{}

func (TransferBuilder) Protocol() string { return "transfer" }

func (TransferBuilder) BuildCall(target chain.Target, req Request) (intent.DestinationCall, error) {
	switch target.Family {
	case chain.FamilyEVM:
		return evmTransferCall(req)
	case chain.FamilySolana:
		return solanaTransferCall(req)
	default:
		return intent.DestinationCall{}, fmt.Errorf("destination: unsupported chain family %q", target.Family)
	}
}

func evmTransferCall(req Request) (intent.DestinationCall, error) {
	if !ecommon.IsHexAddress(req.Token) {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed token address %q", req.Token)
	}
	if !ecommon.IsHexAddress(req.Recipient) {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed recipient address %q", req.Recipient)
	}

	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, ecommon.LeftPadBytes(ecommon.HexToAddress(req.Recipient).Bytes(), 32)...)
	data = append(data, ecommon.LeftPadBytes(req.Amount.Bytes(), 32)...)

	return intent.DestinationCall{
		Target:         req.Token,
		Token:          req.Token,
		Amount:         req.Amount,
		Data:           data,
		Value:          new(big.Int),
		ExpectedMinOut: req.ExpectedMinOut,
	}, nil
}

func solanaTransferCall(req Request) (intent.DestinationCall, error) {
	owner, err := gosolana.PublicKeyFromBase58(req.Owner)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed owner %q: %w", req.Owner, err)
	}
	mint, err := gosolana.PublicKeyFromBase58(req.Token)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed mint %q: %w", req.Token, err)
	}
	recipient, err := gosolana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed recipient %q: %w", req.Recipient, err)
	}
	if !req.Amount.IsUint64() {
		return intent.DestinationCall{}, fmt.Errorf("destination: amount for mint %s does not fit u64", req.Token)
	}

	source, _, err := solana.FindAssociatedTokenAddress(owner, mint, gosolana.TokenProgramID)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: failed to derive source ATA: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(recipient, mint, gosolana.TokenProgramID)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: failed to derive recipient ATA: %w", err)
	}

	instData := make([]byte, 9)
	instData[0] = splTransferDiscriminator
	binary.LittleEndian.PutUint64(instData[1:], req.Amount.Uint64())

	data, err := solana.EncodeInstruction(solana.NewInstructionData(
		gosolana.TokenProgramID,
		[]*gosolana.AccountMeta{
			{PublicKey: source, IsWritable: true},
			{PublicKey: dest, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
		},
		instData,
	))
	if err != nil {
		return intent.DestinationCall{}, err
	}

	return intent.DestinationCall{
		Target:         gosolana.TokenProgramID.String(),
		Token:          req.Token,
		Amount:         req.Amount,
		Data:           data,
		Value:          new(big.Int),
		ExpectedMinOut: req.ExpectedMinOut,
	}, nil
}

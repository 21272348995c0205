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

var depositSelector = crypto.Keccak256([]byte("deposit(address,uint256,address)"))[:4]

const vaultDepositDiscriminator = 1

// DepositBuilder encodes a deposit into a configured vault: a
// deposit(token, amount, beneficiary) call on EVM, a vault program
// instruction over the pool and the owner's token account on Solana.
type DepositBuilder struct {
	// Vault is the EVM vault contract, 0x-hex.
	Vault string

	// Program and Pool identify the Solana vault program and its pool
	// state account, base58.
	Program string
	Pool    string
}

func (DepositBuilder) Protocol() string { return "deposit" }

func (b DepositBuilder) BuildCall(target chain.Target, req Request) (intent.DestinationCall, error) {
	switch target.Family {
	case chain.FamilyEVM:
		return b.evmCall(req)
	case chain.FamilySolana:
		return b.solanaCall(req)
	default:
		return intent.DestinationCall{}, fmt.Errorf("destination: unsupported chain family %q", target.Family)
	}
}

func (b DepositBuilder) evmCall(req Request) (intent.DestinationCall, error) {
	if !ecommon.IsHexAddress(b.Vault) {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed vault address %q", b.Vault)
	}
	if !ecommon.IsHexAddress(req.Token) {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed token address %q", req.Token)
	}
	if !ecommon.IsHexAddress(req.Recipient) {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed beneficiary address %q", req.Recipient)
	}

	data := make([]byte, 0, 4+96)
	data = append(data, depositSelector...)
	data = append(data, ecommon.LeftPadBytes(ecommon.HexToAddress(req.Token).Bytes(), 32)...)
	data = append(data, ecommon.LeftPadBytes(req.Amount.Bytes(), 32)...)
	data = append(data, ecommon.LeftPadBytes(ecommon.HexToAddress(req.Recipient).Bytes(), 32)...)

	return intent.DestinationCall{
		Target:         b.Vault,
		Token:          req.Token,
		Amount:         req.Amount,
		Data:           data,
		Value:          new(big.Int),
		ExpectedMinOut: req.ExpectedMinOut,
	}, nil
}

func (b DepositBuilder) solanaCall(req Request) (intent.DestinationCall, error) {
	program, err := gosolana.PublicKeyFromBase58(b.Program)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed vault program %q: %w", b.Program, err)
	}
	pool, err := gosolana.PublicKeyFromBase58(b.Pool)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed pool account %q: %w", b.Pool, err)
	}
	owner, err := gosolana.PublicKeyFromBase58(req.Owner)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed owner %q: %w", req.Owner, err)
	}
	mint, err := gosolana.PublicKeyFromBase58(req.Token)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: malformed mint %q: %w", req.Token, err)
	}
	if !req.Amount.IsUint64() {
		return intent.DestinationCall{}, fmt.Errorf("destination: amount for mint %s does not fit u64", req.Token)
	}

	source, _, err := solana.FindAssociatedTokenAddress(owner, mint, gosolana.TokenProgramID)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: failed to derive source ATA: %w", err)
	}
	poolATA, _, err := solana.FindAssociatedTokenAddress(pool, mint, gosolana.TokenProgramID)
	if err != nil {
		return intent.DestinationCall{}, fmt.Errorf("destination: failed to derive pool ATA: %w", err)
	}

	instData := make([]byte, 9)
	instData[0] = vaultDepositDiscriminator
	binary.LittleEndian.PutUint64(instData[1:], req.Amount.Uint64())

	data, err := solana.EncodeInstruction(solana.NewInstructionData(
		program,
		[]*gosolana.AccountMeta{
			{PublicKey: pool, IsWritable: true},
			{PublicKey: poolATA, IsWritable: true},
			{PublicKey: source, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
			{PublicKey: gosolana.TokenProgramID},
		},
		instData,
	))
	if err != nil {
		return intent.DestinationCall{}, err
	}

	return intent.DestinationCall{
		Target:         b.Program,
		Token:          req.Token,
		Amount:         req.Amount,
		Data:           data,
		Value:          new(big.Int),
		ExpectedMinOut: req.ExpectedMinOut,
	}, nil
}

package solana

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/pipeline"
)

var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Compute budget instruction discriminators.
const (
	computeBudgetSetUnitLimit = 2
	computeBudgetSetUnitPrice = 3
)

// SPL token instruction discriminators.
const (
	tokenInstructionApprove = 4
)

const maxComputeUnits = 1_400_000

type builderService struct {
	resolver *resolverService
	lookups  *lookupService
	keys     KeyStore
}

func newBuilderService(resolver *resolverService, lookups *lookupService, keys KeyStore) *builderService {
	return &builderService{
		resolver: resolver,
		lookups:  lookups,
		keys:     keys,
	}
}

// newSetComputeUnitLimitInstruction sets the transaction's compute
// ceiling: discriminator byte then u32 little-endian units.
func newSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeBudgetSetUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return typedInstruction{programID: computeBudgetProgramID, data: data}
}

// newSetComputeUnitPriceInstruction sets the priority fee: discriminator
// byte then u64 little-endian micro-lamports per unit.
func newSetComputeUnitPriceInstruction(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeBudgetSetUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return typedInstruction{programID: computeBudgetProgramID, data: data}
}

// newApproveInstruction delegates amount of the source token account to
// the sweep delegate: discriminator byte then u64 little-endian amount.
func newApproveInstruction(source, delegate, owner solana.PublicKey, amount uint64, tokenProgram solana.PublicKey) solana.Instruction {
	data := make([]byte, 9)
	data[0] = tokenInstructionApprove
	binary.LittleEndian.PutUint64(data[1:], amount)

	return typedInstruction{
		programID: tokenProgram,
		accounts: []*solana.AccountMeta{
			{PublicKey: source, IsSigner: false, IsWritable: true},
			{PublicKey: delegate, IsSigner: false, IsWritable: false},
			{PublicKey: owner, IsSigner: true, IsWritable: false},
		},
		data: data,
	}
}

// instructions assembles the ordered instruction list: compute budget
// first, then the token approvals backing the authorization, then the
// destination program calls in the caller's order.
func (s *builderService) instructions(
	ctx context.Context,
	in intent.Intent,
	owner solana.PublicKey,
	auth pipeline.Authorization,
	fee pipeline.SponsoredFee,
	units uint32,
) ([]solana.Instruction, error) {
	instructions := []solana.Instruction{
		newSetComputeUnitLimitInstruction(units),
		newSetComputeUnitPriceInstruction(fee.PriorityFeeMicroLamports),
	}

	delegate, err := solana.PublicKeyFromBase58(auth.Spender)
	if err != nil {
		return nil, fmt.Errorf("invalid delegate %q: %w", auth.Spender, err)
	}

	for _, t := range auth.Transfers {
		mint, er := solana.PublicKeyFromBase58(t.Token)
		if er != nil {
			return nil, fmt.Errorf("invalid mint %q: %w", t.Token, er)
		}
		if t.Amount == nil || !t.Amount.IsUint64() {
			return nil, fmt.Errorf("approve amount for mint %s does not fit u64", t.Token)
		}

		tokenProgram, er := s.resolver.GetTokenProgram(ctx, mint)
		if er != nil {
			return nil, fmt.Errorf("failed to get token program: %w", er)
		}
		source, _, er := FindAssociatedTokenAddress(owner, mint, tokenProgram)
		if er != nil {
			return nil, fmt.Errorf("failed to derive source ATA: %w", er)
		}

		instructions = append(instructions,
			newApproveInstruction(source, delegate, owner, t.Amount.Uint64(), tokenProgram))
	}

	for i, c := range in.Calls {
		wire, er := DecodeInstruction(c.Data)
		if er != nil {
			return nil, fmt.Errorf("destination call %d: %w", i, er)
		}
		inst, er := wire.Typed()
		if er != nil {
			return nil, fmt.Errorf("destination call %d: %w", i, er)
		}
		instructions = append(instructions, inst)
	}

	return instructions, nil
}

// Build assembles, signs and serializes the versioned transaction. The
// blockhash is pinned in gas, so the same five inputs always produce
// byte-identical output.
func (s *builderService) Build(
	ctx context.Context,
	in intent.Intent,
	auth pipeline.Authorization,
	fee pipeline.SponsoredFee,
	gas pipeline.GasEstimate,
	tables []solana.PublicKey,
) (*solana.Transaction, error) {
	owner, err := solana.PublicKeyFromBase58(in.Owner)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindAddressDerivation, "malformed owner %q: %v", in.Owner, err)
	}

	units := uint32(gas.ComputeUnits)
	if units == 0 || units > maxComputeUnits {
		units = maxComputeUnits
	}
	if fee.ComputeUnitLimit != 0 && fee.ComputeUnitLimit < units {
		units = fee.ComputeUnitLimit
	}

	instructions, err := s.instructions(ctx, in, owner, auth, fee, units)
	if err != nil {
		return nil, err
	}

	blockhash, err := solana.HashFromBase58(gas.Blockhash)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindStaleBlockhash, "invalid pinned blockhash %q: %v", gas.Blockhash, err)
	}

	opts := []solana.TransactionOption{
		solana.TransactionPayer(owner),
	}
	if len(tables) > 0 {
		resolved, er := s.lookups.Resolve(ctx, tables)
		if er != nil {
			return nil, er
		}
		opts = append(opts, solana.TransactionAddressTables(resolved))
	}

	tx, err := solana.NewTransaction(instructions, blockhash, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	signer, err := s.keys.SignerFor(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signer: %w", err)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	tx.Signatures = []solana.Signature{sig}

	return tx, nil
}

package solana

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// resolverService resolves an owner's native account and its
// program-owned token subaccounts. ATA derivation is pure; only the
// deployment/existence checks touch the RPC.
type resolverService struct {
	rpcClient *rpc.Client
}

func newResolverService(rpcClient *rpc.Client) *resolverService {
	return &resolverService{
		rpcClient: rpcClient,
	}
}

// FindAssociatedTokenAddress derives the ATA address for any token program
// (SPL or Token-2022). Pure: identical inputs always yield the identical
// address, no network call.
func FindAssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			wallet[:],
			tokenProgram[:],
			mint[:],
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
}

// GetTokenProgram queries the mint account to determine which token
// program owns it. Token-2022 may carry extension data, but the base Mint
// layout matches legacy SPL.
func (s *resolverService) GetTokenProgram(ctx context.Context, mint solana.PublicKey) (solana.PublicKey, error) {
	accountInfo, err := s.rpcClient.GetAccountInfo(ctx, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to get mint account info: %w", err)
	}
	if accountInfo.Value == nil {
		return solana.PublicKey{}, fmt.Errorf("mint account not found: %s", mint)
	}

	owner := accountInfo.Value.Owner
	if owner != solana.TokenProgramID && owner != solana.Token2022ProgramID {
		return solana.PublicKey{}, fmt.Errorf("mint account is not owned by a token program: %s", owner)
	}

	data := accountInfo.Value.Data.GetBinary()
	var mintData token.Mint
	if err := mintData.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to deserialize mint data: %w", err)
	}
	return owner, nil
}

func (s *resolverService) CheckAccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	accountInfo, err := s.rpcClient.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get account info: %w", err)
	}
	return accountInfo.Value != nil, nil
}

// Subaccounts derives the owner's ATA for each mint, keyed by mint
// address.
func (s *resolverService) Subaccounts(ctx context.Context, owner solana.PublicKey, mints []solana.PublicKey) (map[string]string, error) {
	out := make(map[string]string, len(mints))
	for _, mint := range mints {
		program, err := s.GetTokenProgram(ctx, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to get token program for %s: %w", mint, err)
		}
		ata, _, err := FindAssociatedTokenAddress(owner, mint, program)
		if err != nil {
			return nil, fmt.Errorf("failed to derive ATA for %s: %w", mint, err)
		}
		out[mint.String()] = ata.String()
	}
	return out, nil
}

package solana

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

type simulatorService struct {
	rpcClient *rpc.Client
	lookups   *lookupService
}

func newSimulatorService(rpcClient *rpc.Client, lookups *lookupService) *simulatorService {
	return &simulatorService{
		rpcClient: rpcClient,
		lookups:   lookups,
	}
}

// Simulate dry-runs the exact signed payload against current chain state
// and computes per-token balance deltas by diffing token account state
// before and after.
func (s *simulatorService) Simulate(ctx context.Context, payload []byte) (pipeline.SimulationOutcome, error) {
	tx, err := solana.TransactionFromBytes(payload)
	if err != nil {
		return pipeline.SimulationOutcome{}, fmt.Errorf("failed to parse transaction: %w", err)
	}

	accounts, err := s.observedAccounts(ctx, tx)
	if err != nil {
		return pipeline.SimulationOutcome{}, fmt.Errorf("failed to resolve observed accounts: %w", err)
	}

	pre, err := s.tokenBalances(ctx, accounts)
	if err != nil {
		return pipeline.SimulationOutcome{}, fmt.Errorf("failed to read pre-state: %w", err)
	}

	result, err := s.rpcClient.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: rpc.CommitmentProcessed,
		Accounts: &rpc.SimulateTransactionAccountsOpts{
			Encoding:  solana.EncodingBase64,
			Addresses: accounts,
		},
	})
	if err != nil {
		return pipeline.SimulationOutcome{}, fmt.Errorf("failed to simulate transaction: %w", err)
	}

	value := result.Value
	outcome := pipeline.SimulationOutcome{
		Logs: value.Logs,
	}
	if value.UnitsConsumed != nil {
		outcome.GasUsed = *value.UnitsConsumed
	}

	if value.Err != nil {
		outcome.Success = false
		outcome.RevertReason = revertReason(value.Err, value.Logs)
		return outcome, nil
	}

	outcome.Success = true
	outcome.Deltas = diffTokenBalances(accounts, pre, value.Accounts)
	return outcome, nil
}

// observedAccounts is the full set of accounts whose state the diff must
// cover: the static message keys plus every account a versioned
// transaction references through an address lookup table. Writable
// indexes come first to mirror on-chain resolution order.
func (s *simulatorService) observedAccounts(ctx context.Context, tx *solana.Transaction) ([]solana.PublicKey, error) {
	accounts := append([]solana.PublicKey{}, tx.Message.AccountKeys...)

	for _, lookup := range tx.Message.AddressTableLookups {
		addresses, err := s.lookups.fetch(ctx, lookup.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch lookup table %s: %w", lookup.AccountKey, err)
		}
		for _, idx := range lookup.WritableIndexes {
			if int(idx) >= len(addresses) {
				return nil, fmt.Errorf("lookup index %d out of range for table %s", idx, lookup.AccountKey)
			}
			accounts = append(accounts, addresses[idx])
		}
		for _, idx := range lookup.ReadonlyIndexes {
			if int(idx) >= len(addresses) {
				return nil, fmt.Errorf("lookup index %d out of range for table %s", idx, lookup.AccountKey)
			}
			accounts = append(accounts, addresses[idx])
		}
	}
	return accounts, nil
}

type tokenBalance struct {
	mint   solana.PublicKey
	amount uint64
}

// tokenBalances reads the current token-account state for every account
// the transaction touches; non-token accounts are skipped.
func (s *simulatorService) tokenBalances(ctx context.Context, accounts []solana.PublicKey) (map[solana.PublicKey]tokenBalance, error) {
	out := make(map[solana.PublicKey]tokenBalance)
	if len(accounts) == 0 {
		return out, nil
	}

	result, err := s.rpcClient.GetMultipleAccounts(ctx, accounts...)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	for i, acc := range result.Value {
		if acc == nil {
			continue
		}
		balance, ok := decodeTokenAccount(acc.Owner, acc.Data.GetBinary())
		if ok {
			out[accounts[i]] = balance
		}
	}
	return out, nil
}

func diffTokenBalances(
	accounts []solana.PublicKey,
	pre map[solana.PublicKey]tokenBalance,
	post []*rpc.Account,
) []pipeline.BalanceDelta {
	var deltas []pipeline.BalanceDelta
	for i, acc := range post {
		if i >= len(accounts) {
			break
		}
		addr := accounts[i]

		var after tokenBalance
		var hasAfter bool
		if acc != nil {
			after, hasAfter = decodeTokenAccount(acc.Owner, acc.Data.GetBinary())
		}
		before, hasBefore := pre[addr]
		if !hasAfter && !hasBefore {
			continue
		}

		mint := before.mint
		if hasAfter {
			mint = after.mint
		}

		delta := new(big.Int).Sub(
			new(big.Int).SetUint64(after.amount),
			new(big.Int).SetUint64(before.amount),
		)
		if delta.Sign() == 0 {
			continue
		}
		deltas = append(deltas, pipeline.BalanceDelta{
			Token:   mint.String(),
			Account: addr.String(),
			Amount:  delta,
		})
	}
	return deltas
}

func decodeTokenAccount(owner solana.PublicKey, data []byte) (tokenBalance, bool) {
	if owner != solana.TokenProgramID && owner != solana.Token2022ProgramID {
		return tokenBalance{}, false
	}
	var acc token.Account
	if err := acc.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return tokenBalance{}, false
	}
	return tokenBalance{mint: acc.Mint, amount: acc.Amount}, true
}

// revertReason prefers the last program log line over the opaque
// structured error.
func revertReason(txErr any, logs []string) string {
	for i := len(logs) - 1; i >= 0; i-- {
		line := logs[i]
		if strings.Contains(line, "Error") || strings.Contains(line, "failed") {
			return line
		}
	}
	return fmt.Sprintf("%v", txErr)
}

package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/pipeline"
	"github.com/dustsweep/sweeper/internal/status"
)

// Config carries the delegate identity and policy knobs for the Solana
// network.
type Config struct {
	// Spender is the delegate account the token approvals grant to.
	Spender solana.PublicKey

	// TrackedMints are the token mints whose associated accounts are
	// derived when resolving an owner.
	TrackedMints []solana.PublicKey

	// LookupTables are address lookup tables available for transaction
	// compression. Optional.
	LookupTables []solana.PublicKey

	// ComputeMarginBps scales simulated compute units; 12000 = 1.2x.
	ComputeMarginBps uint64

	FeePolicy FeePolicy
	Urgency   Urgency
}

const defaultComputeMarginBps = 12_000

// Network aggregates the per-chain services and implements the pipeline's
// chain executor for the Solana delegated-transfer model.
type Network struct {
	target    chain.Target
	logger    *logrus.Logger
	cfg       Config
	rpcClient *rpc.Client
	resolver  *resolverService
	auth      *authService
	fees      *feeService
	builder   *builderService
	simulator *simulatorService
	submitter *submitterService
}

func NewNetwork(ctx context.Context, target chain.Target, cfg Config, keys KeyStore, logger *logrus.Logger) (*Network, error) {
	if target.Family != chain.FamilySolana {
		return nil, fmt.Errorf("target %s is not a Solana chain", target.Name)
	}
	if cfg.Spender.IsZero() {
		return nil, fmt.Errorf("spender account is required")
	}
	if cfg.ComputeMarginBps == 0 {
		cfg.ComputeMarginBps = defaultComputeMarginBps
	}
	if cfg.FeePolicy == (FeePolicy{}) {
		cfg.FeePolicy = DefaultFeePolicy()
	}
	if cfg.Urgency == "" {
		cfg.Urgency = UrgencyMedium
	}

	rpcClient := rpc.New(target.RPCURL)
	resolver := newResolverService(rpcClient)

	// Builder and simulator share one table cache so the accounts a
	// versioned transaction references by index are the same set the
	// balance diff observes.
	lookups := newLookupService(rpcClient)

	return &Network{
		target:    target,
		logger:    logger,
		cfg:       cfg,
		rpcClient: rpcClient,
		resolver:  resolver,
		auth:      newAuthService(cfg.Spender, keys, newMemoryNonceSource()),
		fees:      newFeeService(logger, rpcClient, cfg.FeePolicy),
		builder:   newBuilderService(resolver, lookups, keys),
		simulator: newSimulatorService(rpcClient, lookups),
		submitter: newSubmitterService(rpcClient, status.DefaultBackoff()),
	}, nil
}

// Resolve maps an owner to its native account plus the associated token
// accounts for every tracked mint. Solana accounts are not counterfactual,
// so the descriptor carries no init code; Deployed reports whether the
// account is rent-funded.
func (n *Network) Resolve(ctx context.Context, owner string) (pipeline.WalletDescriptor, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return pipeline.WalletDescriptor{}, pipeline.Errf(pipeline.KindAddressDerivation,
			"malformed owner address %q: %v", owner, err)
	}

	exists, err := n.resolver.CheckAccountExists(ctx, ownerKey)
	if err != nil {
		return pipeline.WalletDescriptor{}, fmt.Errorf("failed to check owner account: %w", err)
	}

	subaccounts, err := n.resolver.Subaccounts(ctx, ownerKey, n.cfg.TrackedMints)
	if err != nil {
		return pipeline.WalletDescriptor{}, pipeline.Errf(pipeline.KindAddressDerivation,
			"failed to derive token accounts: %v", err)
	}

	return pipeline.WalletDescriptor{
		Owner:       ownerKey.String(),
		Address:     ownerKey.String(),
		Deployed:    exists,
		Subaccounts: subaccounts,
	}, nil
}

func (n *Network) Authorize(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor) (pipeline.Authorization, error) {
	ownerKey, err := solana.PublicKeyFromBase58(in.Owner)
	if err != nil {
		return pipeline.Authorization{}, pipeline.Errf(pipeline.KindAddressDerivation,
			"malformed owner address %q: %v", in.Owner, err)
	}

	transfers := make([]pipeline.TokenPermission, 0, len(in.Calls))
	for _, c := range in.Calls {
		if c.Token == "" || c.Amount == nil || c.Amount.Sign() <= 0 {
			continue
		}
		transfers = append(transfers, pipeline.TokenPermission{
			Token:  c.Token,
			Amount: c.Amount,
		})
	}
	if len(transfers) == 0 {
		return pipeline.Authorization{}, fmt.Errorf("intent has no token transfers to authorize")
	}

	return n.auth.Authorize(ctx, ownerKey, transfers, in.Deadline)
}

// Sponsor computes the compute-unit price from recent priority fees on
// the accounts the intent touches. Estimation failures fall back to the
// policy's static fee and never block the pipeline.
func (n *Network) Sponsor(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor, auth pipeline.Authorization) (pipeline.SponsoredFee, error) {
	accounts, err := n.feeAccounts(in)
	if err != nil {
		return pipeline.SponsoredFee{}, err
	}

	return pipeline.SponsoredFee{
		PriorityFeeMicroLamports: n.fees.PriorityFee(ctx, accounts, n.cfg.Urgency),
	}, nil
}

// EstimateGas dry-runs a draft transaction to measure compute units,
// applies the margin, and pins the blockhash the final build must use.
func (n *Network) EstimateGas(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor, auth pipeline.Authorization, fee pipeline.SponsoredFee) (pipeline.GasEstimate, error) {
	block, err := n.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}
	blockhash := block.Value.Blockhash.String()

	draftGas := pipeline.GasEstimate{
		ComputeUnits: maxComputeUnits,
		Blockhash:    blockhash,
	}
	draft, err := n.builder.Build(ctx, in, auth, fee, draftGas, n.cfg.LookupTables)
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to build draft transaction: %w", err)
	}
	payload, err := draft.MarshalBinary()
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to marshal draft transaction: %w", err)
	}

	units := uint64(maxComputeUnits)
	outcome, err := n.simulator.Simulate(ctx, payload)
	switch {
	case err != nil:
		n.logger.WithError(err).Warn("compute unit estimation unavailable, using ceiling")
	case !outcome.Success:
		n.logger.WithField("reason", outcome.RevertReason).
			Warn("draft simulation reverted during estimation, using ceiling")
	case outcome.GasUsed > 0:
		units = outcome.GasUsed * n.cfg.ComputeMarginBps / 10_000
		if units > maxComputeUnits {
			units = maxComputeUnits
		}
	}

	return pipeline.GasEstimate{
		ComputeUnits: units,
		Blockhash:    blockhash,
	}, nil
}

func (n *Network) Build(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor, auth pipeline.Authorization, fee pipeline.SponsoredFee, gas pipeline.GasEstimate) (pipeline.BuiltOperation, error) {
	tx, err := n.builder.Build(ctx, in, auth, fee, gas, n.cfg.LookupTables)
	if err != nil {
		return pipeline.BuiltOperation{}, err
	}

	payload, err := tx.MarshalBinary()
	if err != nil {
		return pipeline.BuiltOperation{}, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	// First sig is the tx hash.
	return pipeline.BuiltOperation{
		Payload: payload,
		Hash:    tx.Signatures[0].String(),
	}, nil
}

func (n *Network) Simulate(ctx context.Context, op pipeline.BuiltOperation) (pipeline.SimulationOutcome, error) {
	return n.simulator.Simulate(ctx, op.Payload)
}

func (n *Network) Submit(ctx context.Context, op pipeline.BuiltOperation) (pipeline.Handle, error) {
	return n.submitter.Submit(ctx, op.Payload)
}

func (n *Network) AwaitReceipt(ctx context.Context, handle pipeline.Handle, timeout time.Duration) (pipeline.Receipt, error) {
	return n.submitter.AwaitReceipt(ctx, handle, timeout)
}

func (n *Network) CheckInclusion(ctx context.Context, handle pipeline.Handle) (pipeline.Receipt, bool, error) {
	return n.submitter.CheckInclusion(ctx, handle)
}

// feeAccounts collects the distinct writable accounts the intent's
// destination calls touch; recent fee samples on those accounts drive
// the priority fee percentile.
func (n *Network) feeAccounts(in intent.Intent) ([]solana.PublicKey, error) {
	seen := make(map[solana.PublicKey]struct{})
	var accounts []solana.PublicKey

	add := func(pk solana.PublicKey) {
		if _, ok := seen[pk]; ok {
			return
		}
		seen[pk] = struct{}{}
		accounts = append(accounts, pk)
	}

	for i, c := range in.Calls {
		wire, err := DecodeInstruction(c.Data)
		if err != nil {
			return nil, fmt.Errorf("destination call %d: %w", i, err)
		}
		inst, err := wire.Typed()
		if err != nil {
			return nil, fmt.Errorf("destination call %d: %w", i, err)
		}
		for _, meta := range inst.Accounts() {
			if meta.IsWritable {
				add(meta.PublicKey)
			}
		}
	}
	return accounts, nil
}

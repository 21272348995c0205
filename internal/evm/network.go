package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/pipeline"
	"github.com/dustsweep/sweeper/internal/status"
)

// Config carries the protocol addresses and policy knobs for one EVM
// network.
type Config struct {
	EntryPoint     ecommon.Address
	WalletFactory  ecommon.Address
	WalletInitHash [32]byte
	PermitVerifier ecommon.Address

	// GasMarginBps scales relay gas estimates; 12000 = 1.2x.
	GasMarginBps uint64

	// GasToken and MaxGasTokenAmount bound ERC-20 fee repayment policy.
	GasToken          ecommon.Address
	MaxGasTokenAmount *big.Int
}

const defaultGasMarginBps = 12_000

// Network aggregates the per-chain services and implements the pipeline's
// chain executor for the EVM account-abstraction model.
type Network struct {
	target    chain.Target
	resolver  *resolverService
	auth      *authService
	paymaster *paymasterClient
	builder   *builderService
	simulator *simulatorService
	submitter *submitterService
}

func NewNetwork(ctx context.Context, target chain.Target, cfg Config, keys KeyStore) (*Network, error) {
	if target.Family != chain.FamilyEVM {
		return nil, fmt.Errorf("target %s is not an EVM chain", target.Name)
	}
	if cfg.GasMarginBps == 0 {
		cfg.GasMarginBps = defaultGasMarginBps
	}

	ethClient, err := ethclient.DialContext(ctx, target.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	bundlerRPC, err := rpc.DialContext(ctx, target.BundlerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bundler: %w", err)
	}
	paymasterRPC, err := rpc.DialContext(ctx, target.PaymasterURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to paymaster: %w", err)
	}

	bundler := newBundlerClient(bundlerRPC, cfg.EntryPoint)
	nonces := newRPCNonceSource(cfg.PermitVerifier, ethClient)

	return &Network{
		target:   target,
		resolver: newResolverService(cfg.WalletFactory, cfg.WalletInitHash, ethClient),
		auth: newAuthService(
			target.ChainID,
			cfg.PermitVerifier,
			cfg.PermitVerifier,
			keys,
			nonces,
		),
		paymaster: newPaymasterClient(paymasterRPC, cfg.EntryPoint, cfg.GasToken, cfg.MaxGasTokenAmount),
		builder: newBuilderService(
			target.ChainID,
			cfg.EntryPoint,
			cfg.PermitVerifier,
			ethClient,
			ethClient,
			bundler,
			keys,
			cfg.GasMarginBps,
		),
		simulator: newSimulatorService(ethClient.Client(), cfg.EntryPoint),
		submitter: newSubmitterService(bundler, status.DefaultBackoff()),
	}, nil
}

func (n *Network) Resolve(ctx context.Context, owner string) (pipeline.WalletDescriptor, error) {
	if !ecommon.IsHexAddress(owner) {
		return pipeline.WalletDescriptor{}, pipeline.Errf(pipeline.KindAddressDerivation,
			"malformed owner address %q", owner)
	}
	ownerAddr := ecommon.HexToAddress(owner)

	walletAddr, initCode := n.resolver.Resolve(ownerAddr)

	deployed, err := n.resolver.IsDeployed(ctx, walletAddr)
	if err != nil {
		return pipeline.WalletDescriptor{}, fmt.Errorf("failed to check wallet deployment: %w", err)
	}

	return pipeline.WalletDescriptor{
		Owner:    ownerAddr.Hex(),
		Address:  walletAddr.Hex(),
		InitCode: initCode,
		Deployed: deployed,
	}, nil
}

func (n *Network) Authorize(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor) (pipeline.Authorization, error) {
	transfers, err := transfersFromCalls(in.Calls)
	if err != nil {
		return pipeline.Authorization{}, err
	}
	return n.auth.Authorize(ctx, ecommon.HexToAddress(in.Owner), transfers, in.Deadline)
}

// Sponsor reads the wallet's 4337 nonce exactly once and pins it into the
// sponsored fee, so the paymaster signature and every later draft cover
// the same nonce even if the chain advances in between.
func (n *Network) Sponsor(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor, auth pipeline.Authorization) (pipeline.SponsoredFee, error) {
	nonce, err := n.builder.accountNonce(ctx, ecommon.HexToAddress(wallet.Address))
	if err != nil {
		return pipeline.SponsoredFee{}, fmt.Errorf("failed to read account nonce: %w", err)
	}

	draft, err := n.builder.Draft(in, wallet, auth, nonce)
	if err != nil {
		return pipeline.SponsoredFee{}, fmt.Errorf("failed to build draft operation: %w", err)
	}

	fee, err := n.paymaster.Sponsor(ctx, draft)
	if err != nil {
		return pipeline.SponsoredFee{}, err
	}
	fee.Nonce = nonce
	return fee, nil
}

func (n *Network) EstimateGas(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor, auth pipeline.Authorization, fee pipeline.SponsoredFee) (pipeline.GasEstimate, error) {
	if fee.Nonce == nil {
		return pipeline.GasEstimate{}, fmt.Errorf("sponsored fee carries no pinned nonce")
	}
	draft, err := n.builder.Draft(in, wallet, auth, fee.Nonce)
	if err != nil {
		return pipeline.GasEstimate{}, fmt.Errorf("failed to build draft operation: %w", err)
	}
	return n.builder.EstimateGas(ctx, draft, fee)
}

func (n *Network) Build(ctx context.Context, in intent.Intent, wallet pipeline.WalletDescriptor, auth pipeline.Authorization, fee pipeline.SponsoredFee, gas pipeline.GasEstimate) (pipeline.BuiltOperation, error) {
	if !fee.ValidUntil.IsZero() && fee.ValidUntil.Before(time.Now()) {
		return pipeline.BuiltOperation{}, pipeline.Errf(pipeline.KindSponsorshipRejected,
			"sponsorship expired at %s, re-sponsor before building", fee.ValidUntil)
	}
	if fee.Nonce == nil {
		return pipeline.BuiltOperation{}, fmt.Errorf("sponsored fee carries no pinned nonce")
	}

	draft, err := n.builder.Draft(in, wallet, auth, fee.Nonce)
	if err != nil {
		return pipeline.BuiltOperation{}, fmt.Errorf("failed to build draft operation: %w", err)
	}

	op, err := n.builder.Finalize(ctx, draft, ecommon.HexToAddress(in.Owner), fee, gas)
	if err != nil {
		return pipeline.BuiltOperation{}, fmt.Errorf("failed to finalize operation: %w", err)
	}

	payload, err := op.Marshal()
	if err != nil {
		return pipeline.BuiltOperation{}, err
	}

	return pipeline.BuiltOperation{
		Payload: payload,
		Hash:    op.Hash(n.builder.entryPoint, n.builder.chainID).Hex(),
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

// transfersFromCalls collapses the intent's calls into the token
// permissions the authorization must cover, caller order preserved.
func transfersFromCalls(calls []intent.DestinationCall) ([]pipeline.TokenPermission, error) {
	transfers := make([]pipeline.TokenPermission, 0, len(calls))
	for _, c := range calls {
		if c.Token == "" || c.Amount == nil || c.Amount.Sign() <= 0 {
			continue
		}
		if !ecommon.IsHexAddress(c.Token) {
			return nil, pipeline.Errf(pipeline.KindAddressDerivation, "malformed token address %q", c.Token)
		}
		transfers = append(transfers, pipeline.TokenPermission{
			Token:  c.Token,
			Amount: c.Amount,
		})
	}
	if len(transfers) == 0 {
		return nil, fmt.Errorf("intent has no token transfers to authorize")
	}
	return transfers, nil
}

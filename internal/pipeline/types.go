package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/dustsweep/sweeper/internal/intent"
)

// State is one stage of the per-intent state machine. Transitions are
// strictly forward.
type State string

const (
	StateBuilt        State = "built"
	StateAuthorized   State = "authorized"
	StateSponsored    State = "sponsored"
	StateGasEstimated State = "gas_estimated"
	StateSimulated    State = "simulated"
	StateSubmitted    State = "submitted"
	StateConfirmed    State = "confirmed"
	StateReverted     State = "reverted"
	StateTimedOut     State = "timed_out"
	StateAbandoned    State = "abandoned"
)

// WalletDescriptor is the resolved execution account for an owner:
// the counterfactual smart wallet on EVM, the native account on Solana.
// Derivation is pure, so descriptors are cached per owner and never change.
type WalletDescriptor struct {
	Owner   string
	Address string

	// InitCode deploys the smart wallet when Deployed is false. Empty on
	// chains without counterfactual accounts.
	InitCode []byte
	Deployed bool

	// Subaccounts maps a token identifier to its program-owned account
	// (associated token accounts on Solana).
	Subaccounts map[string]string
}

// TokenPermission is one (token, amount) pair covered by an Authorization,
// in the caller's order.
type TokenPermission struct {
	Token  string
	Amount *big.Int
}

// Authorization is a signed, time-bounded, nonce-scoped permission for the
// executor to move the owner's tokens. Owned by one intent, never reused.
type Authorization struct {
	Owner     string
	Spender   string
	Transfers []TokenPermission
	Nonce     *big.Int
	Deadline  time.Time
	Digest    []byte
	Signature []byte
}

/// SponsoredFee is the fee arrangement for one operation: paymaster data
// with a validity window on EVM, a computed compute-unit price on Solana.
type SponsoredFee struct {
	PaymasterAndData []byte
	ValidAfter       time.Time
	ValidUntil       time.Time

	// Nonce is the account nonce the sponsorship was signed over, read
	// once and reused by every later build of the same operation.
	Nonce *big.Int

	PriorityFeeMicroLamports uint64
	ComputeUnitLimit         uint32
}

// GasEstimate carries the margin-adjusted cost ceilings plus whatever
// chain state the build must be pinned to (recent blockhash on Solana).
type GasEstimate struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	ComputeUnits uint64
	Blockhash    string
}

// BuiltOperation is the fully assembled payload. Payload bytes are
// canonical: the simulator and submitter both consume exactly these bytes,
// and Hash identifies them. Regenerated, never mutated.
type BuiltOperation struct {
	Payload []byte
	Hash    string
}

// BalanceDelta is one simulated per-token balance change.
type BalanceDelta struct {
	Token   string
	Account string
	Amount  *big.Int
}

// SimulationOutcome is the dry-run verdict. Ephemeral; consumed by the
// coordinator's transition decision and discarded.
type SimulationOutcome struct {
	Success      bool
	Deltas       []BalanceDelta
	Logs         []string
	GasUsed      uint64
	RevertReason string
}

// ReceiptStatus is the terminal on-chain status of a submission.
type ReceiptStatus string

const (
	ReceiptIncluded ReceiptStatus = "included"
	ReceiptDropped  ReceiptStatus = "dropped"
	ReceiptReverted ReceiptStatus = "reverted"
	ReceiptTimedOut ReceiptStatus = "timed_out"
)

// Handle identifies an in-flight submission at the relay.
type Handle struct {
	ID string
}

// Receipt is the terminal settlement record for a submitted operation.
type Receipt struct {
	Handle Handle
	Status ReceiptStatus
	TxHash string
	Block  uint64
}

// ChainExecutor is the per-family capability set the coordinator drives.
// internal/evm and internal/solana each provide one.
type ChainExecutor interface {
	Resolve(ctx context.Context, owner string) (WalletDescriptor, error)
	Authorize(ctx context.Context, in intent.Intent, wallet WalletDescriptor) (Authorization, error)
	Sponsor(ctx context.Context, in intent.Intent, wallet WalletDescriptor, auth Authorization) (SponsoredFee, error)
	EstimateGas(ctx context.Context, in intent.Intent, wallet WalletDescriptor, auth Authorization, fee SponsoredFee) (GasEstimate, error)
	Build(ctx context.Context, in intent.Intent, wallet WalletDescriptor, auth Authorization, fee SponsoredFee, gas GasEstimate) (BuiltOperation, error)
	Simulate(ctx context.Context, op BuiltOperation) (SimulationOutcome, error)
	Submit(ctx context.Context, op BuiltOperation) (Handle, error)
	AwaitReceipt(ctx context.Context, handle Handle, timeout time.Duration) (Receipt, error)

	// CheckInclusion re-queries chain state for a handle whose await timed
	// out: the operation may have landed after the client gave up waiting.
	CheckInclusion(ctx context.Context, handle Handle) (Receipt, bool, error)
}

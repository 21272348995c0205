// Package destination catalogs the places swept funds can flow to. Each
// builder turns a (token, amount, recipient) request into one encoded
// destination call for the target chain; the pipeline treats the result
// as opaque bytes.
package destination

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
)

// Request is the chain-agnostic input to a builder. Addresses use the
// target chain's native encoding.
type Request struct {
	// Owner is the account funds leave from.
	Owner string

	// Wallet is the executing account: the smart wallet on EVM, the owner
	// itself on Solana.
	Wallet string

	Token     string
	Amount    *big.Int
	Recipient string

	// ExpectedMinOut bounds the output credited by the call. Zero means
	// no bound.
	ExpectedMinOut *big.Int
}

func (r Request) validate() error {
	if r.Owner == "" {
		return fmt.Errorf("destination: owner is required")
	}
	if r.Token == "" {
		return fmt.Errorf("destination: token is required")
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("destination: amount must be positive")
	}
	if r.Recipient == "" {
		return fmt.Errorf("destination: recipient is required")
	}
	return nil
}

// Builder encodes one protocol's destination call. Implementations are
// pure: no RPC, no clocks.
type Builder interface {
	Protocol() string
	BuildCall(target chain.Target, req Request) (intent.DestinationCall, error)
}

// Registry maps protocol tags to builders.
type Registry struct {
	builders map[string]Builder
}

func NewRegistry(builders ...Builder) (*Registry, error) {
	r := &Registry{builders: make(map[string]Builder, len(builders))}
	for _, b := range builders {
		if _, exists := r.builders[b.Protocol()]; exists {
			return nil, fmt.Errorf("destination: duplicate protocol %q", b.Protocol())
		}
		r.builders[b.Protocol()] = b
	}
	return r, nil
}

// BuildCall dispatches to the named protocol's builder.
func (r *Registry) BuildCall(protocol string, target chain.Target, req Request) (intent.DestinationCall, error) {
	b, ok := r.builders[protocol]
	if !ok {
		return intent.DestinationCall{}, fmt.Errorf("destination: unknown protocol %q", protocol)
	}
	if err := req.validate(); err != nil {
		return intent.DestinationCall{}, err
	}
	return b.BuildCall(target, req)
}

// Protocols lists the registered protocol tags, sorted.
func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.builders))
	for p := range r.builders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

package chain

import "fmt"

// Family selects which execution model a target uses.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// NativeAsset describes the fee-paying asset of a network.
type NativeAsset struct {
	Symbol   string
	Decimals uint8
}

// Target is an immutable descriptor of one network. Construct once at
// wiring time and share read-only.
type Target struct {
	Family       Family
	Name         string
	ChainID      uint64
	RPCURL       string
	BundlerURL   string
	PaymasterURL string
	Native       NativeAsset
}

func (t Target) String() string {
	return t.Name
}

func (t Target) Validate() error {
	switch t.Family {
	case FamilyEVM:
		if t.ChainID == 0 {
			return fmt.Errorf("chain %q: evm target requires chain id", t.Name)
		}
	case FamilySolana:
	default:
		return fmt.Errorf("chain %q: unknown family %q", t.Name, t.Family)
	}
	if t.RPCURL == "" {
		return fmt.Errorf("chain %q: rpc url is required", t.Name)
	}
	return nil
}

func Ethereum(rpcURL, bundlerURL, paymasterURL string) Target {
	return Target{
		Family:       FamilyEVM,
		Name:         "ethereum",
		ChainID:      1,
		RPCURL:       rpcURL,
		BundlerURL:   bundlerURL,
		PaymasterURL: paymasterURL,
		Native:       NativeAsset{Symbol: "ETH", Decimals: 18},
	}
}

func Base(rpcURL, bundlerURL, paymasterURL string) Target {
	return Target{
		Family:       FamilyEVM,
		Name:         "base",
		ChainID:      8453,
		RPCURL:       rpcURL,
		BundlerURL:   bundlerURL,
		PaymasterURL: paymasterURL,
		Native:       NativeAsset{Symbol: "ETH", Decimals: 18},
	}
}

func Arbitrum(rpcURL, bundlerURL, paymasterURL string) Target {
	return Target{
		Family:       FamilyEVM,
		Name:         "arbitrum",
		ChainID:      42161,
		RPCURL:       rpcURL,
		BundlerURL:   bundlerURL,
		PaymasterURL: paymasterURL,
		Native:       NativeAsset{Symbol: "ETH", Decimals: 18},
	}
}

func Solana(rpcURL string) Target {
	return Target{
		Family: FamilySolana,
		Name:   "solana",
		RPCURL: rpcURL,
		Native: NativeAsset{Symbol: "SOL", Decimals: 9},
	}
}

package main

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Redis      redis
	Evm        evmConfig
	Solana     solanaConfig
	Keys       keysConfig
	Pipeline   pipelineConfig
	HealthPort int `default:"8080"`
}

type redis struct {
	Host     string `default:"localhost"`
	Port     string `default:"6379"`
	User     string
	Password string
	DB       int
}

type evmConfig struct {
	Ethereum evmChain
	Base     evmChain
	Arbitrum evmChain
}

type evmChain struct {
	Enabled      bool
	RpcURL       string `split_words:"true"`
	BundlerURL   string `split_words:"true"`
	PaymasterURL string `split_words:"true"`

	EntryPoint     string `split_words:"true"`
	WalletFactory  string `split_words:"true"`
	WalletInitHash string `split_words:"true"`
	PermitVerifier string `split_words:"true"`

	GasToken          string `split_words:"true"`
	MaxGasTokenAmount string `split_words:"true"`
	GasMarginBps      uint64 `split_words:"true"`
}

type solanaConfig struct {
	Enabled bool
	RpcURL  string `split_words:"true"`

	Spender      string
	TrackedMints []string `split_words:"true"`
	LookupTables []string `split_words:"true"`

	ComputeMarginBps uint64 `split_words:"true"`
	FeeFloor         uint64 `split_words:"true"`
	FeeCeiling       uint64 `split_words:"true"`
	FeeFallback      uint64 `split_words:"true"`
	FeeUrgency       string `split_words:"true"`
}

type keysConfig struct {
	// EvmPrivateKeys are hex-encoded secp256k1 owner keys.
	EvmPrivateKeys []string `split_words:"true"`

	// SolanaPrivateKeys are base58-encoded ed25519 owner keys.
	SolanaPrivateKeys []string `split_words:"true"`
}

type pipelineConfig struct {
	SubmitTimeoutSeconds  int `split_words:"true" default:"120"`
	RepollIntervalSeconds int `split_words:"true" default:"5"`
	MaxRepolls            int `split_words:"true" default:"6"`
}

func newConfig() (config, error) {
	var cfg config
	err := envconfig.Process("sweep", &cfg)
	if err != nil {
		return config{}, fmt.Errorf("failed to process env var: %w", err)
	}
	return cfg, nil
}

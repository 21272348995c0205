package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gosolana "github.com/gagliardetto/solana-go"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/evm"
	"github.com/dustsweep/sweeper/internal/graceful"
	"github.com/dustsweep/sweeper/internal/health"
	"github.com/dustsweep/sweeper/internal/metrics"
	"github.com/dustsweep/sweeper/internal/pipeline"
	"github.com/dustsweep/sweeper/internal/solana"
	"github.com/dustsweep/sweeper/internal/sweep"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.DebugLevel)

	cfg, err := newConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	chains := make(map[string]chain.Target)
	executors := make(map[string]pipeline.ChainExecutor)

	evmKeys, err := evmKeyStore(cfg.Keys.EvmPrivateKeys)
	if err != nil {
		logger.Fatalf("failed to load EVM keys: %v", err)
	}

	evmTargets := []struct {
		cfg    evmChain
		target chain.Target
	}{
		{cfg.Evm.Ethereum, chain.Ethereum(cfg.Evm.Ethereum.RpcURL, cfg.Evm.Ethereum.BundlerURL, cfg.Evm.Ethereum.PaymasterURL)},
		{cfg.Evm.Base, chain.Base(cfg.Evm.Base.RpcURL, cfg.Evm.Base.BundlerURL, cfg.Evm.Base.PaymasterURL)},
		{cfg.Evm.Arbitrum, chain.Arbitrum(cfg.Evm.Arbitrum.RpcURL, cfg.Evm.Arbitrum.BundlerURL, cfg.Evm.Arbitrum.PaymasterURL)},
	}
	for _, t := range evmTargets {
		if !t.cfg.Enabled {
			continue
		}
		networkCfg, er := evmNetworkConfig(t.cfg)
		if er != nil {
			logger.Fatalf("invalid %s config: %v", t.target.Name, er)
		}
		network, er := evm.NewNetwork(ctx, t.target, networkCfg, evmKeys)
		if er != nil {
			logger.Fatalf("failed to initialize %s network: %v", t.target.Name, er)
		}
		chains[t.target.Name] = t.target
		executors[t.target.Name] = network
		logger.Infof("initialized %s network with RPC: %s", t.target.Name, t.target.RPCURL)
	}

	if cfg.Solana.Enabled {
		target := chain.Solana(cfg.Solana.RpcURL)
		networkCfg, solKeys, er := solanaNetworkConfig(cfg.Solana, cfg.Keys.SolanaPrivateKeys)
		if er != nil {
			logger.Fatalf("invalid solana config: %v", er)
		}
		network, er := solana.NewNetwork(ctx, target, networkCfg, solKeys, logger)
		if er != nil {
			logger.Fatalf("failed to initialize solana network: %v", er)
		}
		chains[target.Name] = target
		executors[target.Name] = network
		logger.Infof("initialized solana network with RPC: %s", target.RPCURL)
	}

	if len(executors) == 0 {
		logger.Fatal("no networks enabled")
	}

	metrics.RegisterMetrics([]string{"http", "pipeline"}, logger)

	coordinator := pipeline.NewCoordinator(
		logger,
		pipeline.Config{
			SubmitTimeout:  time.Duration(cfg.Pipeline.SubmitTimeoutSeconds) * time.Second,
			RepollInterval: time.Duration(cfg.Pipeline.RepollIntervalSeconds) * time.Second,
			MaxRepolls:     cfg.Pipeline.MaxRepolls,
		},
		executors,
		metrics.NewPipelineMetrics(),
	)
	consumer := sweep.NewConsumer(logger, coordinator, chains)

	healthServer := health.New(cfg.HealthPort)
	go func() {
		er := healthServer.Start(ctx, logger)
		if er != nil {
			logger.Errorf("health server failed: %v", er)
		}
	}()

	go func() {
		sig := <-graceful.MakeSigintChan()
		logger.Infof("received exit signal: %v", sig)
		cancel()
	}()

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     net.JoinHostPort(cfg.Redis.Host, cfg.Redis.Port),
			Username: cfg.Redis.User,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Logger:      logger,
			Concurrency: 10,
			Queues: map[string]int{
				sweep.QueueName: 10,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(sweep.TypeSweepExecute, consumer.Handle)
	err = srv.Run(mux)
	if err != nil {
		logger.Fatalf("failed to run consumer: %v", err)
	}
}

func evmKeyStore(hexKeys []string) (*evm.LocalKeyStore, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for _, raw := range hexKeys {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse EVM private key: %w", err)
		}
		keys = append(keys, k)
	}
	return evm.NewLocalKeyStore(keys...), nil
}

func evmNetworkConfig(c evmChain) (evm.Config, error) {
	for name, addr := range map[string]string{
		"entry point":     c.EntryPoint,
		"wallet factory":  c.WalletFactory,
		"permit verifier": c.PermitVerifier,
	} {
		if !ecommon.IsHexAddress(addr) {
			return evm.Config{}, fmt.Errorf("malformed %s address %q", name, addr)
		}
	}

	initHash, err := hex.DecodeString(strings.TrimPrefix(c.WalletInitHash, "0x"))
	if err != nil || len(initHash) != 32 {
		return evm.Config{}, fmt.Errorf("wallet init hash must be 32 hex bytes")
	}

	cfg := evm.Config{
		EntryPoint:     ecommon.HexToAddress(c.EntryPoint),
		WalletFactory:  ecommon.HexToAddress(c.WalletFactory),
		PermitVerifier: ecommon.HexToAddress(c.PermitVerifier),
		GasMarginBps:   c.GasMarginBps,
	}
	copy(cfg.WalletInitHash[:], initHash)

	if c.GasToken != "" {
		if !ecommon.IsHexAddress(c.GasToken) {
			return evm.Config{}, fmt.Errorf("malformed gas token address %q", c.GasToken)
		}
		cfg.GasToken = ecommon.HexToAddress(c.GasToken)
	}
	if c.MaxGasTokenAmount != "" {
		amount, ok := new(big.Int).SetString(c.MaxGasTokenAmount, 10)
		if !ok {
			return evm.Config{}, fmt.Errorf("malformed max gas token amount %q", c.MaxGasTokenAmount)
		}
		cfg.MaxGasTokenAmount = amount
	}
	return cfg, nil
}

func solanaNetworkConfig(c solanaConfig, base58Keys []string) (solana.Config, *solana.LocalKeyStore, error) {
	spender, err := gosolana.PublicKeyFromBase58(c.Spender)
	if err != nil {
		return solana.Config{}, nil, fmt.Errorf("malformed spender %q: %w", c.Spender, err)
	}

	mints, err := parsePublicKeys(c.TrackedMints)
	if err != nil {
		return solana.Config{}, nil, fmt.Errorf("tracked mints: %w", err)
	}
	tables, err := parsePublicKeys(c.LookupTables)
	if err != nil {
		return solana.Config{}, nil, fmt.Errorf("lookup tables: %w", err)
	}

	keys := make([]gosolana.PrivateKey, 0, len(base58Keys))
	for _, raw := range base58Keys {
		k, er := gosolana.PrivateKeyFromBase58(raw)
		if er != nil {
			return solana.Config{}, nil, fmt.Errorf("failed to parse Solana private key: %w", er)
		}
		keys = append(keys, k)
	}

	cfg := solana.Config{
		Spender:          spender,
		TrackedMints:     mints,
		LookupTables:     tables,
		ComputeMarginBps: c.ComputeMarginBps,
		FeePolicy: solana.FeePolicy{
			Floor:    c.FeeFloor,
			Ceiling:  c.FeeCeiling,
			Fallback: c.FeeFallback,
		},
		Urgency: solana.Urgency(c.FeeUrgency),
	}
	return cfg, solana.NewLocalKeyStore(keys...), nil
}

func parsePublicKeys(raw []string) ([]gosolana.PublicKey, error) {
	out := make([]gosolana.PublicKey, 0, len(raw))
	for _, s := range raw {
		pk, err := gosolana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("malformed public key %q: %w", s, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

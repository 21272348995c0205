// Command tools bundles the operational helpers: counterfactual address
// derivation, permit verification and sweep enqueueing.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	ecommon "github.com/ethereum/go-ethereum/common"
	gosolana "github.com/gagliardetto/solana-go"
	"github.com/hibiken/asynq"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/destination"
	"github.com/dustsweep/sweeper/internal/evm"
	"github.com/dustsweep/sweeper/internal/intent"
	"github.com/dustsweep/sweeper/internal/pipeline"
	"github.com/dustsweep/sweeper/internal/solana"
	"github.com/dustsweep/sweeper/internal/sweep"
	"github.com/dustsweep/sweeper/internal/util"
)

var (
	cmd = flag.String("cmd", "", "one of: derive-evm, derive-solana, verify-permit, enqueue")

	owner    = flag.String("owner", "", "owner address (0x-hex or base58)")
	factory  = flag.String("factory", "", "wallet factory address, 0x-hex")
	initHash = flag.String("init-hash", "", "wallet init code hash, 32 hex bytes")
	mint     = flag.String("mint", "", "token mint, base58")

	permitFile = flag.String("file", "", "path to a JSON-encoded authorization")
	chainID    = flag.Uint64("chain-id", 1, "EVM chain id for permit verification")
	verifier   = flag.String("verifier", "", "permit verifier contract, 0x-hex")

	redisAddr = flag.String("redis", "localhost:6379", "redis address for enqueueing")
	chainName = flag.String("chain", "", "chain name: ethereum, base, arbitrum, solana")
	protocol  = flag.String("protocol", "transfer", "destination protocol: transfer, deposit")
	token     = flag.String("token", "", "token contract or mint")
	amount    = flag.String("amount", "", "human-readable token amount")
	decimals  = flag.Int("decimals", 18, "token decimals")
	recipient = flag.String("recipient", "", "recipient address")
	minOut    = flag.String("min-out", "", "optional lower bound on the output amount")
	deadline  = flag.Duration("deadline", 30*time.Minute, "intent deadline from now")
	vault     = flag.String("vault", "", "EVM vault contract for deposit, 0x-hex")
	program   = flag.String("program", "", "Solana vault program for deposit, base58")
	pool      = flag.String("pool", "", "Solana pool account for deposit, base58")
)

var commands = map[string]func() error{
	"derive-evm":    deriveEvm,
	"derive-solana": deriveSolana,
	"verify-permit": verifyPermit,
	"enqueue":       enqueue,
}

var chainFamilies = map[string]chain.Family{
	"ethereum": chain.FamilyEVM,
	"base":     chain.FamilyEVM,
	"arbitrum": chain.FamilyEVM,
	"solana":   chain.FamilySolana,
}

func main() {
	flag.Parse()

	run, ok := commands[*cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown cmd %q\n", *cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func deriveEvm() error {
	if !ecommon.IsHexAddress(*owner) {
		return fmt.Errorf("malformed owner address %q", *owner)
	}
	if !ecommon.IsHexAddress(*factory) {
		return fmt.Errorf("malformed factory address %q", *factory)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(*initHash, "0x"))
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("init-hash must be 32 hex bytes")
	}
	var hash [32]byte
	copy(hash[:], raw)

	ownerAddr := ecommon.HexToAddress(*owner)
	salt := evm.WalletSalt(ownerAddr)
	wallet := evm.CounterfactualAddress(ecommon.HexToAddress(*factory), hash, ownerAddr)

	fmt.Printf("owner:  %s\n", ownerAddr.Hex())
	fmt.Printf("salt:   0x%x\n", salt)
	fmt.Printf("wallet: %s\n", wallet.Hex())
	return nil
}

func deriveSolana() error {
	ownerKey, err := gosolana.PublicKeyFromBase58(*owner)
	if err != nil {
		return fmt.Errorf("malformed owner %q: %w", *owner, err)
	}
	mintKey, err := gosolana.PublicKeyFromBase58(*mint)
	if err != nil {
		return fmt.Errorf("malformed mint %q: %w", *mint, err)
	}

	ata, bump, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey, gosolana.TokenProgramID)
	if err != nil {
		return fmt.Errorf("failed to derive ATA: %w", err)
	}

	fmt.Printf("owner: %s\n", ownerKey)
	fmt.Printf("mint:  %s\n", mintKey)
	fmt.Printf("ata:   %s (bump %d)\n", ata, bump)
	return nil
}

func verifyPermit() error {
	raw, err := os.ReadFile(*permitFile)
	if err != nil {
		return fmt.Errorf("failed to read authorization file: %w", err)
	}

	var auth pipeline.Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return fmt.Errorf("failed to parse authorization: %w", err)
	}

	if strings.HasPrefix(auth.Owner, "0x") {
		if !ecommon.IsHexAddress(*verifier) {
			return fmt.Errorf("verifier address is required for EVM permits")
		}
		if !evm.VerifyPermit(*chainID, ecommon.HexToAddress(*verifier), auth) {
			return fmt.Errorf("permit does not verify")
		}
		signer, err := evm.RecoverPermitSigner(auth)
		if err != nil {
			return fmt.Errorf("failed to recover signer: %w", err)
		}
		fmt.Printf("valid EVM permit, signer %s\n", signer.Hex())
		return nil
	}

	if !solana.VerifyPermit(auth) {
		return fmt.Errorf("permit does not verify")
	}
	fmt.Printf("valid Solana permit, owner %s\n", auth.Owner)
	return nil
}

func enqueue() error {
	family, ok := chainFamilies[*chainName]
	if !ok {
		return fmt.Errorf("unknown chain %q", *chainName)
	}
	target := chain.Target{Family: family, Name: *chainName}

	amt, err := util.ToBaseUnits(*amount, *decimals)
	if err != nil {
		return fmt.Errorf("failed to parse amount: %w", err)
	}

	req := destination.Request{
		Owner:     *owner,
		Token:     *token,
		Amount:    amt,
		Recipient: *recipient,
	}
	if *minOut != "" {
		req.ExpectedMinOut, err = util.ToBaseUnits(*minOut, *decimals)
		if err != nil {
			return fmt.Errorf("failed to parse min-out: %w", err)
		}
	}

	registry, err := destination.NewRegistry(
		destination.TransferBuilder{},
		destination.DepositBuilder{Vault: *vault, Program: *program, Pool: *pool},
	)
	if err != nil {
		return err
	}
	call, err := registry.BuildCall(*protocol, target, req)
	if err != nil {
		return fmt.Errorf("failed to build destination call: %w", err)
	}

	task, err := sweep.NewTaskFromParts(*owner, *chainName, time.Now().Add(*deadline),
		[]intent.DestinationCall{call})
	if err != nil {
		return err
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: *redisAddr})
	defer client.Close()

	info, err := client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("failed to enqueue sweep: %w", err)
	}
	fmt.Printf("enqueued %s id=%s queue=%s\n", task.Type(), info.ID, info.Queue)
	return nil
}

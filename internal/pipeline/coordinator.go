package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dustsweep/sweeper/internal/intent"
)

// Config bounds the coordinator's waiting and re-polling behaviour.
type Config struct {
	SubmitTimeout  time.Duration
	RepollInterval time.Duration
	MaxRepolls     int

	// RetainTerminal is how long a finished run stays joinable before it
	// is evicted, after which an identical re-enqueue starts fresh.
	RetainTerminal time.Duration
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout:  2 * time.Minute,
		RepollInterval: 5 * time.Second,
		MaxRepolls:     6,
		RetainTerminal: time.Minute,
	}
}

// Observer receives pipeline telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	RecordExecution(chain, state string, duration time.Duration)
	RecordError(chain, kind string)
	RecordSimulation(chain string, gasUsed uint64)
}

// Result is the terminal outcome of one intent.
type Result struct {
	State   State
	Receipt Receipt
	Err     error
}

type run struct {
	done   chan struct{}
	result Result
}

// Coordinator drives one intent through the fixed state machine and owns
// idempotency: concurrent calls with the same fingerprint share one run.
type Coordinator struct {
	logger    *logrus.Logger
	cfg       Config
	executors map[string]ChainExecutor
	observer  Observer

	mu       sync.Mutex
	inflight map[string]*run

	walletMu sync.Mutex
	wallets  map[string]WalletDescriptor

	authMu    sync.Mutex
	authLocks map[string]*ownerLock
}

// ownerLock is reference counted so the coordinator can drop entries the
// moment no authorization holds or waits on them.
type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// NewCoordinator wires the per-chain executors, keyed by target name.
// observer may be nil.
func NewCoordinator(logger *logrus.Logger, cfg Config, executors map[string]ChainExecutor, observer Observer) *Coordinator {
	return &Coordinator{
		logger:    logger,
		cfg:       cfg,
		executors: executors,
		observer:  observer,
		inflight:  make(map[string]*run),
		wallets:   make(map[string]WalletDescriptor),
		authLocks: make(map[string]*ownerLock),
	}
}

// Execute runs the pipeline for in. A second call with the same intent
// fingerprint while a prior attempt is in flight (or already terminal)
// joins that run instead of starting a duplicate.
func (c *Coordinator) Execute(ctx context.Context, in intent.Intent) (Result, error) {
	fp := in.Fingerprint()

	c.mu.Lock()
	if r, ok := c.inflight[fp]; ok {
		c.mu.Unlock()
		select {
		case <-r.done:
			return r.result, r.result.Err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	r := &run{done: make(chan struct{})}
	c.inflight[fp] = r
	c.mu.Unlock()

	start := time.Now()
	r.result = c.execute(ctx, in)
	close(r.done)
	c.evictAfter(fp, r)

	if c.observer != nil {
		c.observer.RecordExecution(in.Chain.Name, string(r.result.State), time.Since(start))
		if r.result.Err != nil {
			c.observer.RecordError(in.Chain.Name, string(KindOf(r.result.Err)))
		}
	}
	return r.result, r.result.Err
}

// Forget drops a terminal run so the caller can re-enqueue a fresh attempt
// for the same intent content.
func (c *Coordinator) Forget(in intent.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, in.Fingerprint())
}

// evictAfter schedules removal of a terminal run once its retention
// window lapses. Late joiners within the window still share the result;
// after it, an identical intent starts a fresh run instead of reading a
// stale one.
func (c *Coordinator) evictAfter(fp string, r *run) {
	retain := c.cfg.RetainTerminal
	if retain <= 0 {
		retain = DefaultConfig().RetainTerminal
	}
	time.AfterFunc(retain, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A Forget plus re-enqueue may have replaced the entry already.
		if c.inflight[fp] == r {
			delete(c.inflight, fp)
		}
	})
}

func (c *Coordinator) execute(ctx context.Context, in intent.Intent) Result {
	log := c.logger.WithFields(logrus.Fields{
		"pkg":   "pipeline",
		"chain": in.Chain.Name,
		"owner": in.Owner,
	})

	exec, ok := c.executors[in.Chain.Name]
	if !ok {
		return abandoned(StateBuilt, Errf(KindInternal, "no executor for chain %q", in.Chain.Name))
	}

	wallet, err := c.resolveWallet(ctx, exec, in)
	if err != nil {
		return abandoned(StateBuilt, err)
	}
	state := StateBuilt
	log.WithField("wallet", wallet.Address).Debug("wallet resolved")

	// Nonce allocation is a critical section: two in-flight authorizations
	// for the same (owner, chain) must not consume the same nonce.
	auth, err := c.authorizeSerialized(ctx, exec, in, wallet)
	if err != nil {
		return abandoned(state, err)
	}
	state = StateAuthorized

	fee, err := exec.Sponsor(ctx, in, wallet, auth)
	if err != nil {
		return abandoned(state, err)
	}
	state = StateSponsored

	gas, err := exec.EstimateGas(ctx, in, wallet, auth, fee)
	if err != nil {
		return abandoned(state, err)
	}
	state = StateGasEstimated

	op, err := exec.Build(ctx, in, wallet, auth, fee, gas)
	if err != nil {
		return abandoned(state, err)
	}

	sim, err := exec.Simulate(ctx, op)
	if err != nil {
		return abandoned(state, err)
	}
	if !sim.Success {
		// Terminal for this payload: a rebuild is required before any
		// second simulation attempt.
		return abandoned(state, Errf(KindSimulationReverted, "simulation reverted: %s", sim.RevertReason))
	}
	state = StateSimulated
	log.WithField("gas_used", sim.GasUsed).Debug("simulation succeeded")
	if c.observer != nil {
		c.observer.RecordSimulation(in.Chain.Name, sim.GasUsed)
	}

	// Submit the exact payload bytes that simulated; no intervening rebuild.
	handle, err := exec.Submit(ctx, op)
	if err != nil {
		return abandoned(state, err)
	}
	state = StateSubmitted
	log.WithField("handle", handle.ID).Info("operation submitted")

	receipt, err := exec.AwaitReceipt(ctx, handle, c.cfg.SubmitTimeout)
	if err != nil {
		return abandoned(state, err)
	}

	if receipt.Status == ReceiptTimedOut {
		receipt = c.repollAfterTimeout(ctx, exec, handle, log)
	}

	switch receipt.Status {
	case ReceiptIncluded:
		return Result{State: StateConfirmed, Receipt: receipt}
	case ReceiptReverted:
		return Result{State: StateReverted, Receipt: receipt, Err: Errf(KindSimulationReverted, "operation reverted on chain")}
	case ReceiptDropped:
		return abandoned(state, Errf(KindBundlerTimeout, "operation dropped by relay"))
	default:
		// Still unknown after bounded re-polling; the caller decides whether
		// to abandon or re-submit with a fresh nonce. A resubmission must
		// re-run simulation against current state.
		return Result{State: StateTimedOut, Receipt: receipt, Err: Errf(KindBundlerTimeout, "no receipt before deadline")}
	}
}

// repollAfterTimeout re-checks chain state before giving up: the operation
// may have landed after the client stopped waiting.
func (c *Coordinator) repollAfterTimeout(ctx context.Context, exec ChainExecutor, handle Handle, log *logrus.Entry) Receipt {
	for i := 0; i < c.cfg.MaxRepolls; i++ {
		select {
		case <-ctx.Done():
			return Receipt{Handle: handle, Status: ReceiptTimedOut}
		case <-time.After(c.cfg.RepollInterval):
		}

		receipt, found, err := exec.CheckInclusion(ctx, handle)
		if err != nil {
			log.WithError(err).Warn("inclusion re-check failed")
			continue
		}
		if found {
			log.WithField("status", receipt.Status).Info("operation settled after await timeout")
			return receipt
		}
	}
	return Receipt{Handle: handle, Status: ReceiptTimedOut}
}

func (c *Coordinator) resolveWallet(ctx context.Context, exec ChainExecutor, in intent.Intent) (WalletDescriptor, error) {
	key := in.Chain.Name + "/" + in.Owner

	c.walletMu.Lock()
	wallet, ok := c.wallets[key]
	c.walletMu.Unlock()
	if ok {
		return wallet, nil
	}

	wallet, err := exec.Resolve(ctx, in.Owner)
	if err != nil {
		return WalletDescriptor{}, fmt.Errorf("failed to resolve wallet: %w", err)
	}

	c.walletMu.Lock()
	c.wallets[key] = wallet
	c.walletMu.Unlock()
	return wallet, nil
}

func (c *Coordinator) authorizeSerialized(ctx context.Context, exec ChainExecutor, in intent.Intent, wallet WalletDescriptor) (Authorization, error) {
	key := in.Chain.Name + "/" + in.Owner
	lock := c.acquireOwnerLock(key)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		c.releaseOwnerLock(key, lock)
	}()
	return exec.Authorize(ctx, in, wallet)
}

func (c *Coordinator) acquireOwnerLock(key string) *ownerLock {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	lock, ok := c.authLocks[key]
	if !ok {
		lock = &ownerLock{}
		c.authLocks[key] = lock
	}
	lock.refs++
	return lock
}

func (c *Coordinator) releaseOwnerLock(key string, lock *ownerLock) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(c.authLocks, key)
	}
}

func abandoned(last State, err error) Result {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.State == "" {
			pe.State = last
		}
		return Result{State: StateAbandoned, Err: err}
	}
	return Result{State: StateAbandoned, Err: &Error{Kind: KindInternal, State: last, Err: err}}
}

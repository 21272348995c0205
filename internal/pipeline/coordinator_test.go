package pipeline

import (
	"context"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
)

// fakeExecutor is a scriptable ChainExecutor that counts calls per stage.
type fakeExecutor struct {
	mu sync.Mutex

	resolveCalls  int32
	submitCalls   int32
	simulateCalls int32

	authorizeErr error
	sponsorErr   error
	estimateErr  error
	buildErr     error
	submitErr    error

	simOutcome SimulationOutcome
	awaitFn    func() Receipt
	checkFn    func(call int) (Receipt, bool, error)
	checkCalls int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		simOutcome: SimulationOutcome{Success: true, GasUsed: 120_000},
	}
}

func (f *fakeExecutor) Resolve(_ context.Context, owner string) (WalletDescriptor, error) {
	atomic.AddInt32(&f.resolveCalls, 1)
	return WalletDescriptor{Owner: owner, Address: "0xwallet", Deployed: true}, nil
}

func (f *fakeExecutor) Authorize(_ context.Context, in intent.Intent, _ WalletDescriptor) (Authorization, error) {
	if f.authorizeErr != nil {
		return Authorization{}, f.authorizeErr
	}
	return Authorization{
		Owner:    in.Owner,
		Spender:  "0xspender",
		Nonce:    big.NewInt(1),
		Deadline: in.Deadline,
	}, nil
}

func (f *fakeExecutor) Sponsor(_ context.Context, _ intent.Intent, _ WalletDescriptor, _ Authorization) (SponsoredFee, error) {
	if f.sponsorErr != nil {
		return SponsoredFee{}, f.sponsorErr
	}
	return SponsoredFee{PaymasterAndData: []byte{0x01}}, nil
}

func (f *fakeExecutor) EstimateGas(_ context.Context, _ intent.Intent, _ WalletDescriptor, _ Authorization, _ SponsoredFee) (GasEstimate, error) {
	if f.estimateErr != nil {
		return GasEstimate{}, f.estimateErr
	}
	return GasEstimate{CallGasLimit: big.NewInt(100_000)}, nil
}

func (f *fakeExecutor) Build(_ context.Context, _ intent.Intent, _ WalletDescriptor, _ Authorization, _ SponsoredFee, _ GasEstimate) (BuiltOperation, error) {
	if f.buildErr != nil {
		return BuiltOperation{}, f.buildErr
	}
	return BuiltOperation{Payload: []byte("payload"), Hash: "0xop"}, nil
}

func (f *fakeExecutor) Simulate(_ context.Context, _ BuiltOperation) (SimulationOutcome, error) {
	atomic.AddInt32(&f.simulateCalls, 1)
	return f.simOutcome, nil
}

func (f *fakeExecutor) Submit(_ context.Context, op BuiltOperation) (Handle, error) {
	atomic.AddInt32(&f.submitCalls, 1)
	if f.submitErr != nil {
		return Handle{}, f.submitErr
	}
	return Handle{ID: op.Hash}, nil
}

func (f *fakeExecutor) AwaitReceipt(_ context.Context, handle Handle, _ time.Duration) (Receipt, error) {
	if f.awaitFn != nil {
		return f.awaitFn(), nil
	}
	return Receipt{Handle: handle, Status: ReceiptIncluded, TxHash: handle.ID, Block: 100}, nil
}

func (f *fakeExecutor) CheckInclusion(_ context.Context, handle Handle) (Receipt, bool, error) {
	f.mu.Lock()
	call := f.checkCalls
	f.checkCalls++
	f.mu.Unlock()
	if f.checkFn != nil {
		return f.checkFn(call)
	}
	return Receipt{Handle: handle, Status: ReceiptTimedOut}, false, nil
}

func testIntent(t *testing.T, owner string) intent.Intent {
	t.Helper()
	in, err := intent.New(owner, []intent.DestinationCall{{
		Target: "0x1111111111111111111111111111111111111111",
		Token:  "0x2222222222222222222222222222222222222222",
		Amount: big.NewInt(1_000),
		Data:   []byte{0x01},
	}}, time.Unix(1_900_000_000, 0), chain.Ethereum("http://localhost:8545", "", ""))
	require.NoError(t, err)
	return in
}

func newTestCoordinator(exec ChainExecutor) *Coordinator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := Config{
		SubmitTimeout:  time.Second,
		RepollInterval: time.Millisecond,
		MaxRepolls:     3,
		RetainTerminal: time.Minute,
	}
	return NewCoordinator(logger, cfg, map[string]ChainExecutor{"ethereum": exec}, nil)
}

func TestExecuteConfirmed(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestCoordinator(exec)

	result, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, result.State)
	require.Equal(t, ReceiptIncluded, result.Receipt.Status)
	require.Equal(t, "0xop", result.Receipt.TxHash)
	require.Equal(t, int32(1), exec.submitCalls)
}

func TestExecuteUnknownChain(t *testing.T) {
	c := newTestCoordinator(newFakeExecutor())

	in := testIntent(t, "0xowner")
	in.Chain = chain.Base("http://localhost:8545", "", "")

	result, err := c.Execute(context.Background(), in)
	require.Error(t, err)
	require.Equal(t, StateAbandoned, result.State)
	require.Equal(t, KindInternal, KindOf(err))
}

func TestExecuteSimulationRevertSkipsSubmit(t *testing.T) {
	exec := newFakeExecutor()
	exec.simOutcome = SimulationOutcome{Success: false, RevertReason: "ERC20: insufficient balance"}
	c := newTestCoordinator(exec)

	result, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.Error(t, err)
	require.Equal(t, StateAbandoned, result.State)
	require.Equal(t, KindSimulationReverted, KindOf(err))
	require.Zero(t, exec.submitCalls)
}

func TestExecuteSponsorRejectSkipsSubmit(t *testing.T) {
	exec := newFakeExecutor()
	exec.sponsorErr = Errf(KindSponsorshipRejected, "token not accepted")
	c := newTestCoordinator(exec)

	result, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.Error(t, err)
	require.Equal(t, StateAbandoned, result.State)
	require.Equal(t, KindSponsorshipRejected, KindOf(err))
	require.Zero(t, exec.submitCalls)
}

func TestExecuteAbandonRecordsLastState(t *testing.T) {
	exec := newFakeExecutor()
	exec.estimateErr = Errf(KindFeeEstimationUnavailable, "bundler down")
	c := newTestCoordinator(exec)

	_, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.Error(t, err)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, StateSponsored, pe.State)
}

func TestExecuteIdempotentUnderConcurrency(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestCoordinator(exec)
	in := testIntent(t, "0xowner")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Execute(context.Background(), in)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), exec.submitCalls)
	for _, result := range results {
		require.Equal(t, StateConfirmed, result.State)
	}
}

func TestExecuteDistinctIntentsRunSeparately(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestCoordinator(exec)

	_, err := c.Execute(context.Background(), testIntent(t, "0xalice"))
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), testIntent(t, "0xbob"))
	require.NoError(t, err)

	require.Equal(t, int32(2), exec.submitCalls)
}

func TestForgetAllowsFreshRun(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestCoordinator(exec)
	in := testIntent(t, "0xowner")

	_, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int32(1), exec.submitCalls)

	c.Forget(in)
	_, err = c.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int32(2), exec.submitCalls)
}

func TestTerminalRunEvictedAfterRetention(t *testing.T) {
	exec := newFakeExecutor()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := Config{
		SubmitTimeout:  time.Second,
		RepollInterval: time.Millisecond,
		MaxRepolls:     3,
		RetainTerminal: 5 * time.Millisecond,
	}
	c := NewCoordinator(logger, cfg, map[string]ChainExecutor{"ethereum": exec}, nil)
	in := testIntent(t, "0xowner")

	_, err := c.Execute(context.Background(), in)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.inflight) == 0
	}, time.Second, time.Millisecond)

	// After eviction the same intent runs fresh instead of reading the
	// stale terminal result.
	_, err = c.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int32(2), exec.submitCalls)
}

func TestOwnerLocksReleasedAfterAuthorization(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestCoordinator(exec)

	_, err := c.Execute(context.Background(), testIntent(t, "0xalice"))
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), testIntent(t, "0xbob"))
	require.NoError(t, err)

	c.authMu.Lock()
	defer c.authMu.Unlock()
	require.Empty(t, c.authLocks)
}

func TestExecuteRepollAfterTimeoutSettles(t *testing.T) {
	exec := newFakeExecutor()
	exec.awaitFn = func() Receipt {
		return Receipt{Handle: Handle{ID: "0xop"}, Status: ReceiptTimedOut}
	}
	exec.checkFn = func(call int) (Receipt, bool, error) {
		if call == 0 {
			return Receipt{}, false, nil
		}
		return Receipt{Handle: Handle{ID: "0xop"}, Status: ReceiptIncluded, TxHash: "0xop", Block: 42}, true, nil
	}
	c := newTestCoordinator(exec)

	result, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, result.State)
	require.Equal(t, uint64(42), result.Receipt.Block)
}

func TestExecuteTimedOutAfterRepolls(t *testing.T) {
	exec := newFakeExecutor()
	exec.awaitFn = func() Receipt {
		return Receipt{Handle: Handle{ID: "0xop"}, Status: ReceiptTimedOut}
	}
	c := newTestCoordinator(exec)

	result, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.Error(t, err)
	require.Equal(t, StateTimedOut, result.State)
	require.Equal(t, KindBundlerTimeout, KindOf(err))
	require.Equal(t, 3, exec.checkCalls)
}

func TestExecuteRevertedReceipt(t *testing.T) {
	exec := newFakeExecutor()
	exec.awaitFn = func() Receipt {
		return Receipt{Handle: Handle{ID: "0xop"}, Status: ReceiptReverted, TxHash: "0xop", Block: 7}
	}
	c := newTestCoordinator(exec)

	result, err := c.Execute(context.Background(), testIntent(t, "0xowner"))
	require.Error(t, err)
	require.Equal(t, StateReverted, result.State)
	require.Equal(t, ReceiptReverted, result.Receipt.Status)
}

func TestResolveWalletCached(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestCoordinator(exec)

	in1 := testIntent(t, "0xowner")
	_, err := c.Execute(context.Background(), in1)
	require.NoError(t, err)

	// Same owner, different deadline: new fingerprint, cached wallet.
	in2, err := intent.New("0xowner", in1.Calls, in1.Deadline.Add(time.Hour), in1.Chain)
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), in2)
	require.NoError(t, err)

	require.Equal(t, int32(1), exec.resolveCalls)
}

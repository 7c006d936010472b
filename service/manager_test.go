package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sempo/ethworker/chainhelper"
	"github.com/sempo/ethworker/internal/chain/chaintest"
	"github.com/sempo/ethworker/internal/nonce"
	"github.com/sempo/ethworker/internal/poller"
	"github.com/sempo/ethworker/internal/resolver"
	"github.com/sempo/ethworker/internal/submitter"
	"github.com/sempo/ethworker/internal/tasks"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/internal/validation"
	"github.com/sempo/ethworker/internal/wallet"
	"github.com/sempo/ethworker/storage/memory"
)

const (
	signerKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	signerAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	masterKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	masterAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	recipient     = "0xe5F238C95142be312852e864B830daADB9B7D290"
)

type scheduledAttempt struct {
	TaskID int64
	Delay  time.Duration
}

type recordingScheduler struct {
	mu         sync.Mutex
	attempts   []scheduledAttempt
	polls      []tasks.PollPayload
	pollDelays []time.Duration
}

func (s *recordingScheduler) ScheduleAttempt(_ context.Context, taskID int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, scheduledAttempt{TaskID: taskID, Delay: delay})
	return nil
}

func (s *recordingScheduler) SchedulePoll(_ context.Context, p tasks.PollPayload, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, p)
	s.pollDelays = append(s.pollDelays, delay)
	return nil
}

// flakyScheduler fails the next pollFailures polls, like a queue that is
// briefly unreachable.
type flakyScheduler struct {
	*recordingScheduler
	pollFailures int
}

func (s *flakyScheduler) SchedulePoll(ctx context.Context, p tasks.PollPayload, delay time.Duration) error {
	s.mu.Lock()
	if s.pollFailures > 0 {
		s.pollFailures--
		s.mu.Unlock()
		return errors.New("redis: connection refused")
	}
	s.mu.Unlock()
	return s.recordingScheduler.SchedulePoll(ctx, p, delay)
}

func (s *recordingScheduler) attemptIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.attempts))
	for _, a := range s.attempts {
		ids = append(ids, a.TaskID)
	}
	return ids
}

func (s *recordingScheduler) lastPoll() tasks.PollPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[len(s.polls)-1]
}

type recordingSink struct {
	mu      sync.Mutex
	results []types.Result
}

func (s *recordingSink) Deliver(_ context.Context, r types.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) last() types.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[len(s.results)-1]
}

type managerFixture struct {
	store     *memory.Store
	client    *chaintest.FakeClient
	wallets   *wallet.Store
	scheduler *recordingScheduler
	sink      *recordingSink
	manager   *Manager
}

func newManagerFixture(t *testing.T, cfg ManagerConfig) *managerFixture {
	t.Helper()
	ctx := context.Background()
	logger := logrus.New()

	store := memory.New()
	client := chaintest.NewFakeClient()
	wallets, err := wallet.NewStore(store, "server-secret", logger)
	require.NoError(t, err)
	_, err = wallets.Create(ctx, signerKey, wallet.CreateOptions{})
	require.NoError(t, err)

	registry, err := chainhelper.NewRegistry()
	require.NoError(t, err)
	locker := nonce.NewMemoryLocker()
	allocator := nonce.NewAllocator(store, client, locker, nonce.DefaultConfig(), logger)
	sub := submitter.New(wallets, allocator, chainhelper.NewBuilders(registry), client, store, submitter.Config{}, logger)

	f := &managerFixture{
		store:     store,
		client:    client,
		wallets:   wallets,
		scheduler: &recordingScheduler{},
		sink:      &recordingSink{},
	}
	f.manager = NewManager(ManagerDeps{
		Repo:      store,
		Wallets:   wallets,
		Resolver:  resolver.New(store, logger),
		Submitter: sub,
		Poller:    poller.New(store, client, poller.DefaultBackoff(), logger),
		Client:    client,
		Locker:    locker,
		Scheduler: f.scheduler,
		Sink:      f.sink,
	}, cfg, logger)
	return f
}

func (f *managerFixture) sendEth(t *testing.T, uuid string, priors ...string) int64 {
	t.Helper()
	id, err := f.manager.SendEth(context.Background(), types.SendEthRequest{
		UUID:             uuid,
		AmountWei:        "1000",
		RecipientAddress: recipient,
		Signer:           types.Signer{Address: signerAddress},
		Dependencies:     types.Dependencies{PriorTasks: priors},
	})
	require.NoError(t, err)
	return id
}

func (f *managerFixture) statusText(t *testing.T, id int64) string {
	t.Helper()
	task, err := f.store.GetTaskByID(context.Background(), id)
	require.NoError(t, err)
	return task.StatusText
}

func TestDependentTasksRunInOrder(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})

	a := f.sendEth(t, "a")
	b := f.sendEth(t, "b", "a")
	assert.Equal(t, []int64{a, b}, f.scheduler.attemptIDs())

	out, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	require.Equal(t, AttemptSubmitted, out.Kind)
	assert.Equal(t, "PENDING", f.statusText(t, a))
	assert.Equal(t, types.TransactionStatusPending, f.sink.last().Status)

	out, err = f.manager.Attempt(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, AttemptBlocked, out.Kind)
	require.Len(t, f.client.Sent(), 1)

	pending, err := f.manager.Poll(ctx, f.scheduler.lastPoll())
	require.NoError(t, err)
	assert.False(t, pending.Terminal)
	assert.Equal(t, 1, f.scheduler.lastPoll().Attempt)

	f.client.Mine(f.client.Sent()[0].Hash())
	done, err := f.manager.Poll(ctx, f.scheduler.lastPoll())
	require.NoError(t, err)
	require.True(t, done.Terminal)
	assert.Equal(t, "SUCCESS", f.statusText(t, a))
	assert.Equal(t, types.TransactionStatusSuccess, f.sink.last().Status)
	assert.Equal(t, "a", f.sink.last().CreditTransferID)
	assert.Equal(t, []int64{a, b, b}, f.scheduler.attemptIDs(), "b is released by a's success")

	out, err = f.manager.Attempt(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, AttemptSubmitted, out.Kind)
	assert.Len(t, f.client.Sent(), 2)
}

func TestConcurrentAttemptsGetDistinctNonces(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{LockedRetryDelay: time.Millisecond})

	const n = 8
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = f.sendEth(t, "task-"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	outcomes := make([]AttemptOutcome, n)
	errs := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			outcomes[i], errs[i] = f.manager.Attempt(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		require.NoError(t, errs[i])
		for outcomes[i].Kind == AttemptRetry {
			var err error
			outcomes[i], err = f.manager.Attempt(ctx, id)
			require.NoError(t, err)
		}
		assert.Equal(t, AttemptSubmitted, outcomes[i].Kind)
	}

	seen := map[uint64]bool{}
	for _, tx := range f.client.Sent() {
		assert.False(t, seen[tx.Nonce()], "nonce %d used twice", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, n)
}

func TestRetryTaskFindsMinedTransaction(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")
	b := f.sendEth(t, "b", "a")

	_, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	f.client.Mine(f.client.Sent()[0].Hash())

	status, err := f.manager.RetryTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSuccess, status)
	assert.Len(t, f.client.Sent(), 1, "no second transaction is sent")
	assert.Equal(t, "SUCCESS", f.statusText(t, a))
	assert.Equal(t, types.TransactionStatusSuccess, f.sink.last().Status)
	assert.Equal(t, []int64{a, b, b}, f.scheduler.attemptIDs())
}

func TestRetryTaskResubmitsFailed(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	f.client.RejectFunc = func(*gtypes.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}
	a := f.sendEth(t, "a")

	out, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AttemptTerminal, out.Kind)
	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, "FAILED", f.statusText(t, a))
	assert.Contains(t, f.sink.last().Message, "insufficient funds")

	f.client.RejectFunc = nil
	status, err := f.manager.RetryTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, status)
	assert.Equal(t, []int64{a, a}, f.scheduler.attemptIDs())

	out, err = f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AttemptSubmitted, out.Kind)
	require.Len(t, f.client.Sent(), 1)
	assert.Equal(t, uint64(0), f.client.Sent()[0].Nonce(), "the rejected nonce is reused")

	task, err := f.store.GetTaskByID(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, task.PreviousInvocationCount)
}

func TestRetryTaskLeavesPendingAlone(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")
	_, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)

	status, err := f.manager.RetryTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, status)
	assert.Equal(t, []int64{a}, f.scheduler.attemptIDs())
	assert.Len(t, f.client.Sent(), 1, "nothing is resubmitted")
	require.Len(t, f.scheduler.polls, 2)
	assert.Equal(t, f.scheduler.polls[0].TransactionID, f.scheduler.polls[1].TransactionID)
	assert.Equal(t, 0, f.scheduler.polls[1].Attempt, "same queue id as the first poll")
}

func TestLostFirstPollIsRescheduled(t *testing.T) {
	tests := []struct {
		name   string
		resume func(f *managerFixture, taskID int64) error
	}{
		{
			name: "queue retries the attempt",
			resume: func(f *managerFixture, taskID int64) error {
				out, err := f.manager.Attempt(context.Background(), taskID)
				if err == nil {
					assert.Equal(t, AttemptTerminal, out.Kind)
					assert.Equal(t, types.TaskStatusPending, out.Status)
				}
				return err
			},
		},
		{
			name: "operator retries the task",
			resume: func(f *managerFixture, _ int64) error {
				status, err := f.manager.RetryTask(context.Background(), "a")
				assert.Equal(t, types.TaskStatusPending, status)
				return err
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newManagerFixture(t, ManagerConfig{})
			f.manager.scheduler = &flakyScheduler{recordingScheduler: f.scheduler, pollFailures: 1}
			a := f.sendEth(t, "a")

			_, err := f.manager.Attempt(ctx, a)
			require.ErrorContains(t, err, "fail to schedule poll")
			require.Len(t, f.client.Sent(), 1)
			require.Empty(t, f.scheduler.polls)

			require.NoError(t, tc.resume(f, a))
			assert.Len(t, f.client.Sent(), 1, "the broadcast transaction is not sent again")
			require.Len(t, f.scheduler.polls, 1)

			f.client.Mine(f.client.Sent()[0].Hash())
			done, err := f.manager.Poll(ctx, f.scheduler.lastPoll())
			require.NoError(t, err)
			assert.True(t, done.Terminal)
			assert.Equal(t, "SUCCESS", f.statusText(t, a))
		})
	}
}

func TestPollDelaysDoubleEachRound(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")

	_, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	for range 3 {
		out, err := f.manager.Poll(ctx, f.scheduler.lastPoll())
		require.NoError(t, err)
		require.False(t, out.Terminal)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}, f.scheduler.pollDelays)
}

func TestAttemptSkipsDoneTasks(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")
	_, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)

	out, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AttemptTerminal, out.Kind)
	assert.Equal(t, types.TaskStatusPending, out.Status)
	assert.Len(t, f.client.Sent(), 1)
}

func TestAttemptRetriesWhileTaskLocked(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{LockedRetryDelay: 3 * time.Second})
	a := f.sendEth(t, "a")

	release, err := f.manager.locker.Acquire(ctx, taskLockKey(a), time.Minute, 0)
	require.NoError(t, err)
	defer release(ctx) //nolint:errcheck

	out, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AttemptRetry, out.Kind)
	assert.Equal(t, 3*time.Second, out.Delay)
	assert.Empty(t, f.client.Sent())
}

func TestRemoveAllPosteriorDependencies(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")
	b := f.sendEth(t, "b", "a")
	c := f.sendEth(t, "c", "a")

	released, err := f.manager.RemoveAllPosteriorDependencies(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{b, c}, released)
	assert.ElementsMatch(t, []int64{a, b, c, b, c}, f.scheduler.attemptIDs())

	out, err := f.manager.Attempt(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, AttemptSubmitted, out.Kind)
}

func TestRemovePriorTaskDependency(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	f.sendEth(t, "a")
	b := f.sendEth(t, "b", "a")

	require.NoError(t, f.manager.RemovePriorTaskDependency(ctx, "b", "a"))
	out, err := f.manager.Attempt(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, AttemptSubmitted, out.Kind)
}

func TestCreateTaskIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	first := f.sendEth(t, "same")
	second := f.sendEth(t, "same")
	assert.Equal(t, first, second)
	assert.Equal(t, []int64{first}, f.scheduler.attemptIDs())
}

func TestCreateTaskRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})

	tests := []struct {
		name string
		req  types.SendEthRequest
		want error
	}{
		{
			name: "no signer",
			req:  types.SendEthRequest{UUID: "a", AmountWei: "1", RecipientAddress: recipient},
			want: ErrSignerRequired,
		},
		{
			name: "both signers",
			req: types.SendEthRequest{UUID: "a", AmountWei: "1", RecipientAddress: recipient,
				Signer: types.Signer{Address: signerAddress, EncryptedPrivateKey: "abc"}},
			want: ErrSignerRequired,
		},
		{
			name: "unknown signer",
			req: types.SendEthRequest{UUID: "a", AmountWei: "1", RecipientAddress: recipient,
				Signer: types.Signer{Address: masterAddress}},
			want: ErrUnknownSigner,
		},
		{
			name: "bad recipient",
			req: types.SendEthRequest{UUID: "a", AmountWei: "1", RecipientAddress: "0x1234",
				Signer: types.Signer{Address: signerAddress}},
			want: validation.ErrValidationFailed,
		},
		{
			name: "bad amount",
			req: types.SendEthRequest{UUID: "a", AmountWei: "one", RecipientAddress: recipient,
				Signer: types.Signer{Address: signerAddress}},
			want: validation.ErrValidationFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.SendEth(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.scheduler.attemptIDs())
}

func TestFunctionCallWithEncryptedSigner(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	encrypted, err := f.wallets.EncryptPrivateKey(masterKey)
	require.NoError(t, err)

	id, err := f.manager.TransactWithContractFunction(ctx, types.FunctionCallRequest{
		UUID:            "call",
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		ABIType:         "ERC20",
		FunctionName:    "transfer",
		Args:            []any{recipient, "1000000000000000000000"},
		Signer:          types.Signer{EncryptedPrivateKey: encrypted},
	})
	require.NoError(t, err)

	imported, err := f.wallets.GetByAddress(ctx, masterAddress)
	require.NoError(t, err)
	task, err := f.store.GetTaskByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, imported.ID, task.SigningWalletID)

	out, err := f.manager.Attempt(ctx, id)
	require.NoError(t, err)
	require.Equal(t, AttemptSubmitted, out.Kind)
	sent := f.client.Sent()[0]
	assert.Equal(t, "a9059cbb", gcommon.Bytes2Hex(sent.Data()[:4]))
	assert.Equal(t, big.NewInt(0), sent.Value())
}

func TestReversingTask(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")

	id, err := f.manager.SendEth(ctx, types.SendEthRequest{
		UUID:             "undo-a",
		AmountWei:        "1000",
		RecipientAddress: signerAddress,
		ReversesUUID:     "a",
		Signer:           types.Signer{Address: signerAddress},
	})
	require.NoError(t, err)
	task, err := f.store.GetTaskByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.ReversesTaskID)
	assert.Equal(t, a, *task.ReversesTaskID)
}

func TestTopupAddedAsPrior(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{TopupEnabled: true, MasterWalletAddress: masterAddress})
	_, err := f.wallets.Create(ctx, masterKey, wallet.CreateOptions{})
	require.NoError(t, err)

	eth := big.NewInt(1_000_000_000_000_000_000)
	low, err := f.wallets.Create(ctx, "", wallet.CreateOptions{
		TopupThreshold: eth,
		TargetBalance:  new(big.Int).Mul(eth, big.NewInt(3)),
	})
	require.NoError(t, err)
	f.client.SetBalance(gcommon.HexToAddress(low.Address), big.NewInt(500))

	send := func(uuid string) int64 {
		id, err := f.manager.SendEth(ctx, types.SendEthRequest{
			UUID:             uuid,
			AmountWei:        "1",
			RecipientAddress: recipient,
			Signer:           types.Signer{Address: low.Address},
		})
		require.NoError(t, err)
		return id
	}
	first := send("first")
	second := send("second")

	reloaded, err := f.wallets.GetByAddress(ctx, low.Address)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastTopupTaskID)
	topupID := *reloaded.LastTopupTaskID

	topup, err := f.store.GetTaskByID(ctx, topupID)
	require.NoError(t, err)
	want := new(big.Int).Sub(new(big.Int).Mul(eth, big.NewInt(3)), big.NewInt(500))
	assert.Equal(t, want.String(), topup.AmountWei)
	assert.Equal(t, low.Address, topup.RecipientAddress)

	for _, id := range []int64{first, second} {
		priors, err := f.store.GetPriorTaskIDs(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []int64{topupID}, priors, "in-flight top-up is shared")
	}
	assert.Equal(t, []int64{topupID, first, second}, f.scheduler.attemptIDs())

	out, err := f.manager.Attempt(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, AttemptBlocked, out.Kind)
}

func TestConcurrentIntentsShareOneTopup(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{TopupEnabled: true, MasterWalletAddress: masterAddress})
	_, err := f.wallets.Create(ctx, masterKey, wallet.CreateOptions{})
	require.NoError(t, err)
	eth := big.NewInt(1_000_000_000_000_000_000)
	low, err := f.wallets.Create(ctx, "", wallet.CreateOptions{TopupThreshold: eth, TargetBalance: eth})
	require.NoError(t, err)
	f.client.SetBalance(gcommon.HexToAddress(low.Address), big.NewInt(0))

	const n = 6
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.manager.SendEth(ctx, types.SendEthRequest{
				UUID:             "pay-" + string(rune('a'+i)),
				AmountWei:        "1",
				RecipientAddress: recipient,
				Signer:           types.Signer{Address: low.Address},
			})
		}(i)
	}
	wg.Wait()

	topups := map[int64]bool{}
	for i, id := range ids {
		require.NoError(t, errs[i])
		priors, err := f.store.GetPriorTaskIDs(ctx, id)
		require.NoError(t, err)
		require.Len(t, priors, 1)
		topups[priors[0]] = true
	}
	assert.Len(t, topups, 1, "one top-up for the wallet")
}

type ledgerHistory struct {
	lastSent *resolver.TransferRef
	received []resolver.TransferRef
}

func (h *ledgerHistory) LastSent(_ context.Context, _, _ string) (*resolver.TransferRef, error) {
	return h.lastSent, nil
}

func (h *ledgerHistory) ReceivedSince(_ context.Context, _ string, _ time.Time) ([]resolver.TransferRef, error) {
	return h.received, nil
}

func TestOrderedTransferDependsOnAccountHistory(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	sent := f.sendEth(t, "sent")
	received := f.sendEth(t, "received")
	explicit := f.sendEth(t, "explicit")

	f.manager.history = &ledgerHistory{
		lastSent: &resolver.TransferRef{TaskUUID: "sent", At: time.Now().Add(-time.Hour)},
		received: []resolver.TransferRef{
			{TaskUUID: "received", At: time.Now()},
			{TaskUUID: "explicit", At: time.Now()},
			{TaskUUID: "off-chain"},
		},
	}
	id, err := f.manager.SendEth(ctx, types.SendEthRequest{
		UUID:             "ordered",
		AmountWei:        "1",
		RecipientAddress: recipient,
		Ordering:         &types.TransferOrdering{Account: "acct-1", BatchID: "batch-2"},
		Signer:           types.Signer{Address: signerAddress},
		Dependencies:     types.Dependencies{PriorTasks: []string{"explicit"}},
	})
	require.NoError(t, err)

	priors, err := f.store.GetPriorTaskIDs(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{sent, received, explicit}, priors)

	out, err := f.manager.Attempt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, AttemptBlocked, out.Kind)
}

func TestOrderedTransferNeedsHistory(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	_, err := f.manager.SendEth(context.Background(), types.SendEthRequest{
		UUID:             "ordered",
		AmountWei:        "1",
		RecipientAddress: recipient,
		Ordering:         &types.TransferOrdering{Account: "acct-1"},
		Signer:           types.Signer{Address: signerAddress},
	})
	assert.ErrorIs(t, err, ErrOrderingUnavailable)

	_, err = f.manager.SendEth(context.Background(), types.SendEthRequest{
		UUID:             "ordered",
		AmountWei:        "1",
		RecipientAddress: recipient,
		Ordering:         &types.TransferOrdering{},
		Signer:           types.Signer{Address: signerAddress},
	})
	assert.ErrorIs(t, err, validation.ErrValidationFailed, "account is required")
	assert.Empty(t, f.scheduler.attemptIDs())
}

func TestRetryFailedInBatches(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{RetryFailedBatch: 2})
	f.client.RejectFunc = func(*gtypes.Transaction) error { return errors.New("intrinsic gas too low") }

	var failed []int64
	for _, uuid := range []string{"a", "b", "c"} {
		id := f.sendEth(t, uuid)
		_, err := f.manager.Attempt(ctx, id)
		require.NoError(t, err)
		failed = append(failed, id)
	}
	unstarted := f.sendEth(t, "d")

	n, err := f.manager.RetryFailed(ctx, 1, 100, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.manager.RetryFailed(ctx, 1, 100, true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ids := f.scheduler.attemptIDs()
	assert.Equal(t, append(append([]int64{}, failed...), unstarted), ids[:4])
	assert.Len(t, ids, 4+3+4)
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{})
	a := f.sendEth(t, "a")
	b := f.sendEth(t, "b", "a")
	_, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)

	report, err := f.manager.Status(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, report.Status)
	assert.Equal(t, []int64{b}, report.Posteriors)
	assert.Empty(t, report.Priors)
	assert.Len(t, report.Transactions, 1)
}

func TestAttemptReapsAbandonedClaim(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, ManagerConfig{AttemptTimeout: time.Minute})
	a := f.sendEth(t, "a")
	task, err := f.store.GetTaskByID(ctx, a)
	require.NoError(t, err)

	// a claim left behind by a worker killed before broadcasting
	genesis, err := f.client.FirstBlockHash(ctx)
	require.NoError(t, err)
	orphan, err := f.store.ClaimNonce(ctx, types.NonceClaim{
		TaskID:          a,
		SigningWalletID: task.SigningWalletID,
		Nonce:           0,
		FirstBlockHash:  genesis,
	})
	require.NoError(t, err)

	out, err := f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AttemptRetry, out.Kind, "a fresh claim is left alone until it expires")
	assert.Empty(t, f.client.Sent())
	wantAt := orphan.CreatedAt.Add(time.Minute)
	assert.WithinDuration(t, wantAt, time.Now().Add(out.Delay), 2*time.Second)
	require.Equal(t, []int64{a, a}, f.scheduler.attemptIDs(), "the reap is scheduled")
	assert.Equal(t, out.Delay, f.scheduler.attempts[1].Delay)

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	out, err = f.manager.Attempt(ctx, a)
	require.NoError(t, err)
	require.Equal(t, AttemptSubmitted, out.Kind)
	assert.Equal(t, uint64(0), *out.Transaction.Nonce, "the orphaned nonce is reused")

	reaped, err := f.store.GetTransaction(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusFailed, reaped.Status)
	assert.False(t, reaped.NonceConsumed)
}

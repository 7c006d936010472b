package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

func seedWallet(t *testing.T, s *Store) *types.Wallet {
	t.Helper()
	w, err := s.CreateWallet(context.Background(), types.Wallet{
		Address:             "0x00000000000000000000000000000000000000Aa",
		EncryptedPrivateKey: "enc",
	})
	require.NoError(t, err)
	return w
}

func TestCreateTaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := seedWallet(t, s)

	first, created, err := s.CreateTask(ctx, types.Task{UUID: "a", Type: types.TaskTypeSendEth, SigningWalletID: w.ID}, nil, nil)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateTask(ctx, types.Task{UUID: "a", Type: types.TaskTypeFunctionCall, SigningWalletID: w.ID}, nil, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.TaskTypeSendEth, second.Type)
}

func TestCreateTaskUnknownPrior(t *testing.T) {
	s := New()
	w := seedWallet(t, s)
	_, _, err := s.CreateTask(context.Background(), types.Task{UUID: "b", SigningWalletID: w.ID}, []string{"missing"}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetTaskByUUID(context.Background(), "b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDependencyEdges(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := seedWallet(t, s)

	a, _, err := s.CreateTask(ctx, types.Task{UUID: "a", SigningWalletID: w.ID}, nil, nil)
	require.NoError(t, err)
	b, _, err := s.CreateTask(ctx, types.Task{UUID: "b", SigningWalletID: w.ID}, []string{"a"}, nil)
	require.NoError(t, err)
	c, _, err := s.CreateTask(ctx, types.Task{UUID: "c", SigningWalletID: w.ID}, nil, []string{"b"})
	require.NoError(t, err)

	priors, err := s.GetPriorTaskIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, c.ID}, priors)

	require.NoError(t, s.RemovePriorDependency(ctx, b.ID, c.ID))
	priors, err = s.GetPriorTaskIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, priors)

	released, err := s.RemoveAllPosteriorDependencies(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, released)

	posteriors, err := s.GetPosteriorTaskIDs(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, posteriors)
}

func TestClaimNonceConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := seedWallet(t, s)
	task, _, err := s.CreateTask(ctx, types.Task{UUID: "a", SigningWalletID: w.ID}, nil, nil)
	require.NoError(t, err)

	claim := types.NonceClaim{TaskID: task.ID, SigningWalletID: w.ID, Nonce: 3, FirstBlockHash: "0xgenesis"}
	tx, err := s.ClaimNonce(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusPending, tx.Status)
	assert.True(t, tx.NonceConsumed)

	_, err = s.ClaimNonce(ctx, claim)
	assert.ErrorIs(t, err, storage.ErrNonceConflict)

	other := claim
	other.FirstBlockHash = "0xothergenesis"
	_, err = s.ClaimNonce(ctx, other)
	assert.NoError(t, err, "a different chain does not share nonce bookkeeping")

	_, err = s.UpdateTransaction(ctx, tx.ID, types.FailedUpdate("rejected", true))
	require.NoError(t, err)
	_, err = s.ClaimNonce(ctx, claim)
	assert.NoError(t, err)
}

func TestConsumedNoncesAndExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	w := seedWallet(t, s)
	task, _, err := s.CreateTask(ctx, types.Task{UUID: "a", SigningWalletID: w.ID}, nil, nil)
	require.NoError(t, err)

	for _, n := range []uint64{4, 5, 6} {
		_, err := s.ClaimNonce(ctx, types.NonceClaim{TaskID: task.ID, SigningWalletID: w.ID, Nonce: n, FirstBlockHash: "g"})
		require.NoError(t, err)
	}
	_, err = s.UpdateTransaction(ctx, 2, types.FailedUpdate("timeout", false))
	require.NoError(t, err)

	nonces, err := s.GetConsumedNonces(ctx, w.ID, "g", 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6}, nonces)

	released, err := s.ReleaseExpiredNonces(ctx, w.ID, now)
	require.NoError(t, err)
	assert.Zero(t, released, "failed transaction is not old enough yet")

	released, err = s.ReleaseExpiredNonces(ctx, w.ID, now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	nonces, err = s.GetConsumedNonces(ctx, w.ID, "g", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 6}, nonces)
}

func TestTaskStatusAggregation(t *testing.T) {
	ctx := context.Background()
	s := New()
	w := seedWallet(t, s)
	task, _, err := s.CreateTask(ctx, types.Task{UUID: "a", SigningWalletID: w.ID}, nil, nil)
	require.NoError(t, err)

	status, err := s.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusUnstarted, status)

	tx1, err := s.ClaimNonce(ctx, types.NonceClaim{TaskID: task.ID, SigningWalletID: w.ID, Nonce: 0, FirstBlockHash: "g"})
	require.NoError(t, err)
	_, err = s.UpdateTransaction(ctx, tx1.ID, types.FailedUpdate("Error on blockchain", false))
	require.NoError(t, err)

	status, err = s.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, status)

	tx2, err := s.ClaimNonce(ctx, types.NonceClaim{TaskID: task.ID, SigningWalletID: w.ID, Nonce: 1, FirstBlockHash: "g"})
	require.NoError(t, err)
	_, err = s.UpdateTransaction(ctx, tx2.ID, types.SuccessUpdate(12, time.Now()))
	require.NoError(t, err)

	failed, err := s.GetTasksByStatus(ctx, []types.TaskStatus{types.TaskStatusFailed}, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, failed)

	done, err := s.GetTasksByStatus(ctx, []types.TaskStatus{types.TaskStatusSuccess}, 0, 100)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, task.ID, done[0].ID)

	// a second success on the same task is refused
	tx3, err := s.ClaimNonce(ctx, types.NonceClaim{TaskID: task.ID, SigningWalletID: w.ID, Nonce: 2, FirstBlockHash: "g"})
	require.NoError(t, err)
	_, err = s.UpdateTransaction(ctx, tx3.ID, types.SuccessUpdate(13, time.Now()))
	assert.ErrorIs(t, err, storage.ErrDuplicateSuccess)
}

func TestCreateWalletDuplicate(t *testing.T) {
	s := New()
	seedWallet(t, s)
	_, err := s.CreateWallet(context.Background(), types.Wallet{Address: "0x00000000000000000000000000000000000000aa"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

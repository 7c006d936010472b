package submitter

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sempo/ethworker/chainhelper"
	"github.com/sempo/ethworker/internal/chain"
	"github.com/sempo/ethworker/internal/chain/chaintest"
	"github.com/sempo/ethworker/internal/nonce"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/internal/wallet"
	"github.com/sempo/ethworker/storage/memory"
)

const (
	signerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	recipient = "0xe5F238C95142be312852e864B830daADB9B7D290"
)

type fixture struct {
	store     *memory.Store
	client    *chaintest.FakeClient
	submitter *Submitter
	wallet    *types.Wallet
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logrus.New()

	store := memory.New()
	client := chaintest.NewFakeClient()
	wallets, err := wallet.NewStore(store, "server-secret", logger)
	require.NoError(t, err)
	w, err := wallets.Create(ctx, signerKey, wallet.CreateOptions{})
	require.NoError(t, err)

	registry, err := chainhelper.NewRegistry()
	require.NoError(t, err)
	allocator := nonce.NewAllocator(store, client, nonce.NewMemoryLocker(), nonce.DefaultConfig(), logger)

	return &fixture{
		store:     store,
		client:    client,
		submitter: New(wallets, allocator, chainhelper.NewBuilders(registry), client, store, cfg, logger),
		wallet:    w,
	}
}

func (f *fixture) task(t *testing.T, uuid, to, amount string) *types.Task {
	t.Helper()
	task, _, err := f.store.CreateTask(context.Background(), types.Task{
		UUID:             uuid,
		Type:             types.TaskTypeSendEth,
		SigningWalletID:  f.wallet.ID,
		RecipientAddress: to,
		AmountWei:        amount,
	}, nil, nil)
	require.NoError(t, err)
	return task
}

func TestSubmitBroadcasts(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.task(t, "a", recipient, "1000")

	tx, err := f.submitter.Submit(context.Background(), task)
	require.NoError(t, err)

	sent := f.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash().Hex(), tx.Hash)
	assert.Equal(t, types.TransactionStatusPending, tx.Status)
	assert.Equal(t, uint64(0), *tx.Nonce)
	assert.NotNil(t, tx.SubmittedDate)

	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, big.NewInt(1000), sent[0].Value())
	assert.Equal(t, gcommon.HexToAddress(recipient), *sent[0].To())
	assert.Equal(t, uint64(250_000), sent[0].Gas())
	assert.Equal(t, big.NewInt(1337), sent[0].ChainId())

	from, err := gtypes.Sender(gtypes.LatestSignerForChainID(big.NewInt(1337)), sent[0])
	require.NoError(t, err)
	assert.Equal(t, f.wallet.Address, from.Hex())
}

func TestSubmitGasSettings(t *testing.T) {
	gwei := big.NewInt(1_000_000_000)
	limit := uint64(60_000)
	testCases := []struct {
		name      string
		cfg       Config
		suggested *big.Int
		override  *uint64
		wantPrice *big.Int
		wantGas   uint64
	}{
		{
			name:      "suggested price",
			suggested: gwei,
			wantPrice: gwei,
			wantGas:   250_000,
		},
		{
			name:      "fast target bumps ten percent",
			cfg:       Config{GasTargetSeconds: 30},
			suggested: gwei,
			wantPrice: big.NewInt(1_100_000_000),
			wantGas:   250_000,
		},
		{
			name:      "ceiling applied",
			cfg:       Config{MaxGasPrice: big.NewInt(50), DefaultGasLimit: 21_000},
			suggested: gwei,
			wantPrice: big.NewInt(50),
			wantGas:   21_000,
		},
		{
			name:      "task override",
			cfg:       Config{DefaultGasLimit: 21_000},
			suggested: gwei,
			override:  &limit,
			wantPrice: gwei,
			wantGas:   limit,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cfg)
			f.client.SetGasPrice(tc.suggested)
			task := f.task(t, "a", recipient, "1")
			task.GasLimitOverride = tc.override

			_, err := f.submitter.Submit(context.Background(), task)
			require.NoError(t, err)
			sent := f.client.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tc.wantPrice, sent[0].GasPrice())
			assert.Equal(t, tc.wantGas, sent[0].Gas())
		})
	}
}

func TestSubmitRejectedFreesNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.client.RejectFunc = func(*gtypes.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}

	tx, err := f.submitter.Submit(ctx, f.task(t, "a", recipient, "1"))
	require.Error(t, err)
	assert.True(t, chain.IsPreBlockchain(err))
	assert.Equal(t, types.TransactionStatusFailed, tx.Status)
	assert.False(t, tx.NonceConsumed)
	assert.Contains(t, tx.Error, "insufficient funds")
	assert.NotEmpty(t, tx.Hash)

	f.client.RejectFunc = nil
	next, err := f.submitter.Submit(ctx, f.task(t, "b", recipient, "1"))
	require.NoError(t, err)
	assert.Equal(t, *tx.Nonce, *next.Nonce, "a rejected nonce is reused without waiting for expiry")
}

func TestSubmitBuildFailure(t *testing.T) {
	f := newFixture(t, Config{})

	tx, err := f.submitter.Submit(context.Background(), f.task(t, "a", "0xnot-an-address", "1"))
	require.Error(t, err)
	assert.True(t, chain.IsPreBlockchain(err))
	assert.Equal(t, types.TransactionStatusFailed, tx.Status)
	assert.False(t, tx.NonceConsumed)
	assert.Empty(t, tx.Hash)
	assert.Empty(t, f.client.Sent())
}

func TestSubmitTransientFailureStaysPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.SendErr = errors.New("connection reset by peer")

	tx, err := f.submitter.Submit(context.Background(), f.task(t, "a", recipient, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusPending, tx.Status)
	assert.True(t, tx.NonceConsumed)
	assert.NotEmpty(t, tx.Hash)
	assert.Contains(t, tx.Message, "connection reset")
}

func TestSubmitLockedNotAcquired(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	f := newFixture(t, Config{})

	locker := nonce.NewMemoryLocker()
	cfg := nonce.DefaultConfig()
	cfg.AcquireWait = 10 * time.Millisecond
	f.submitter.allocator = nonce.NewAllocator(f.store, f.client, locker, cfg, logger)
	release, err := locker.Acquire(ctx, "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23", time.Minute, 0)
	require.NoError(t, err)
	defer release(ctx) //nolint:errcheck

	tx, err := f.submitter.Submit(ctx, f.task(t, "a", recipient, "1"))
	assert.ErrorIs(t, err, nonce.ErrLockedNotAcquired)
	assert.Nil(t, tx)
	assert.Empty(t, f.client.Sent())
}

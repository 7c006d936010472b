package nonce

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/chain"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

var (
	// ErrLockedNotAcquired means another worker holds the wallet's nonce lock.
	// The whole attempt should be rescheduled.
	ErrLockedNotAcquired = errors.New("nonce lock not acquired")
	// ErrNoFreeNonce is returned when every claim round lost a race.
	ErrNoFreeNonce = errors.New("no free nonce after max claim rounds")
)

type Config struct {
	LockTTL       time.Duration
	AcquireWait   time.Duration
	PendingExpiry time.Duration
	MaxRounds     int
}

func DefaultConfig() Config {
	return Config{
		LockTTL:       10 * time.Second,
		AcquireWait:   time.Second,
		PendingExpiry: 30 * time.Second,
		MaxRounds:     5,
	}
}

// Allocator hands out nonces that never collide with another live
// transaction of the same wallet.
type Allocator struct {
	repo   storage.TransactionRepository
	client chain.Client
	locker Locker
	cfg    Config
	now    func() time.Time
	logger *logrus.Entry
}

func NewAllocator(repo storage.TransactionRepository, client chain.Client, locker Locker, cfg Config, logger *logrus.Logger) *Allocator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultConfig().MaxRounds
	}
	return &Allocator{
		repo:   repo,
		client: client,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.WithField("service", "nonce"),
	}
}

// Claim reserves the next safe nonce of wallet for taskID and returns the
// PENDING transaction row holding it. The row exists before anything is sent
// so a crash after this point cannot hand the nonce out twice.
func (a *Allocator) Claim(ctx context.Context, wallet *types.Wallet, taskID int64) (*types.Transaction, error) {
	release, err := a.locker.Acquire(ctx, strings.ToLower(wallet.Address), a.cfg.LockTTL, a.cfg.AcquireWait)
	if err != nil {
		if errors.Is(err, storage.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrLockedNotAcquired, wallet.Address)
		}
		return nil, fmt.Errorf("fail to acquire nonce lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			a.logger.WithError(err).WithField("address", wallet.Address).Warn("fail to release nonce lock")
		}
	}()

	firstBlockHash, err := a.client.FirstBlockHash(ctx)
	if err != nil {
		return nil, err
	}

	for round := 0; round < a.cfg.MaxRounds; round++ {
		networkNonce, err := a.client.GetTransactionCount(ctx, gcommon.HexToAddress(wallet.Address), true)
		if err != nil {
			return nil, err
		}
		consumed, err := a.repo.GetConsumedNonces(ctx, wallet.ID, firstBlockHash, networkNonce)
		if err != nil {
			return nil, fmt.Errorf("fail to load consumed nonces: %w", err)
		}
		candidate := FirstFree(networkNonce, consumed)

		released, err := a.repo.ReleaseExpiredNonces(ctx, wallet.ID, a.now().Add(-a.cfg.PendingExpiry))
		if err != nil {
			return nil, fmt.Errorf("fail to release expired nonces: %w", err)
		}
		if released > 0 {
			a.logger.WithFields(logrus.Fields{
				"address":  wallet.Address,
				"released": released,
			}).Debug("expired failed nonces freed")
		}

		tx, err := a.repo.ClaimNonce(ctx, types.NonceClaim{
			TaskID:          taskID,
			SigningWalletID: wallet.ID,
			Nonce:           candidate,
			FirstBlockHash:  firstBlockHash,
		})
		if errors.Is(err, storage.ErrNonceConflict) {
			a.logger.WithFields(logrus.Fields{
				"address": wallet.Address,
				"nonce":   candidate,
				"round":   round,
			}).Warn("nonce claimed concurrently, recomputing")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail to claim nonce: %w", err)
		}

		live, err := a.repo.CountLiveNonce(ctx, wallet.ID, firstBlockHash, candidate)
		if err != nil {
			return nil, fmt.Errorf("fail to verify nonce claim: %w", err)
		}
		if live > 1 {
			if _, err := a.repo.UpdateTransaction(ctx, tx.ID, types.FailedUpdate("nonce race", true)); err != nil {
				return nil, fmt.Errorf("fail to abandon raced claim: %w", err)
			}
			a.logger.WithFields(logrus.Fields{
				"address": wallet.Address,
				"nonce":   candidate,
			}).Warn("duplicate live nonce detected, recomputing")
			continue
		}

		a.logger.WithFields(logrus.Fields{
			"address":        wallet.Address,
			"nonce":          candidate,
			"network_nonce":  networkNonce,
			"transaction_id": tx.ID,
			"task_id":        taskID,
		}).Debug("nonce claimed")
		return tx, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoFreeNonce, wallet.Address)
}

// FirstFree walks upward from start and returns the first value not present
// in consumed.
func FirstFree(start uint64, consumed []uint64) uint64 {
	sorted := slices.Clone(consumed)
	slices.Sort(sorted)
	candidate := start
	for _, n := range sorted {
		if n < candidate {
			continue
		}
		if n > candidate {
			break
		}
		candidate++
	}
	return candidate
}

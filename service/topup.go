package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

const (
	topupLockTTL  = 30 * time.Second
	topupLockWait = 5 * time.Second
)

func topupLockKey(walletID int64) string {
	return fmt.Sprintf("topup:%d", walletID)
}

// ensureTopup makes sure a wallet running low on gas has a top-up transfer
// from the master wallet queued. It returns the uuid of the top-up task the
// caller should depend on, or "" when no top-up is needed.
func (m *Manager) ensureTopup(ctx context.Context, w *types.Wallet) (string, error) {
	if !m.cfg.TopupEnabled || m.cfg.MasterWalletAddress == "" {
		return "", nil
	}
	if strings.EqualFold(w.Address, m.cfg.MasterWalletAddress) || w.TopupThreshold == nil {
		return "", nil
	}

	release, err := m.locker.Acquire(ctx, topupLockKey(w.ID), topupLockTTL, topupLockWait)
	if err != nil {
		return "", fmt.Errorf("fail to lock top-up of wallet %d: %w", w.ID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.logger.WithError(err).WithField("wallet_id", w.ID).Warn("fail to release top-up lock")
		}
	}()

	// another intent may have queued a top-up while we waited
	w, err = m.wallets.GetByID(ctx, w.ID)
	if err != nil {
		return "", fmt.Errorf("fail to reload wallet: %w", err)
	}

	if w.LastTopupTaskID != nil {
		last, err := m.repo.GetTaskByID(ctx, *w.LastTopupTaskID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("fail to load last top-up task: %w", err)
		}
		if last != nil {
			status, err := m.repo.GetTaskStatus(ctx, last.ID)
			if err != nil {
				return "", fmt.Errorf("fail to load status of top-up task %d: %w", last.ID, err)
			}
			// still in flight, reuse it
			if status == types.TaskStatusPending || status == types.TaskStatusUnstarted {
				return last.UUID, nil
			}
		}
	}

	balance, err := m.client.GetBalance(ctx, gcommon.HexToAddress(w.Address))
	if err != nil {
		return "", fmt.Errorf("fail to get balance of %s: %w", w.Address, err)
	}
	if !w.NeedsTopup(balance) {
		return "", nil
	}
	amount := w.TopupAmount(balance)
	if amount.Sign() == 0 {
		return "", nil
	}

	master, err := m.wallets.GetByAddress(ctx, m.cfg.MasterWalletAddress)
	if err != nil {
		return "", fmt.Errorf("fail to load master wallet: %w", err)
	}

	task, _, err := m.repo.CreateTask(ctx, types.Task{
		UUID:             uuid.NewString(),
		Type:             types.TaskTypeSendEth,
		SigningWalletID:  master.ID,
		RecipientAddress: w.Address,
		AmountWei:        amount.String(),
	}, nil, nil)
	if err != nil {
		return "", fmt.Errorf("fail to create top-up task: %w", err)
	}
	if err := m.repo.SetWalletLastTopup(ctx, w.ID, &task.ID); err != nil {
		return "", fmt.Errorf("fail to record top-up task on wallet %d: %w", w.ID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"address":    w.Address,
		"balance":    balance.String(),
		"amount_wei": task.AmountWei,
		"task_id":    task.ID,
	}).Info("wallet top-up queued")

	if err := m.scheduler.ScheduleAttempt(ctx, task.ID, 0); err != nil {
		return task.UUID, fmt.Errorf("fail to schedule top-up task %d: %w", task.ID, err)
	}
	return task.UUID, nil
}

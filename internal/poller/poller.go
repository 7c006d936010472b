package poller

import (
	"context"
	"fmt"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/chain"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

const (
	ReasonOnChainFailure = "Error on blockchain"
	ReasonTimeout        = "timeout"
)

// Backoff is the confirmation polling schedule: poll n runs Base·2^n after
// the one before it, so the first poll waits Base. Once TimeLimit has elapsed
// since the first poll the next attempt is the last one.
type Backoff struct {
	Base       time.Duration
	MaxRetries int
	TimeLimit  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       5 * time.Second,
		MaxRetries: 10,
		TimeLimit:  30 * time.Minute,
	}
}

// Delay returns how long to wait before poll number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 32 {
		attempt = 32
	}
	return b.Base * time.Duration(uint64(1)<<uint(attempt))
}

// Next decides what follows a still-pending poll. exhausted means the budget
// is spent and the transaction should be failed.
func (b Backoff) Next(attempt int, elapsed time.Duration) (delay time.Duration, next int, exhausted bool) {
	if attempt >= b.MaxRetries {
		return 0, attempt, true
	}
	next = attempt + 1
	if b.TimeLimit > 0 && elapsed > b.TimeLimit {
		next = b.MaxRetries
	}
	return b.Delay(attempt + 1), next, false
}

// Outcome is the result of one poll. A non-terminal outcome asks to be polled
// again after Delay with attempt NextAttempt.
type Outcome struct {
	Terminal    bool
	Delay       time.Duration
	NextAttempt int
	Transaction *types.Transaction
}

type Poller struct {
	repo    storage.TransactionRepository
	client  chain.Client
	backoff Backoff
	now     func() time.Time
	logger  *logrus.Entry
}

func New(repo storage.TransactionRepository, client chain.Client, backoff Backoff, logger *logrus.Logger) *Poller {
	if backoff.Base <= 0 {
		backoff = DefaultBackoff()
	}
	return &Poller{
		repo:    repo,
		client:  client,
		backoff: backoff,
		now:     time.Now,
		logger:  logger.WithField("service", "poller"),
	}
}

func (p *Poller) Backoff() Backoff {
	return p.backoff
}

// Poll checks the receipt of transaction txID once and records a terminal
// state when there is one.
func (p *Poller) Poll(ctx context.Context, txID int64, attempt int, firstPolledAt time.Time) (Outcome, error) {
	tx, err := p.repo.GetTransaction(ctx, txID)
	if err != nil {
		return Outcome{}, fmt.Errorf("fail to load transaction %d: %w", txID, err)
	}
	if tx.Status != types.TransactionStatusPending {
		return Outcome{Terminal: true, Transaction: tx}, nil
	}

	logger := p.logger.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"task_id":        tx.TaskID,
		"hash":           tx.Hash,
		"attempt":        attempt,
	})

	var receipt *gtypes.Receipt
	if tx.Hash != "" {
		receipt, err = p.client.GetTransactionReceipt(ctx, gcommon.HexToHash(tx.Hash))
		if err != nil {
			logger.WithError(err).Warn("fail to fetch receipt, treating as pending")
			receipt = nil
		}
	}

	switch {
	case receipt == nil || receipt.BlockNumber == nil:
		return p.pending(ctx, tx, attempt, firstPolledAt, logger)
	case receipt.Status == gtypes.ReceiptStatusSuccessful:
		block := receipt.BlockNumber.Uint64()
		mined, err := p.client.HeaderTime(ctx, block)
		if err != nil {
			logger.WithError(err).Warn("fail to fetch block time, using local clock")
			mined = p.now()
		}
		updated, err := p.repo.UpdateTransaction(ctx, tx.ID, types.SuccessUpdate(block, mined.UTC()))
		if err != nil {
			return Outcome{}, fmt.Errorf("fail to record success of transaction %d: %w", tx.ID, err)
		}
		logger.WithField("block", block).Info("transaction mined")
		return Outcome{Terminal: true, Transaction: updated}, nil
	default:
		block := receipt.BlockNumber.Uint64()
		update := types.FailedUpdate(ReasonOnChainFailure, false)
		update.Block = &block
		updated, err := p.repo.UpdateTransaction(ctx, tx.ID, update)
		if err != nil {
			return Outcome{}, fmt.Errorf("fail to record failure of transaction %d: %w", tx.ID, err)
		}
		logger.WithField("block", block).Warn("transaction reverted on chain")
		return Outcome{Terminal: true, Transaction: updated}, nil
	}
}

func (p *Poller) pending(ctx context.Context, tx *types.Transaction, attempt int, firstPolledAt time.Time, logger *logrus.Entry) (Outcome, error) {
	delay, next, exhausted := p.backoff.Next(attempt, p.now().Sub(firstPolledAt))
	if !exhausted {
		logger.WithFields(logrus.Fields{
			"delay":        delay.String(),
			"next_attempt": next,
		}).Debug("transaction still pending")
		return Outcome{Delay: delay, NextAttempt: next, Transaction: tx}, nil
	}

	updated, err := p.repo.UpdateTransaction(ctx, tx.ID, types.FailedUpdate(ReasonTimeout, false))
	if err != nil {
		return Outcome{}, fmt.Errorf("fail to record timeout of transaction %d: %w", tx.ID, err)
	}
	logger.Warn("transaction confirmation timed out")
	return Outcome{Terminal: true, Transaction: updated}, nil
}

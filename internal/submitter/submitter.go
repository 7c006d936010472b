package submitter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/chainhelper"
	"github.com/sempo/ethworker/internal/chain"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

// KeyStore resolves signing wallets and their keys.
type KeyStore interface {
	GetByID(ctx context.Context, id int64) (*types.Wallet, error)
	DecryptPrivateKey(w *types.Wallet) (*ecdsa.PrivateKey, error)
}

// NonceClaimer reserves a nonce slot for a task attempt.
type NonceClaimer interface {
	Claim(ctx context.Context, wallet *types.Wallet, taskID int64) (*types.Transaction, error)
}

type Config struct {
	// MaxGasPrice caps the node suggestion. Nil means no ceiling.
	MaxGasPrice      *big.Int
	DefaultGasLimit  uint64
	GasTargetSeconds int
}

type Submitter struct {
	keys      KeyStore
	allocator NonceClaimer
	builder   chainhelper.Builder
	client    chain.Client
	repo      storage.TransactionRepository
	cfg       Config
	now       func() time.Time
	logger    *logrus.Entry
}

func New(keys KeyStore, allocator NonceClaimer, builder chainhelper.Builder, client chain.Client, repo storage.TransactionRepository, cfg Config, logger *logrus.Logger) *Submitter {
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 250_000
	}
	return &Submitter{
		keys:      keys,
		allocator: allocator,
		builder:   builder,
		client:    client,
		repo:      repo,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.WithField("service", "submitter"),
	}
}

// Submit signs and broadcasts one attempt for task. The returned transaction
// is the row holding the attempt's nonce.
//
// A *chain.PreBlockchainError means nothing reached the pool; the row is
// FAILED with its nonce freed. nonce.ErrLockedNotAcquired means no row was
// created and the attempt should be rescheduled. A transient broadcast
// failure leaves the row PENDING with its hash recorded so the poller can
// find out whether the send went through.
func (s *Submitter) Submit(ctx context.Context, task *types.Task) (*types.Transaction, error) {
	w, err := s.keys.GetByID(ctx, task.SigningWalletID)
	if err != nil {
		return nil, fmt.Errorf("fail to load signing wallet %d: %w", task.SigningWalletID, err)
	}
	key, err := s.keys.DecryptPrivateKey(w)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt signing key of %s: %w", w.Address, err)
	}

	tx, err := s.allocator.Claim(ctx, w, task.ID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"task_id":        task.ID,
		"task_uuid":      task.UUID,
		"transaction_id": tx.ID,
		"address":        w.Address,
		"nonce":          *tx.Nonce,
	})

	payload, err := s.builder.Build(task)
	if err != nil {
		pre := &chain.PreBlockchainError{Message: err.Error(), Err: err}
		return s.abandon(ctx, tx, pre, pre)
	}

	gasPrice, err := s.gasPrice(ctx)
	if err != nil {
		return s.abandon(ctx, tx, err, fmt.Errorf("fail to price transaction: %w", err))
	}
	gasLimit := s.cfg.DefaultGasLimit
	if task.GasLimitOverride != nil {
		gasLimit = *task.GasLimitOverride
	}
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return s.abandon(ctx, tx, err, err)
	}

	signed, err := gtypes.SignTx(gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    *tx.Nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       payload.To,
		Value:    payload.Value,
		Data:     payload.Data,
	}), gtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return s.abandon(ctx, tx, err, fmt.Errorf("fail to sign transaction: %w", err))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return s.abandon(ctx, tx, err, fmt.Errorf("fail to encode transaction: %w", err))
	}

	hash := signed.Hash().Hex()
	submitted := s.now().UTC()
	tx, err = s.repo.UpdateTransaction(ctx, tx.ID, types.TransactionUpdate{
		Hash:          &hash,
		SubmittedDate: &submitted,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to record transaction hash: %w", err)
	}

	if _, err := s.client.SendRawTransaction(ctx, raw); err != nil {
		if chain.IsPreBlockchain(err) {
			logger.WithError(err).Warn("transaction rejected by node")
			return s.abandon(ctx, tx, err, err)
		}
		msg := "broadcast unconfirmed: " + err.Error()
		logger.WithError(err).Warn("broadcast failed, leaving transaction to the poller")
		updated, uerr := s.repo.UpdateTransaction(ctx, tx.ID, types.TransactionUpdate{Message: &msg})
		if uerr != nil {
			return tx, fmt.Errorf("fail to record broadcast failure: %w", uerr)
		}
		return updated, nil
	}

	logger.WithFields(logrus.Fields{
		"hash":      hash,
		"gas_price": gasPrice.String(),
		"gas_limit": gasLimit,
	}).Info("transaction broadcast")
	return tx, nil
}

func (s *Submitter) gasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.client.GetGasPrice(ctx, s.cfg.GasTargetSeconds)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxGasPrice != nil && price.Cmp(s.cfg.MaxGasPrice) > 0 {
		s.logger.WithFields(logrus.Fields{
			"suggested": price.String(),
			"ceiling":   s.cfg.MaxGasPrice.String(),
		}).Warn("gas price capped")
		return new(big.Int).Set(s.cfg.MaxGasPrice), nil
	}
	return price, nil
}

// abandon marks an attempt that never reached the pool FAILED with its nonce
// freed, records reason on the row and returns ret.
func (s *Submitter) abandon(ctx context.Context, tx *types.Transaction, reason, ret error) (*types.Transaction, error) {
	updated, err := s.repo.UpdateTransaction(context.WithoutCancel(ctx), tx.ID, types.FailedUpdate(reason.Error(), true))
	if err != nil {
		return tx, errors.Join(ret, fmt.Errorf("fail to mark transaction %d failed: %w", tx.ID, err))
	}
	return updated, ret
}

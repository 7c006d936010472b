package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/chain"
	"github.com/sempo/ethworker/internal/nonce"
	"github.com/sempo/ethworker/internal/notify"
	"github.com/sempo/ethworker/internal/poller"
	"github.com/sempo/ethworker/internal/resolver"
	"github.com/sempo/ethworker/internal/tasks"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/internal/validation"
	"github.com/sempo/ethworker/internal/wallet"
	"github.com/sempo/ethworker/storage"
)

var (
	ErrSignerRequired = errors.New("exactly one of signing_address or encrypted_private_key is required")
	ErrUnknownSigner  = errors.New("signing wallet not found")

	// ErrOrderingUnavailable is returned for intents asking for transfer
	// ordering when the manager has no transfer history.
	ErrOrderingUnavailable = errors.New("transfer ordering requested but no transfer history is configured")
)

// Scheduler queues future units of work.
type Scheduler interface {
	ScheduleAttempt(ctx context.Context, taskID int64, delay time.Duration) error
	SchedulePoll(ctx context.Context, p tasks.PollPayload, delay time.Duration) error
}

// Submitter sends one attempt for a task.
type Submitter interface {
	Submit(ctx context.Context, task *types.Task) (*types.Transaction, error)
}

type AttemptKind int

const (
	// AttemptSubmitted means a transaction was broadcast and a poll scheduled.
	AttemptSubmitted AttemptKind = iota
	// AttemptRetry means the attempt should run again after Delay.
	AttemptRetry
	// AttemptBlocked means a prior has not succeeded yet. The task is
	// scheduled again when its last prior succeeds.
	AttemptBlocked
	// AttemptTerminal means there is nothing to do until an operator retries.
	AttemptTerminal
)

func (k AttemptKind) String() string {
	switch k {
	case AttemptSubmitted:
		return "submitted"
	case AttemptRetry:
		return "retry"
	case AttemptBlocked:
		return "blocked"
	case AttemptTerminal:
		return "terminal"
	}
	return "unknown"
}

type AttemptOutcome struct {
	Kind        AttemptKind
	Delay       time.Duration
	Status      types.TaskStatus
	Transaction *types.Transaction
	Err         error
}

type ManagerConfig struct {
	LockedRetryDelay    time.Duration
	AttemptTimeout      time.Duration
	RetryFailedBatch    int
	TopupEnabled        bool
	MasterWalletAddress string
}

// Manager is the public entry point: it records intents as tasks, runs
// attempts and reacts to confirmations.
type Manager struct {
	repo      storage.DatabaseStorage
	wallets   *wallet.Store
	resolver  *resolver.Resolver
	submitter Submitter
	poller    *poller.Poller
	client    chain.Client
	locker    nonce.Locker
	scheduler Scheduler
	sink      notify.Sink
	history   resolver.TransferHistory
	cfg       ManagerConfig
	now       func() time.Time
	logger    *logrus.Entry
}

type ManagerDeps struct {
	Repo      storage.DatabaseStorage
	Wallets   *wallet.Store
	Resolver  *resolver.Resolver
	Submitter Submitter
	Poller    *poller.Poller
	Client    chain.Client
	Locker    nonce.Locker
	Scheduler Scheduler
	Sink      notify.Sink

	// History is the application's transfer ledger. It is optional; without
	// it intents carrying an ordering are rejected.
	History resolver.TransferHistory
}

func NewManager(deps ManagerDeps, cfg ManagerConfig, logger *logrus.Logger) *Manager {
	if cfg.LockedRetryDelay <= 0 {
		cfg.LockedRetryDelay = 2 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 300 * time.Second
	}
	if cfg.RetryFailedBatch <= 0 {
		cfg.RetryFailedBatch = 500
	}
	return &Manager{
		repo:      deps.Repo,
		wallets:   deps.Wallets,
		resolver:  deps.Resolver,
		submitter: deps.Submitter,
		poller:    deps.Poller,
		client:    deps.Client,
		locker:    deps.Locker,
		scheduler: deps.Scheduler,
		sink:      deps.Sink,
		history:   deps.History,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.WithField("service", "task_manager"),
	}
}

func (m *Manager) TransactWithContractFunction(ctx context.Context, req types.FunctionCallRequest) (int64, error) {
	if err := validation.Validate(req); err != nil {
		return 0, err
	}
	args, kwargs, err := marshalArgs(req.Args, req.Kwargs)
	if err != nil {
		return 0, err
	}
	return m.createTask(ctx, types.Task{
		UUID:             req.UUID,
		Type:             types.TaskTypeFunctionCall,
		ContractAddress:  gcommon.HexToAddress(req.ContractAddress).Hex(),
		ABIType:          req.ABIType,
		FunctionName:     req.FunctionName,
		Args:             args,
		Kwargs:           kwargs,
		GasLimitOverride: req.GasLimit,
	}, req.Signer, req.ReversesUUID, req.Ordering, req.PriorTasks, req.PosteriorTasks)
}

func (m *Manager) SendEth(ctx context.Context, req types.SendEthRequest) (int64, error) {
	if err := validation.Validate(req); err != nil {
		return 0, err
	}
	return m.createTask(ctx, types.Task{
		UUID:             req.UUID,
		Type:             types.TaskTypeSendEth,
		RecipientAddress: gcommon.HexToAddress(req.RecipientAddress).Hex(),
		AmountWei:        req.AmountWei,
	}, req.Signer, req.ReversesUUID, req.Ordering, req.PriorTasks, req.PosteriorTasks)
}

func (m *Manager) DeployContract(ctx context.Context, req types.DeployContractRequest) (int64, error) {
	if err := validation.Validate(req); err != nil {
		return 0, err
	}
	args, kwargs, err := marshalArgs(req.Args, req.Kwargs)
	if err != nil {
		return 0, err
	}
	return m.createTask(ctx, types.Task{
		UUID:             req.UUID,
		Type:             types.TaskTypeDeployContract,
		ContractName:     req.ContractName,
		Args:             args,
		Kwargs:           kwargs,
		GasLimitOverride: req.GasLimit,
	}, req.Signer, "", nil, req.PriorTasks, nil)
}

func marshalArgs(args []any, kwargs map[string]any) (json.RawMessage, json.RawMessage, error) {
	var rawArgs, rawKwargs json.RawMessage
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid args: %w", err)
		}
		rawArgs = b
	}
	if len(kwargs) > 0 {
		b, err := json.Marshal(kwargs)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid kwargs: %w", err)
		}
		rawKwargs = b
	}
	return rawArgs, rawKwargs, nil
}

func (m *Manager) resolveSigner(ctx context.Context, signer types.Signer) (*types.Wallet, error) {
	if !signer.IsSet() {
		return nil, ErrSignerRequired
	}
	if signer.EncryptedPrivateKey != "" {
		return m.wallets.ImportEncrypted(ctx, signer.EncryptedPrivateKey)
	}
	w, err := m.wallets.GetByAddress(ctx, signer.Address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Address)
	}
	return w, err
}

// createTask records task idempotently and schedules its first attempt.
// A uuid seen before returns the existing task id without side effects.
func (m *Manager) createTask(ctx context.Context, task types.Task, signer types.Signer, reversesUUID string, ordering *types.TransferOrdering, priors, posteriors []string) (int64, error) {
	if existing, err := m.repo.GetTaskByUUID(ctx, task.UUID); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("fail to look up task %s: %w", task.UUID, err)
	}
	if ordering != nil && m.history == nil {
		return 0, ErrOrderingUnavailable
	}

	w, err := m.resolveSigner(ctx, signer)
	if err != nil {
		return 0, err
	}
	task.SigningWalletID = w.ID

	if reversesUUID != "" {
		reversed, err := m.repo.GetTaskByUUID(ctx, reversesUUID)
		if err != nil {
			return 0, fmt.Errorf("fail to load reversed task %s: %w", reversesUUID, err)
		}
		task.ReversesTaskID = &reversed.ID
	}

	if ordering != nil {
		required, err := m.resolver.RequiredPriors(ctx, m.history, ordering.Account, ordering.BatchID)
		if err != nil {
			return 0, err
		}
		priors = mergeUUIDs(priors, required)
	}

	topupUUID, err := m.ensureTopup(ctx, w)
	if err != nil {
		// a missing top-up must not block the caller's intent
		m.logger.WithError(err).WithField("address", w.Address).Error("fail to schedule wallet top-up")
	}
	if topupUUID != "" {
		priors = append(append([]string(nil), priors...), topupUUID)
	}

	created, isNew, err := m.repo.CreateTask(ctx, task, priors, posteriors)
	if err != nil {
		return 0, fmt.Errorf("fail to create task %s: %w", task.UUID, err)
	}
	if !isNew {
		return created.ID, nil
	}

	m.logger.WithFields(logrus.Fields{
		"task_id":    created.ID,
		"task_uuid":  created.UUID,
		"type":       created.Type,
		"address":    w.Address,
		"priors":     len(priors),
		"posteriors": len(posteriors),
	}).Info("task created")

	if err := m.scheduler.ScheduleAttempt(ctx, created.ID, 0); err != nil {
		return created.ID, fmt.Errorf("fail to schedule task %d: %w", created.ID, err)
	}
	return created.ID, nil
}

func mergeUUIDs(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, id := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func taskLockKey(taskID int64) string {
	return fmt.Sprintf("task:%d", taskID)
}

// Attempt runs one submission attempt of taskID. Only a failure to talk to
// the store or the queue is returned as an error; every other result is an
// outcome.
func (m *Manager) Attempt(ctx context.Context, taskID int64) (AttemptOutcome, error) {
	task, err := m.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to load task %d: %w", taskID, err)
	}
	logger := m.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"task_uuid": task.UUID,
	})

	release, err := m.locker.Acquire(ctx, taskLockKey(task.ID), m.cfg.AttemptTimeout, 0)
	if errors.Is(err, storage.ErrLockNotAcquired) {
		logger.Debug("another attempt is in flight")
		return m.retryLater(ctx, task, nil)
	}
	if err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to lock task %d: %w", task.ID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("fail to release task lock")
		}
	}()

	status, err := m.repo.GetTaskStatus(ctx, task.ID)
	if err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to load status of task %d: %w", task.ID, err)
	}
	if status == types.TaskStatusPending {
		if status, err = m.reapAbandoned(ctx, task.ID); err != nil {
			return AttemptOutcome{}, err
		}
	}
	switch status {
	case types.TaskStatusSuccess:
		logger.Debug("task already succeeded")
		return AttemptOutcome{Kind: AttemptTerminal, Status: status}, nil
	case types.TaskStatusPending:
		return m.resumePending(ctx, task.ID)
	}

	unmet, err := m.resolver.UnmetPriors(ctx, task.ID)
	if err != nil {
		return AttemptOutcome{}, err
	}
	if len(unmet) > 0 {
		logger.WithField("unmet_priors", unmet).Info("task blocked on priors")
		return AttemptOutcome{Kind: AttemptBlocked, Status: status}, nil
	}

	count, err := m.repo.IncrementInvocationCount(ctx, task.ID)
	if err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to count invocation of task %d: %w", task.ID, err)
	}
	logger = logger.WithField("invocation", count)

	tx, err := m.submitter.Submit(ctx, task)
	switch {
	case errors.Is(err, nonce.ErrLockedNotAcquired):
		logger.WithError(err).Info("nonce lock busy, rescheduling attempt")
		return m.retryLater(ctx, task, err)
	case chain.IsPreBlockchain(err):
		logger.WithError(err).Error("transaction rejected before broadcast")
		status, serr := m.refreshStatus(ctx, task.ID)
		if serr != nil {
			return AttemptOutcome{}, serr
		}
		m.deliver(ctx, task, tx)
		return AttemptOutcome{Kind: AttemptTerminal, Status: status, Transaction: tx, Err: err}, nil
	case err != nil:
		return AttemptOutcome{}, fmt.Errorf("attempt of task %d failed: %w", task.ID, err)
	}

	status, err = m.refreshStatus(ctx, task.ID)
	if err != nil {
		return AttemptOutcome{}, err
	}
	m.deliver(ctx, task, tx)

	// an enqueue failure is returned so the queue retries the attempt, which
	// finds the task PENDING and schedules the poll through resumePending
	if err := m.schedulePoll(ctx, tx, m.now().UTC()); err != nil {
		return AttemptOutcome{}, err
	}
	return AttemptOutcome{Kind: AttemptSubmitted, Status: status, Transaction: tx}, nil
}

func (m *Manager) schedulePoll(ctx context.Context, tx *types.Transaction, firstPolledAt time.Time) error {
	if err := m.scheduler.SchedulePoll(ctx, tasks.PollPayload{
		TransactionID: tx.ID,
		TaskID:        tx.TaskID,
		FirstPolledAt: firstPolledAt,
	}, m.poller.Backoff().Delay(0)); err != nil {
		return fmt.Errorf("fail to schedule poll of transaction %d: %w", tx.ID, err)
	}
	return nil
}

// resumePending keeps a PENDING task moving. A broadcast transaction gets its
// first poll again, which the queue drops when one already exists. A claim
// that never reached the node gets an attempt at the moment it can be reaped.
func (m *Manager) resumePending(ctx context.Context, taskID int64) (AttemptOutcome, error) {
	txs, err := m.repo.GetTransactionsForTask(ctx, taskID)
	if err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to load transactions of task %d: %w", taskID, err)
	}
	var reapAt time.Time
	for _, tx := range txs {
		if tx.Status != types.TransactionStatusPending {
			continue
		}
		if tx.Hash != "" {
			if err := m.schedulePoll(ctx, tx, tx.CreatedAt.UTC()); err != nil {
				return AttemptOutcome{}, err
			}
			continue
		}
		if at := tx.CreatedAt.Add(m.cfg.AttemptTimeout); at.After(reapAt) {
			reapAt = at
		}
	}
	if reapAt.IsZero() {
		return AttemptOutcome{Kind: AttemptTerminal, Status: types.TaskStatusPending}, nil
	}

	delay := max(reapAt.Sub(m.now())+time.Second, time.Second)
	if err := m.scheduler.ScheduleAttempt(ctx, taskID, delay); err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to reschedule task %d: %w", taskID, err)
	}
	m.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"delay":   delay.String(),
	}).Info("unbroadcast claim in flight, attempt scheduled after it expires")
	return AttemptOutcome{Kind: AttemptRetry, Delay: delay, Status: types.TaskStatusPending}, nil
}

// reapAbandoned fails claims whose attempt died before broadcasting. Such a
// row has no hash, so no poll will ever settle it, and its nonce never
// reached the node.
func (m *Manager) reapAbandoned(ctx context.Context, taskID int64) (types.TaskStatus, error) {
	txs, err := m.repo.GetTransactionsForTask(ctx, taskID)
	if err != nil {
		return types.TaskStatusUnknown, fmt.Errorf("fail to load transactions of task %d: %w", taskID, err)
	}
	cutoff := m.now().Add(-m.cfg.AttemptTimeout)
	for _, tx := range txs {
		if tx.Status != types.TransactionStatusPending || tx.Hash != "" || tx.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := m.repo.UpdateTransaction(ctx, tx.ID, types.FailedUpdate("attempt abandoned before broadcast", true)); err != nil {
			return types.TaskStatusUnknown, fmt.Errorf("fail to reap transaction %d: %w", tx.ID, err)
		}
		m.logger.WithFields(logrus.Fields{
			"task_id":        taskID,
			"transaction_id": tx.ID,
		}).Warn("abandoned nonce claim released")
	}
	return m.repo.GetTaskStatus(ctx, taskID)
}

func (m *Manager) retryLater(ctx context.Context, task *types.Task, cause error) (AttemptOutcome, error) {
	if err := m.scheduler.ScheduleAttempt(ctx, task.ID, m.cfg.LockedRetryDelay); err != nil {
		return AttemptOutcome{}, fmt.Errorf("fail to reschedule task %d: %w", task.ID, err)
	}
	return AttemptOutcome{Kind: AttemptRetry, Delay: m.cfg.LockedRetryDelay, Err: cause}, nil
}

// Poll runs one confirmation check and reschedules or settles the task.
func (m *Manager) Poll(ctx context.Context, p tasks.PollPayload) (poller.Outcome, error) {
	out, err := m.poller.Poll(ctx, p.TransactionID, p.Attempt, p.FirstPolledAt)
	if err != nil {
		return out, err
	}
	if !out.Terminal {
		next := p
		next.Attempt = out.NextAttempt
		if err := m.scheduler.SchedulePoll(ctx, next, out.Delay); err != nil {
			return out, fmt.Errorf("fail to reschedule poll of transaction %d: %w", p.TransactionID, err)
		}
		return out, nil
	}
	task, err := m.repo.GetTaskByID(ctx, out.Transaction.TaskID)
	if err != nil {
		return out, fmt.Errorf("fail to load task %d: %w", out.Transaction.TaskID, err)
	}
	return out, m.settle(ctx, task, out.Transaction)
}

// settle records a terminal transaction state on its task, tells the
// application and, on success, releases posteriors.
func (m *Manager) settle(ctx context.Context, task *types.Task, tx *types.Transaction) error {
	status, err := m.refreshStatus(ctx, task.ID)
	if err != nil {
		return err
	}
	m.deliver(ctx, task, tx)
	if status != types.TaskStatusSuccess {
		return nil
	}
	return m.releasePosteriors(ctx, task.ID)
}

func (m *Manager) releasePosteriors(ctx context.Context, taskID int64) error {
	posteriors, err := m.repo.GetPosteriorTaskIDs(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fail to load posteriors of task %d: %w", taskID, err)
	}
	for _, id := range posteriors {
		ok, err := m.resolver.IsEligible(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"task_id":  id,
			"prior_id": taskID,
		}).Info("posterior unblocked")
		if err := m.scheduler.ScheduleAttempt(ctx, id, 0); err != nil {
			return fmt.Errorf("fail to schedule posterior %d: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) refreshStatus(ctx context.Context, taskID int64) (types.TaskStatus, error) {
	status, err := m.repo.GetTaskStatus(ctx, taskID)
	if err != nil {
		return types.TaskStatusUnknown, fmt.Errorf("fail to load status of task %d: %w", taskID, err)
	}
	if err := m.repo.UpdateTaskStatusText(ctx, taskID, status); err != nil {
		return status, fmt.Errorf("fail to cache status of task %d: %w", taskID, err)
	}
	return status, nil
}

func (m *Manager) deliver(ctx context.Context, task *types.Task, tx *types.Transaction) {
	if tx == nil {
		return
	}
	if err := m.sink.Deliver(ctx, types.NewResult(task, tx)); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"task_id":        task.ID,
			"transaction_id": tx.ID,
		}).Error("fail to deliver task result")
	}
}

// RetryTask re-drives a task. Receipts of earlier attempts are checked first
// so a transfer that went through is never sent twice.
func (m *Manager) RetryTask(ctx context.Context, uuid string) (types.TaskStatus, error) {
	task, err := m.repo.GetTaskByUUID(ctx, uuid)
	if err != nil {
		return types.TaskStatusUnknown, fmt.Errorf("fail to load task %s: %w", uuid, err)
	}
	logger := m.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"task_uuid": task.UUID,
	})

	txs, err := m.repo.GetTransactionsForTask(ctx, task.ID)
	if err != nil {
		return types.TaskStatusUnknown, fmt.Errorf("fail to load transactions of task %d: %w", task.ID, err)
	}
	for _, tx := range txs {
		if tx.Hash == "" || tx.Status == types.TransactionStatusSuccess {
			continue
		}
		receipt, err := m.client.GetTransactionReceipt(ctx, gcommon.HexToHash(tx.Hash))
		if err != nil {
			return types.TaskStatusUnknown, fmt.Errorf("fail to check receipt of %s: %w", tx.Hash, err)
		}
		if receipt == nil || receipt.BlockNumber == nil || receipt.Status != gtypes.ReceiptStatusSuccessful {
			continue
		}
		block := receipt.BlockNumber.Uint64()
		mined, err := m.client.HeaderTime(ctx, block)
		if err != nil {
			mined = m.now()
		}
		updated, err := m.repo.UpdateTransaction(ctx, tx.ID, types.SuccessUpdate(block, mined.UTC()))
		if err != nil {
			return types.TaskStatusUnknown, fmt.Errorf("fail to record success of transaction %d: %w", tx.ID, err)
		}
		logger.WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"hash":           tx.Hash,
			"block":          block,
		}).Warn("earlier attempt found mined on retry")
		if err := m.settle(ctx, task, updated); err != nil {
			return types.TaskStatusSuccess, err
		}
		return types.TaskStatusSuccess, nil
	}

	if _, err := m.reapAbandoned(ctx, task.ID); err != nil {
		return types.TaskStatusUnknown, err
	}
	status, err := m.refreshStatus(ctx, task.ID)
	if err != nil {
		return types.TaskStatusUnknown, err
	}
	switch status {
	case types.TaskStatusSuccess:
		return status, m.releasePosteriors(ctx, task.ID)
	case types.TaskStatusPending:
		logger.Info("task still pending, resuming instead of resubmitting")
		if _, err := m.resumePending(ctx, task.ID); err != nil {
			return status, err
		}
		return status, nil
	}
	logger.WithField("status", status).Info("retrying task")
	if err := m.scheduler.ScheduleAttempt(ctx, task.ID, 0); err != nil {
		return status, fmt.Errorf("fail to schedule task %d: %w", task.ID, err)
	}
	return status, nil
}

// RetryFailed retries every FAILED task with an id in [minID, maxID], and
// UNSTARTED ones too when includeUnstarted is set. It returns how many tasks
// were re-driven.
func (m *Manager) RetryFailed(ctx context.Context, minID, maxID int64, includeUnstarted bool) (int, error) {
	statuses := []types.TaskStatus{types.TaskStatusFailed}
	if includeUnstarted {
		statuses = append(statuses, types.TaskStatusUnstarted)
	}
	retried := 0
	for lo := minID; lo <= maxID; lo += int64(m.cfg.RetryFailedBatch) {
		hi := min(lo+int64(m.cfg.RetryFailedBatch)-1, maxID)
		batch, err := m.repo.GetTasksByStatus(ctx, statuses, lo, hi)
		if err != nil {
			return retried, fmt.Errorf("fail to list tasks %d-%d: %w", lo, hi, err)
		}
		for _, task := range batch {
			if _, err := m.RetryTask(ctx, task.UUID); err != nil {
				return retried, err
			}
			retried++
		}
		if hi == maxID {
			break
		}
	}
	m.logger.WithFields(logrus.Fields{
		"min_id":            minID,
		"max_id":            maxID,
		"include_unstarted": includeUnstarted,
		"retried":           retried,
	}).Info("bulk retry finished")
	return retried, nil
}

// RemovePriorTaskDependency drops one edge and attempts the task right away.
func (m *Manager) RemovePriorTaskDependency(ctx context.Context, taskUUID, priorUUID string) error {
	task, err := m.repo.GetTaskByUUID(ctx, taskUUID)
	if err != nil {
		return fmt.Errorf("fail to load task %s: %w", taskUUID, err)
	}
	prior, err := m.repo.GetTaskByUUID(ctx, priorUUID)
	if err != nil {
		return fmt.Errorf("fail to load prior %s: %w", priorUUID, err)
	}
	if err := m.repo.RemovePriorDependency(ctx, task.ID, prior.ID); err != nil {
		return fmt.Errorf("fail to remove dependency: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"task_uuid":  taskUUID,
		"prior_uuid": priorUUID,
	}).Warn("prior dependency removed by operator")
	return m.scheduler.ScheduleAttempt(ctx, task.ID, 0)
}

// RemoveAllPosteriorDependencies detaches every task waiting on priorUUID and
// attempts each of them right away.
func (m *Manager) RemoveAllPosteriorDependencies(ctx context.Context, priorUUID string) ([]int64, error) {
	prior, err := m.repo.GetTaskByUUID(ctx, priorUUID)
	if err != nil {
		return nil, fmt.Errorf("fail to load prior %s: %w", priorUUID, err)
	}
	released, err := m.repo.RemoveAllPosteriorDependencies(ctx, prior.ID)
	if err != nil {
		return nil, fmt.Errorf("fail to remove posterior dependencies: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"prior_uuid": priorUUID,
		"released":   released,
	}).Warn("posterior dependencies removed by operator")
	for _, id := range released {
		if err := m.scheduler.ScheduleAttempt(ctx, id, 0); err != nil {
			return released, fmt.Errorf("fail to schedule task %d: %w", id, err)
		}
	}
	return released, nil
}

// TaskReport is a task with its computed status and attempts.
type TaskReport struct {
	Task         *types.Task          `json:"task"`
	Status       types.TaskStatus     `json:"status"`
	Priors       []int64              `json:"prior_task_ids"`
	Posteriors   []int64              `json:"posterior_task_ids"`
	Transactions []*types.Transaction `json:"transactions"`
}

func (m *Manager) Status(ctx context.Context, uuid string) (*TaskReport, error) {
	task, err := m.repo.GetTaskByUUID(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("fail to load task %s: %w", uuid, err)
	}
	report := &TaskReport{Task: task}
	if report.Status, err = m.repo.GetTaskStatus(ctx, task.ID); err != nil {
		return nil, err
	}
	if report.Priors, err = m.repo.GetPriorTaskIDs(ctx, task.ID); err != nil {
		return nil, err
	}
	if report.Posteriors, err = m.repo.GetPosteriorTaskIDs(ctx, task.ID); err != nil {
		return nil, err
	}
	if report.Transactions, err = m.repo.GetTransactionsForTask(ctx, task.ID); err != nil {
		return nil, err
	}
	return report, nil
}

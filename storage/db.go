package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sempo/ethworker/internal/types"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNonceConflict is returned by ClaimNonce when another live transaction
	// of the same wallet already holds the nonce.
	ErrNonceConflict = errors.New("nonce already claimed by a live transaction")
	// ErrDuplicateSuccess guards the one-successful-transaction-per-task rule.
	ErrDuplicateSuccess = errors.New("task already has a successful transaction")
)

type DatabaseStorage interface {
	Close() error

	WalletRepository
	TaskRepository
	TransactionRepository
}

type WalletRepository interface {
	CreateWallet(ctx context.Context, wallet types.Wallet) (*types.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*types.Wallet, error)
	GetWalletByID(ctx context.Context, id int64) (*types.Wallet, error)
	SetWalletLastTopup(ctx context.Context, walletID int64, taskID *int64) error
}

type TaskRepository interface {
	// CreateTask inserts the task and its dependency edges in one database
	// transaction. When a task with the same uuid already exists it is
	// returned unchanged and created is false.
	CreateTask(ctx context.Context, task types.Task, priorUUIDs, posteriorUUIDs []string) (t *types.Task, created bool, err error)
	GetTaskByUUID(ctx context.Context, uuid string) (*types.Task, error)
	GetTaskByID(ctx context.Context, id int64) (*types.Task, error)
	// GetTasksByStatus returns tasks with id in [minID, maxID] whose aggregate
	// status is one of statuses, ordered by id.
	GetTasksByStatus(ctx context.Context, statuses []types.TaskStatus, minID, maxID int64) ([]*types.Task, error)
	GetTaskStatus(ctx context.Context, taskID int64) (types.TaskStatus, error)
	UpdateTaskStatusText(ctx context.Context, taskID int64, status types.TaskStatus) error
	IncrementInvocationCount(ctx context.Context, taskID int64) (int, error)

	AddPriorDependency(ctx context.Context, taskID, priorID int64) error
	RemovePriorDependency(ctx context.Context, taskID, priorID int64) error
	// RemoveAllPosteriorDependencies drops every edge where priorID is the
	// prior and returns the ids of the released posteriors.
	RemoveAllPosteriorDependencies(ctx context.Context, priorID int64) ([]int64, error)
	GetPriorTaskIDs(ctx context.Context, taskID int64) ([]int64, error)
	GetPosteriorTaskIDs(ctx context.Context, taskID int64) ([]int64, error)
}

type TransactionRepository interface {
	// ClaimNonce records a PENDING transaction holding claim.Nonce. It fails
	// with ErrNonceConflict if a PENDING or SUCCESS transaction of the same
	// wallet on the same chain already holds that nonce.
	ClaimNonce(ctx context.Context, claim types.NonceClaim) (*types.Transaction, error)
	// GetConsumedNonces lists nonces >= floor held by transactions that are
	// PENDING or still flagged nonce_consumed.
	GetConsumedNonces(ctx context.Context, walletID int64, firstBlockHash string, floor uint64) ([]uint64, error)
	// ReleaseExpiredNonces clears nonce_consumed on FAILED transactions created
	// before olderThan.
	ReleaseExpiredNonces(ctx context.Context, walletID int64, olderThan time.Time) (int64, error)
	CountLiveNonce(ctx context.Context, walletID int64, firstBlockHash string, nonce uint64) (int, error)

	GetTransaction(ctx context.Context, id int64) (*types.Transaction, error)
	GetTransactionsForTask(ctx context.Context, taskID int64) ([]*types.Transaction, error)
	UpdateTransaction(ctx context.Context, id int64, update types.TransactionUpdate) (*types.Transaction, error)
}

// Package memory is an in-process implementation of storage.DatabaseStorage.
// It enforces the same uniqueness rules as the Postgres schema and is used by
// tests and single-process tooling.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

type edge struct {
	prior     int64
	posterior int64
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextWalletID int64
	nextTaskID   int64
	nextTxID     int64

	wallets      map[int64]*types.Wallet
	walletByAddr map[string]int64
	tasks        map[int64]*types.Task
	taskByUUID   map[string]int64
	txs          map[int64]*types.Transaction
	edges        map[edge]struct{}
}

var _ storage.DatabaseStorage = (*Store)(nil)

func New() *Store {
	return &Store{
		now:          time.Now,
		wallets:      make(map[int64]*types.Wallet),
		walletByAddr: make(map[string]int64),
		tasks:        make(map[int64]*types.Task),
		taskByUUID:   make(map[string]int64),
		txs:          make(map[int64]*types.Transaction),
		edges:        make(map[edge]struct{}),
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close() error { return nil }

func addrKey(address string) string {
	return strings.ToLower(address)
}

func (s *Store) CreateWallet(_ context.Context, wallet types.Wallet) (*types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.walletByAddr[addrKey(wallet.Address)]; ok {
		return nil, fmt.Errorf("wallet %s: %w", wallet.Address, storage.ErrAlreadyExists)
	}
	s.nextWalletID++
	wallet.ID = s.nextWalletID
	wallet.CreatedAt = s.now()
	stored := wallet
	s.wallets[wallet.ID] = &stored
	s.walletByAddr[addrKey(wallet.Address)] = wallet.ID
	out := stored
	return &out, nil
}

func (s *Store) GetWalletByAddress(_ context.Context, address string) (*types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.walletByAddr[addrKey(address)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *s.wallets[id]
	return &out, nil
}

func (s *Store) GetWalletByID(_ context.Context, id int64) (*types.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *w
	return &out, nil
}

func (s *Store) SetWalletLastTopup(_ context.Context, walletID int64, taskID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return storage.ErrNotFound
	}
	w.LastTopupTaskID = taskID
	return nil
}

func (s *Store) CreateTask(_ context.Context, task types.Task, priorUUIDs, posteriorUUIDs []string) (*types.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.taskByUUID[task.UUID]; ok {
		out := *s.tasks[id]
		return &out, false, nil
	}

	priorIDs, err := s.resolveUUIDs(priorUUIDs)
	if err != nil {
		return nil, false, err
	}
	posteriorIDs, err := s.resolveUUIDs(posteriorUUIDs)
	if err != nil {
		return nil, false, err
	}

	s.nextTaskID++
	now := s.now()
	task.ID = s.nextTaskID
	task.StatusText = string(types.TaskStatusUnstarted)
	task.CreatedAt = now
	task.UpdatedAt = now
	stored := task
	s.tasks[task.ID] = &stored
	s.taskByUUID[task.UUID] = task.ID

	for _, p := range priorIDs {
		s.edges[edge{prior: p, posterior: task.ID}] = struct{}{}
	}
	for _, p := range posteriorIDs {
		s.edges[edge{prior: task.ID, posterior: p}] = struct{}{}
	}
	out := stored
	return &out, true, nil
}

func (s *Store) resolveUUIDs(uuids []string) ([]int64, error) {
	ids := make([]int64, 0, len(uuids))
	for _, u := range uuids {
		id, ok := s.taskByUUID[u]
		if !ok {
			return nil, fmt.Errorf("task %s: %w", u, storage.ErrNotFound)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) GetTaskByUUID(_ context.Context, uuid string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.taskByUUID[uuid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *s.tasks[id]
	return &out, nil
}

func (s *Store) GetTaskByID(_ context.Context, id int64) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *Store) taskStatusLocked(taskID int64) types.TaskStatus {
	var statuses []types.TransactionStatus
	for _, tx := range s.txs {
		if tx.TaskID == taskID {
			statuses = append(statuses, tx.Status)
		}
	}
	return types.AggregateTaskStatus(statuses)
}

func (s *Store) GetTasksByStatus(_ context.Context, statuses []types.TaskStatus, minID, maxID int64) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[types.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*types.Task
	for id, t := range s.tasks {
		if id < minID || id > maxID {
			continue
		}
		if !want[s.taskStatusLocked(id)] {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetTaskStatus(_ context.Context, taskID int64) (types.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return types.TaskStatusUnknown, storage.ErrNotFound
	}
	return s.taskStatusLocked(taskID), nil
}

func (s *Store) UpdateTaskStatusText(_ context.Context, taskID int64, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	t.StatusText = string(status)
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) IncrementInvocationCount(_ context.Context, taskID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	t.PreviousInvocationCount++
	return t.PreviousInvocationCount, nil
}

func (s *Store) AddPriorDependency(_ context.Context, taskID, priorID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.tasks[priorID]; !ok {
		return storage.ErrNotFound
	}
	s.edges[edge{prior: priorID, posterior: taskID}] = struct{}{}
	return nil
}

func (s *Store) RemovePriorDependency(_ context.Context, taskID, priorID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges, edge{prior: priorID, posterior: taskID})
	return nil
}

func (s *Store) RemoveAllPosteriorDependencies(_ context.Context, priorID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []int64
	for e := range s.edges {
		if e.prior == priorID {
			released = append(released, e.posterior)
			delete(s.edges, e)
		}
	}
	sortIDs(released)
	return released, nil
}

func (s *Store) GetPriorTaskIDs(_ context.Context, taskID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for e := range s.edges {
		if e.posterior == taskID {
			ids = append(ids, e.prior)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (s *Store) GetPosteriorTaskIDs(_ context.Context, taskID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for e := range s.edges {
		if e.prior == taskID {
			ids = append(ids, e.posterior)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func isLive(status types.TransactionStatus) bool {
	return status == types.TransactionStatusPending || status == types.TransactionStatusSuccess
}

func (s *Store) ClaimNonce(_ context.Context, claim types.NonceClaim) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[claim.TaskID]; !ok {
		return nil, storage.ErrNotFound
	}
	for _, tx := range s.txs {
		if tx.SigningWalletID == claim.SigningWalletID && tx.FirstBlockHash == claim.FirstBlockHash &&
			tx.Nonce != nil && *tx.Nonce == claim.Nonce && isLive(tx.Status) {
			return nil, storage.ErrNonceConflict
		}
	}

	s.nextTxID++
	now := s.now()
	nonce := claim.Nonce
	tx := &types.Transaction{
		ID:              s.nextTxID,
		TaskID:          claim.TaskID,
		SigningWalletID: claim.SigningWalletID,
		Status:          types.TransactionStatusPending,
		Nonce:           &nonce,
		NonceConsumed:   true,
		FirstBlockHash:  claim.FirstBlockHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.txs[tx.ID] = tx
	out := *tx
	return &out, nil
}

func (s *Store) GetConsumedNonces(_ context.Context, walletID int64, firstBlockHash string, floor uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nonces []uint64
	for _, tx := range s.txs {
		if tx.SigningWalletID != walletID || tx.FirstBlockHash != firstBlockHash || tx.Nonce == nil {
			continue
		}
		if *tx.Nonce < floor {
			continue
		}
		if tx.Status == types.TransactionStatusPending || tx.NonceConsumed {
			nonces = append(nonces, *tx.Nonce)
		}
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	return nonces, nil
}

func (s *Store) ReleaseExpiredNonces(_ context.Context, walletID int64, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, tx := range s.txs {
		if tx.SigningWalletID == walletID && tx.Status == types.TransactionStatusFailed &&
			tx.NonceConsumed && tx.CreatedAt.Before(olderThan) {
			tx.NonceConsumed = false
			tx.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) CountLiveNonce(_ context.Context, walletID int64, firstBlockHash string, nonce uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tx := range s.txs {
		if tx.SigningWalletID == walletID && tx.FirstBlockHash == firstBlockHash &&
			tx.Nonce != nil && *tx.Nonce == nonce && isLive(tx.Status) {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *tx
	return &out, nil
}

func (s *Store) GetTransactionsForTask(_ context.Context, taskID int64) ([]*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Transaction
	for _, tx := range s.txs {
		if tx.TaskID == taskID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateTransaction(_ context.Context, id int64, update types.TransactionUpdate) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if update.Status != nil && *update.Status == types.TransactionStatusSuccess {
		for _, other := range s.txs {
			if other.ID != id && other.TaskID == tx.TaskID && other.Status == types.TransactionStatusSuccess {
				return nil, storage.ErrDuplicateSuccess
			}
		}
	}

	if update.Status != nil {
		tx.Status = *update.Status
	}
	if update.Error != nil {
		tx.Error = *update.Error
	}
	if update.Message != nil {
		tx.Message = *update.Message
	}
	if update.Block != nil {
		b := *update.Block
		tx.Block = &b
	}
	if update.Hash != nil {
		tx.Hash = *update.Hash
	}
	if update.NonceConsumed != nil {
		tx.NonceConsumed = *update.NonceConsumed
	}
	if update.SubmittedDate != nil {
		d := *update.SubmittedDate
		tx.SubmittedDate = &d
	}
	if update.MinedDate != nil {
		d := *update.MinedDate
		tx.MinedDate = &d
	}
	tx.UpdatedAt = s.now()
	out := *tx
	return &out, nil
}

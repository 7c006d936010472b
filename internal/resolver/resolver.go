package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

// TransferRef points at an application-level transfer and the task that
// carries it on chain.
type TransferRef struct {
	TaskUUID string
	At       time.Time
}

// TransferHistory is the application layer's view of an account's transfers.
type TransferHistory interface {
	// LastSent returns the most recent transfer sent by account outside
	// batchID, or nil if there is none.
	LastSent(ctx context.Context, account, batchID string) (*TransferRef, error)
	// ReceivedSince lists transfers received by account after since.
	ReceivedSince(ctx context.Context, account string, since time.Time) ([]TransferRef, error)
}

type Resolver struct {
	repo   storage.TaskRepository
	logger *logrus.Entry
}

func New(repo storage.TaskRepository, logger *logrus.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger.WithField("service", "resolver"),
	}
}

// UnmetPriors returns the prior tasks of taskID that have not succeeded.
func (r *Resolver) UnmetPriors(ctx context.Context, taskID int64) ([]int64, error) {
	priors, err := r.repo.GetPriorTaskIDs(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fail to load priors of task %d: %w", taskID, err)
	}
	var unmet []int64
	for _, id := range priors {
		status, err := r.repo.GetTaskStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fail to load status of prior %d: %w", id, err)
		}
		if status != types.TaskStatusSuccess {
			unmet = append(unmet, id)
		}
	}
	return unmet, nil
}

// IsEligible reports whether every prior of taskID has succeeded.
func (r *Resolver) IsEligible(ctx context.Context, taskID int64) (bool, error) {
	unmet, err := r.UnmetPriors(ctx, taskID)
	if err != nil {
		return false, err
	}
	return len(unmet) == 0, nil
}

// RequiredPriors computes the prior task uuids for a new transfer sent by
// account: its last send outside batchID plus every transfer it received
// since then. Priors that already succeeded are left out, as are transfers
// that never got a task.
func (r *Resolver) RequiredPriors(ctx context.Context, history TransferHistory, account, batchID string) ([]string, error) {
	var (
		refs  []TransferRef
		since time.Time
	)
	last, err := history.LastSent(ctx, account, batchID)
	if err != nil {
		return nil, fmt.Errorf("fail to load last send of %s: %w", account, err)
	}
	if last != nil {
		refs = append(refs, *last)
		since = last.At
	}
	received, err := history.ReceivedSince(ctx, account, since)
	if err != nil {
		return nil, fmt.Errorf("fail to load receipts of %s: %w", account, err)
	}
	refs = append(refs, received...)

	seen := make(map[string]struct{}, len(refs))
	var required []string
	for _, ref := range refs {
		if ref.TaskUUID == "" {
			continue
		}
		if _, ok := seen[ref.TaskUUID]; ok {
			continue
		}
		seen[ref.TaskUUID] = struct{}{}

		task, err := r.repo.GetTaskByUUID(ctx, ref.TaskUUID)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.WithFields(logrus.Fields{
				"account":   account,
				"task_uuid": ref.TaskUUID,
			}).Debug("transfer has no task, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail to load task %s: %w", ref.TaskUUID, err)
		}
		status, err := r.repo.GetTaskStatus(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("fail to load status of task %s: %w", ref.TaskUUID, err)
		}
		if status == types.TaskStatusSuccess {
			continue
		}
		required = append(required, ref.TaskUUID)
	}
	return required, nil
}

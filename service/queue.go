package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/tasks"
)

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type QueueOptions struct {
	AttemptTimeout  time.Duration
	AttemptMaxRetry int
	Retention       time.Duration
}

// QueueScheduler puts attempts and polls on the asynq queues.
type QueueScheduler struct {
	client Enqueuer
	opts   QueueOptions
	logger *logrus.Entry
}

var _ Scheduler = (*QueueScheduler)(nil)

func NewQueueScheduler(client Enqueuer, opts QueueOptions, logger *logrus.Logger) *QueueScheduler {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 300 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	return &QueueScheduler{
		client: client,
		opts:   opts,
		logger: logger.WithField("service", "queue"),
	}
}

func (q *QueueScheduler) ScheduleAttempt(ctx context.Context, taskID int64, delay time.Duration) error {
	task, err := tasks.NewTaskAttempt(taskID)
	if err != nil {
		return fmt.Errorf("fail to build attempt task: %w", err)
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.MaxRetry(q.opts.AttemptMaxRetry),
		asynq.Timeout(q.opts.AttemptTimeout),
		asynq.Retention(q.opts.Retention),
		asynq.Queue(tasks.QueueCritical))
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	q.logger.WithFields(logrus.Fields{
		"task_id":  taskID,
		"queue_id": info.ID,
		"delay":    delay.String(),
	}).Debug("attempt enqueued")
	return nil
}

// PollTaskID is the queue id of poll number attempt of a transaction. Polls
// enqueued twice for the same step collapse into one.
func PollTaskID(p tasks.PollPayload) string {
	return fmt.Sprintf("poll:%d:%d", p.TransactionID, p.Attempt)
}

func (q *QueueScheduler) SchedulePoll(ctx context.Context, p tasks.PollPayload, delay time.Duration) error {
	task, err := tasks.NewTxPoll(p)
	if err != nil {
		return fmt.Errorf("fail to build poll task: %w", err)
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(PollTaskID(p)),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(q.opts.AttemptMaxRetry),
		asynq.Timeout(time.Minute),
		asynq.Retention(q.opts.Retention),
		asynq.Queue(tasks.QueueDefault))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		q.logger.WithFields(logrus.Fields{
			"transaction_id": p.TransactionID,
			"attempt":        p.Attempt,
		}).Debug("poll already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	q.logger.WithFields(logrus.Fields{
		"transaction_id": p.TransactionID,
		"attempt":        p.Attempt,
		"queue_id":       info.ID,
		"delay":          delay.String(),
	}).Debug("poll enqueued")
	return nil
}

// EnqueueIntent queues an application intent for HandleSendEth and friends.
func EnqueueIntent(ctx context.Context, client Enqueuer, task *asynq.Task) (*asynq.TaskInfo, error) {
	info, err := client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Queue(tasks.QueueLow))
	if err != nil {
		return nil, fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return info, nil
}

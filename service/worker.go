package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/contexthelper"
	"github.com/sempo/ethworker/internal/nonce"
	"github.com/sempo/ethworker/internal/tasks"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/internal/validation"
	"github.com/sempo/ethworker/storage"
)

type WorkerService struct {
	manager  *Manager
	logger   *logrus.Logger
	sdClient statsd.ClientInterface
}

// NewWorker creates a new worker service
func NewWorker(manager *Manager, sdClient statsd.ClientInterface, logger *logrus.Logger) *WorkerService {
	return &WorkerService{
		manager:  manager,
		logger:   logger,
		sdClient: sdClient,
	}
}

// Register maps every task type the worker understands to its handler.
func (s *WorkerService) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeTaskAttempt, s.HandleTaskAttempt)
	mux.HandleFunc(tasks.TypeTxPoll, s.HandleTxPoll)
	mux.HandleFunc(tasks.TypeSendEth, s.HandleSendEth)
	mux.HandleFunc(tasks.TypeFunctionCall, s.HandleFunctionCall)
	mux.HandleFunc(tasks.TypeDeployContract, s.HandleDeployContract)
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// decodePayload keeps numbers as json.Number so uint256 call arguments are
// not rounded through float64.
func decodePayload(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func (s *WorkerService) HandleTaskAttempt(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("worker.task.attempt.latency", time.Now(), []string{})

	var p tasks.AttemptPayload
	if err := decodePayload(t.Payload(), &p); err != nil {
		return err
	}
	out, err := s.manager.Attempt(ctx, p.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("task %d: %v: %w", p.TaskID, err, asynq.SkipRetry)
	}
	if err != nil {
		s.incCounter("worker.task.attempt", []string{"outcome:error"})
		s.logger.WithError(err).WithField("task_id", p.TaskID).Error("task attempt failed")
		return err
	}
	s.incCounter("worker.task.attempt", []string{"outcome:" + out.Kind.String()})
	if errors.Is(out.Err, nonce.ErrLockedNotAcquired) {
		s.incCounter("worker.nonce.locked", []string{})
	}
	if out.Kind == AttemptTerminal && out.Status == types.TaskStatusFailed {
		s.incCounter("worker.tx.failed", []string{"stage:pre_blockchain"})
	}
	return nil
}

func (s *WorkerService) HandleTxPoll(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var p tasks.PollPayload
	if err := decodePayload(t.Payload(), &p); err != nil {
		return err
	}
	s.incCounter("worker.tx.poll", []string{"attempt:" + strconv.Itoa(p.Attempt)})

	out, err := s.manager.Poll(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("transaction %d: %v: %w", p.TransactionID, err, asynq.SkipRetry)
	}
	if err != nil {
		s.logger.WithError(err).WithField("transaction_id", p.TransactionID).Error("transaction poll failed")
		return err
	}
	if !out.Terminal || out.Transaction == nil {
		return nil
	}
	switch out.Transaction.Status {
	case types.TransactionStatusSuccess:
		s.incCounter("worker.tx.success", []string{})
	case types.TransactionStatusFailed:
		s.incCounter("worker.tx.failed", []string{"stage:on_chain"})
	}
	return nil
}

// intentError marks caller mistakes as not worth retrying.
func intentError(err error) error {
	if errors.Is(err, validation.ErrValidationFailed) || errors.Is(err, ErrSignerRequired) || errors.Is(err, ErrUnknownSigner) ||
		errors.Is(err, ErrOrderingUnavailable) {
		return fmt.Errorf("invalid request: %v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (s *WorkerService) writeTaskID(t *asynq.Task, taskID int64) error {
	result, err := json.Marshal(tasks.AttemptPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if w := t.ResultWriter(); w != nil {
		if _, err := w.Write(result); err != nil {
			s.logger.Errorf("t.ResultWriter.Write failed: %v", err)
		}
	}
	return nil
}

func (s *WorkerService) HandleSendEth(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var req types.SendEthRequest
	if err := decodePayload(t.Payload(), &req); err != nil {
		return err
	}
	s.incCounter("worker.intent", []string{"type:send_eth"})
	s.logger.WithFields(logrus.Fields{
		"uuid":      req.UUID,
		"recipient": req.RecipientAddress,
		"amount":    req.AmountWei,
	}).Info("send eth intent received")

	id, err := s.manager.SendEth(ctx, req)
	if err != nil {
		return intentError(err)
	}
	return s.writeTaskID(t, id)
}

func (s *WorkerService) HandleFunctionCall(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var req types.FunctionCallRequest
	if err := decodePayload(t.Payload(), &req); err != nil {
		return err
	}
	s.incCounter("worker.intent", []string{"type:function_call"})
	s.logger.WithFields(logrus.Fields{
		"uuid":     req.UUID,
		"contract": req.ContractAddress,
		"abi_type": req.ABIType,
		"function": req.FunctionName,
	}).Info("function call intent received")

	id, err := s.manager.TransactWithContractFunction(ctx, req)
	if err != nil {
		return intentError(err)
	}
	return s.writeTaskID(t, id)
}

func (s *WorkerService) HandleDeployContract(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var req types.DeployContractRequest
	if err := decodePayload(t.Payload(), &req); err != nil {
		return err
	}
	s.incCounter("worker.intent", []string{"type:deploy_contract"})
	s.logger.WithFields(logrus.Fields{
		"uuid":     req.UUID,
		"contract": req.ContractName,
	}).Info("deploy contract intent received")

	id, err := s.manager.DeployContract(ctx, req)
	if err != nil {
		return intentError(err)
	}
	return s.writeTaskID(t, id)
}

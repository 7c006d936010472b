package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/sempo/ethworker/internal/types"
)

func NewTaskAttempt(taskID int64) (*asynq.Task, error) {
	payload, err := json.Marshal(AttemptPayload{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTaskAttempt, payload), nil
}

func NewTxPoll(p PollPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTxPoll, payload), nil
}

func NewSendEth(req types.SendEthRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSendEth, payload), nil
}

func NewFunctionCall(req types.FunctionCallRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeFunctionCall, payload), nil
}

func NewDeployContract(req types.DeployContractRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeployContract, payload), nil
}

package tasks

import (
	"time"
)

const (
	TypeTaskAttempt = "task:attempt"
	TypeTxPoll      = "tx:poll"

	// intents enqueued by the application layer
	TypeSendEth        = "intent:send_eth"
	TypeFunctionCall   = "intent:function_call"
	TypeDeployContract = "intent:deploy_contract"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues is the asynq priority weighting used by the worker.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

type AttemptPayload struct {
	TaskID int64 `json:"task_id"`
}

type PollPayload struct {
	TransactionID int64     `json:"transaction_id"`
	TaskID        int64     `json:"task_id"`
	Attempt       int       `json:"attempt"`
	FirstPolledAt time.Time `json:"first_polled_at"`
}

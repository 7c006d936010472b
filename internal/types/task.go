package types

import (
	"bytes"
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskTypeSendEth        TaskType = "SEND_ETH"
	TaskTypeFunctionCall   TaskType = "FUNCTION_CALL"
	TaskTypeDeployContract TaskType = "DEPLOY_CONTRACT"
)

func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeSendEth, TaskTypeFunctionCall, TaskTypeDeployContract:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusSuccess   TaskStatus = "SUCCESS"
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusUnstarted TaskStatus = "UNSTARTED"
	TaskStatusUnknown   TaskStatus = "UNKNOWN"
)

// statusPriority encodes the "done-ness" order. Lower wins when aggregating,
// the same encoding the SQL aggregate uses.
var statusPriority = map[TransactionStatus]int{
	TransactionStatusSuccess: 1,
	TransactionStatusPending: 2,
	TransactionStatusFailed:  3,
}

// AggregateTaskStatus derives a task status from the statuses of its
// transactions: SUCCESS if any attempt succeeded, else PENDING if any is in
// flight, else FAILED if any failed, else UNSTARTED.
func AggregateTaskStatus(statuses []TransactionStatus) TaskStatus {
	best := 4
	for _, s := range statuses {
		p, ok := statusPriority[s]
		if !ok {
			continue
		}
		if p < best {
			best = p
		}
	}
	switch best {
	case 1:
		return TaskStatusSuccess
	case 2:
		return TaskStatusPending
	case 3:
		return TaskStatusFailed
	default:
		return TaskStatusUnstarted
	}
}

// Task is a unit of blockchain work requested by the application layer.
type Task struct {
	ID                      int64           `json:"id"`
	UUID                    string          `json:"uuid"`
	Type                    TaskType        `json:"type"`
	SigningWalletID         int64           `json:"signing_wallet_id"`
	ContractAddress         string          `json:"contract_address,omitempty"`
	ABIType                 string          `json:"abi_type,omitempty"`
	FunctionName            string          `json:"function_name,omitempty"`
	ContractName            string          `json:"contract_name,omitempty"`
	Args                    json.RawMessage `json:"args,omitempty"`
	Kwargs                  json.RawMessage `json:"kwargs,omitempty"`
	RecipientAddress        string          `json:"recipient_address,omitempty"`
	AmountWei               string          `json:"amount_wei,omitempty"`
	GasLimitOverride        *uint64         `json:"gas_limit_override,omitempty"`
	StatusText              string          `json:"status_text"`
	PreviousInvocationCount int             `json:"previous_invocation_count"`
	ReversesTaskID          *int64          `json:"reverses_task_id,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// decodeNumbers keeps integers as json.Number so uint256 values survive.
func decodeNumbers(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeArgs returns the positional call arguments.
func (t *Task) DecodeArgs() ([]any, error) {
	if len(t.Args) == 0 || string(t.Args) == "null" {
		return nil, nil
	}
	var args []any
	if err := decodeNumbers(t.Args, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// DecodeKwargs returns the named call arguments.
func (t *Task) DecodeKwargs() (map[string]any, error) {
	if len(t.Kwargs) == 0 || string(t.Kwargs) == "null" {
		return nil, nil
	}
	var kwargs map[string]any
	if err := decodeNumbers(t.Kwargs, &kwargs); err != nil {
		return nil, err
	}
	return kwargs, nil
}

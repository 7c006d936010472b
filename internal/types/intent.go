package types

import (
	"time"
)

// Signer identifies the signing wallet of an intent, either by a known address
// or by an encrypted private key the wallet store can import.
type Signer struct {
	Address             string `json:"signing_address,omitempty" validate:"omitempty,eth_addr"`
	EncryptedPrivateKey string `json:"encrypted_private_key,omitempty"`
}

// IsSet reports whether exactly one way of identifying the wallet was given.
func (s Signer) IsSet() bool {
	return (s.Address == "") != (s.EncryptedPrivateKey == "")
}

// Dependencies are the prior/posterior task uuids of an intent.
type Dependencies struct {
	PriorTasks     []string `json:"prior_tasks,omitempty" validate:"dive,required"`
	PosteriorTasks []string `json:"posterior_tasks,omitempty" validate:"dive,required"`
}

// TransferOrdering asks for the payment-ordering priors of Account to be
// added when the task is created: its last send outside BatchID and every
// transfer it received since.
type TransferOrdering struct {
	Account string `json:"account" validate:"required"`
	BatchID string `json:"batch_id,omitempty"`
}

type FunctionCallRequest struct {
	UUID            string            `json:"uuid" validate:"required"`
	ContractAddress string            `json:"contract_address" validate:"required,eth_addr"`
	ABIType         string            `json:"abi_type" validate:"required"`
	FunctionName    string            `json:"function_name" validate:"required"`
	Args            []any             `json:"args,omitempty"`
	Kwargs          map[string]any    `json:"kwargs,omitempty"`
	GasLimit        *uint64           `json:"gas_limit,omitempty" validate:"omitempty,gt=0"`
	ReversesUUID    string            `json:"reverses,omitempty"`
	Ordering        *TransferOrdering `json:"ordering,omitempty"`
	Signer
	Dependencies
}

type SendEthRequest struct {
	UUID             string            `json:"uuid" validate:"required"`
	AmountWei        string            `json:"amount_wei" validate:"required,number"`
	RecipientAddress string            `json:"recipient_address" validate:"required,eth_addr"`
	ReversesUUID     string            `json:"reverses,omitempty"`
	Ordering         *TransferOrdering `json:"ordering,omitempty"`
	Signer
	Dependencies
}

type DeployContractRequest struct {
	UUID         string         `json:"uuid" validate:"required"`
	ContractName string         `json:"contract_name" validate:"required"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
	GasLimit     *uint64        `json:"gas_limit,omitempty" validate:"omitempty,gt=0"`
	Signer
	PriorTasks []string `json:"prior_tasks,omitempty" validate:"dive,required"`
}

// Result is delivered to the application layer whenever a transaction of a
// task reaches a state it should reflect.
type Result struct {
	CreditTransferID string            `json:"credit_transfer_id"`
	TaskID           int64             `json:"task_id"`
	Status           TransactionStatus `json:"status"`
	Hash             string            `json:"hash,omitempty"`
	Block            *uint64           `json:"block,omitempty"`
	Message          string            `json:"message,omitempty"`
	SubmittedDate    *time.Time        `json:"submitted_date,omitempty"`
}

// NewResult builds the notification for a task's transaction. The application
// keys its credit transfers by the task uuid.
func NewResult(task *Task, tx *Transaction) Result {
	r := Result{
		CreditTransferID: task.UUID,
		TaskID:           task.ID,
		Status:           tx.Status,
		Hash:             tx.Hash,
		Block:            tx.Block,
		SubmittedDate:    tx.SubmittedDate,
		Message:          tx.Message,
	}
	if tx.Error != "" {
		r.Message = tx.Error
	}
	return r
}

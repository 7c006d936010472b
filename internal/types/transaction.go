package types

import (
	"time"
)

type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "PENDING"
	TransactionStatusSuccess TransactionStatus = "SUCCESS"
	TransactionStatusFailed  TransactionStatus = "FAILED"
)

// Transaction is one submission attempt for a Task. The row is created at the
// moment a nonce is claimed, before anything is sent to the node.
type Transaction struct {
	ID              int64             `json:"id"`
	TaskID          int64             `json:"task_id"`
	SigningWalletID int64             `json:"signing_wallet_id"`
	Status          TransactionStatus `json:"status"`
	Error           string            `json:"error,omitempty"`
	Message         string            `json:"message,omitempty"`
	Block           *uint64           `json:"block,omitempty"`
	Hash            string            `json:"hash,omitempty"`
	Nonce           *uint64           `json:"nonce,omitempty"`
	NonceConsumed   bool              `json:"nonce_consumed"`
	SubmittedDate   *time.Time        `json:"submitted_date,omitempty"`
	MinedDate       *time.Time        `json:"mined_date,omitempty"`
	FirstBlockHash  string            `json:"first_block_hash"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TransactionUpdate lists the columns to change; nil fields are left as is.
type TransactionUpdate struct {
	Status        *TransactionStatus
	Error         *string
	Message       *string
	Block         *uint64
	Hash          *string
	NonceConsumed *bool
	SubmittedDate *time.Time
	MinedDate     *time.Time
}

// IsEmpty reports whether the update would not change anything.
func (u TransactionUpdate) IsEmpty() bool {
	return u.Status == nil && u.Error == nil && u.Message == nil && u.Block == nil &&
		u.Hash == nil && u.NonceConsumed == nil && u.SubmittedDate == nil && u.MinedDate == nil
}

// NonceClaim is what the allocator persists when it reserves a nonce slot.
type NonceClaim struct {
	TaskID          int64
	SigningWalletID int64
	Nonce           uint64
	FirstBlockHash  string
}

// FailedUpdate builds the update that marks an attempt FAILED. When freeNonce is
// set the nonce slot becomes available to the next claim right away.
func FailedUpdate(reason string, freeNonce bool) TransactionUpdate {
	status := TransactionStatusFailed
	u := TransactionUpdate{
		Status: &status,
		Error:  &reason,
	}
	if freeNonce {
		consumed := false
		u.NonceConsumed = &consumed
	}
	return u
}

// SuccessUpdate builds the update recorded when a receipt confirms the attempt.
func SuccessUpdate(block uint64, mined time.Time) TransactionUpdate {
	status := TransactionStatusSuccess
	return TransactionUpdate{
		Status:    &status,
		Block:     &block,
		MinedDate: &mined,
	}
}

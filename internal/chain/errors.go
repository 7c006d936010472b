package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// PreBlockchainError means the node rejected the transaction before it entered
// the pool. Its nonce was never used and resending the same payload fails the
// same way.
type PreBlockchainError struct {
	Code    int
	Message string
	Err     error
}

func (e *PreBlockchainError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transaction rejected by node [%d]: %s", e.Code, e.Message)
	}
	return "transaction rejected before broadcast: " + e.Message
}

func (e *PreBlockchainError) Unwrap() error {
	return e.Err
}

func IsPreBlockchain(err error) bool {
	var pre *PreBlockchainError
	return errors.As(err, &pre)
}

// knownTxMessages are node replies to a re-sent transaction that is already in
// the pool. They mean the earlier send went through.
var knownTxMessages = []string{
	"already known",
	"known transaction",
	"transaction already imported",
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range knownTxMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classifySendError turns a node-returned JSON-RPC error into a
// PreBlockchainError. Transport failures are returned unchanged.
func classifySendError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &PreBlockchainError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error(), Err: err}
	}
	return err
}

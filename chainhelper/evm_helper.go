package chainhelper

import (
	"fmt"
	"math/big"

	gcommon "github.com/ethereum/go-ethereum/common"

	"github.com/sempo/ethworker/internal/types"
)

var _ Builder = &EtherTransferBuilder{}

// EtherTransferBuilder builds native value transfers.
type EtherTransferBuilder struct{}

func (b *EtherTransferBuilder) Build(task *types.Task) (*Payload, error) {
	if !gcommon.IsHexAddress(task.RecipientAddress) {
		return nil, fmt.Errorf("invalid recipient address %q", task.RecipientAddress)
	}
	amount, ok := new(big.Int).SetString(task.AmountWei, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", task.AmountWei)
	}
	to := gcommon.HexToAddress(task.RecipientAddress)
	return &Payload{
		To:    &to,
		Value: amount,
	}, nil
}

package types

import (
	"math/big"
	"time"
)

// Wallet is a signing keypair. The address never changes once created.
type Wallet struct {
	ID                  int64     `json:"id"`
	Address             string    `json:"address"`
	EncryptedPrivateKey string    `json:"-"`
	TargetBalance       *big.Int  `json:"target_balance,omitempty"`
	TopupThreshold      *big.Int  `json:"topup_threshold,omitempty"`
	LastTopupTaskID     *int64    `json:"last_topup_task_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// NeedsTopup reports whether a wallet with the given balance should be funded.
func (w *Wallet) NeedsTopup(balance *big.Int) bool {
	if w.TopupThreshold == nil || w.TargetBalance == nil || balance == nil {
		return false
	}
	return balance.Cmp(w.TopupThreshold) < 0
}

// TopupAmount is how much wei brings the wallet back to its target balance.
func (w *Wallet) TopupAmount(balance *big.Int) *big.Int {
	if w.TargetBalance == nil || balance == nil {
		return big.NewInt(0)
	}
	amount := new(big.Int).Sub(w.TargetBalance, balance)
	if amount.Sign() < 0 {
		return big.NewInt(0)
	}
	return amount
}

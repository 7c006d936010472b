// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"
	"time"

	gcommon "github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/sempo/ethworker/internal/chain"
)

// FakeClient simulates a single node. Accepted transactions stay pending
// until Mine or Fail is called for their hash.
type FakeClient struct {
	mu sync.Mutex

	chainID  *big.Int
	genesis  string
	gasPrice *big.Int
	now      time.Time

	nonces   map[gcommon.Address]uint64
	floors   map[gcommon.Address]uint64
	used     map[gcommon.Address]map[uint64]bool
	balances map[gcommon.Address]*big.Int
	sent     []*gtypes.Transaction
	receipts map[gcommon.Hash]*gtypes.Receipt
	block    uint64

	// RejectFunc, when set, is consulted for every broadcast. A non-nil
	// result is returned as a *chain.PreBlockchainError.
	RejectFunc func(tx *gtypes.Transaction) error
	// SendErr, when set, is returned by the next SendRawTransaction as a
	// transient failure. It is cleared after use.
	SendErr error
	// PendingNonceFunc overrides the network pending nonce.
	PendingNonceFunc func(addr gcommon.Address) uint64
}

var _ chain.Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		chainID:  big.NewInt(1337),
		genesis:  "0x0000000000000000000000000000000000000000000000000000000000000001",
		gasPrice: big.NewInt(1_000_000_000),
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		nonces:   make(map[gcommon.Address]uint64),
		floors:   make(map[gcommon.Address]uint64),
		used:     make(map[gcommon.Address]map[uint64]bool),
		balances: make(map[gcommon.Address]*big.Int),
		receipts: make(map[gcommon.Hash]*gtypes.Receipt),
		block:    100,
	}
}

func (f *FakeClient) SetGasPrice(p *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPrice = p
}

func (f *FakeClient) SetBalance(addr gcommon.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = v
}

func (f *FakeClient) SetGenesis(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genesis = hash
}

// SetPendingNonce moves the account nonce as if n transactions were mined.
func (f *FakeClient) SetPendingNonce(addr gcommon.Address, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[addr] = n
	f.floors[addr] = n
}

// Sent returns every transaction the node accepted, in order.
func (f *FakeClient) Sent() []*gtypes.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gtypes.Transaction(nil), f.sent...)
}

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeClient) FirstBlockHash(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.genesis, nil
}

func (f *FakeClient) SendRawTransaction(_ context.Context, raw []byte) (gcommon.Hash, error) {
	var tx gtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return gcommon.Hash{}, &chain.PreBlockchainError{Message: err.Error(), Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return tx.Hash(), err
	}
	if f.RejectFunc != nil {
		if err := f.RejectFunc(&tx); err != nil {
			return tx.Hash(), &chain.PreBlockchainError{Code: -32000, Message: err.Error(), Err: err}
		}
	}

	sender, err := gtypes.Sender(gtypes.LatestSignerForChainID(f.chainID), &tx)
	if err != nil {
		return tx.Hash(), &chain.PreBlockchainError{Message: err.Error(), Err: err}
	}
	// nonces may arrive out of order but never below the mined floor or twice
	if tx.Nonce() < f.floors[sender] || f.used[sender][tx.Nonce()] {
		return tx.Hash(), &chain.PreBlockchainError{Code: -32000, Message: "nonce too low"}
	}
	if f.used[sender] == nil {
		f.used[sender] = make(map[uint64]bool)
	}
	f.used[sender][tx.Nonce()] = true
	if tx.Nonce() >= f.nonces[sender] {
		f.nonces[sender] = tx.Nonce() + 1
	}
	f.sent = append(f.sent, &tx)
	return tx.Hash(), nil
}

// Mine records a successful receipt for hash.
func (f *FakeClient) Mine(hash gcommon.Hash) uint64 {
	return f.setReceipt(hash, gtypes.ReceiptStatusSuccessful)
}

// Fail records a reverted receipt for hash.
func (f *FakeClient) Fail(hash gcommon.Hash) uint64 {
	return f.setReceipt(hash, gtypes.ReceiptStatusFailed)
}

// Announce records a receipt that has no block number yet.
func (f *FakeClient) Announce(hash gcommon.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &gtypes.Receipt{TxHash: hash, Status: gtypes.ReceiptStatusSuccessful}
}

func (f *FakeClient) setReceipt(hash gcommon.Hash, status uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block++
	f.receipts[hash] = &gtypes.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(f.block),
	}
	return f.block
}

func (f *FakeClient) GetTransactionReceipt(_ context.Context, hash gcommon.Hash) (*gtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *FakeClient) GetTransactionCount(_ context.Context, address gcommon.Address, _ bool) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PendingNonceFunc != nil {
		return f.PendingNonceFunc(address), nil
	}
	return f.nonces[address], nil
}

func (f *FakeClient) GetGasPrice(_ context.Context, targetSeconds int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return chain.AdjustGasPrice(f.gasPrice, targetSeconds, 60), nil
}

func (f *FakeClient) GetBalance(_ context.Context, address gcommon.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) HeaderTime(_ context.Context, block uint64) (time.Time, error) {
	return f.now.Add(time.Duration(block) * 12 * time.Second), nil
}

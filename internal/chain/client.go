package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Client is the node boundary used by the worker.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// FirstBlockHash fingerprints the connected chain (its genesis hash).
	FirstBlockHash(ctx context.Context) (string, error)
	SendRawTransaction(ctx context.Context, raw []byte) (gcommon.Hash, error)
	// GetTransactionReceipt returns nil and no error while the node has no
	// receipt for hash.
	GetTransactionReceipt(ctx context.Context, hash gcommon.Hash) (*gtypes.Receipt, error)
	GetTransactionCount(ctx context.Context, address gcommon.Address, pending bool) (uint64, error)
	GetGasPrice(ctx context.Context, targetSeconds int) (*big.Int, error)
	GetBalance(ctx context.Context, address gcommon.Address) (*big.Int, error)
	HeaderTime(ctx context.Context, block uint64) (time.Time, error)
}

type Options struct {
	RetryAttempts     uint
	RetryDelay        time.Duration
	FastTargetSeconds int
}

type EthClient struct {
	rpc    *rpc.Client
	eth    *ethclient.Client
	opts   Options
	logger *logrus.Entry

	mu      sync.Mutex
	genesis string
	chainID *big.Int
}

var _ Client = (*EthClient)(nil)

// Dial connects over HTTP(S) or WS(S) depending on the url scheme.
func Dial(ctx context.Context, url string, opts Options, logger *logrus.Logger) (*EthClient, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fail to dial node: %w", err)
	}
	return NewEthClient(rpcClient, opts, logger), nil
}

func NewEthClient(rpcClient *rpc.Client, opts Options, logger *logrus.Logger) *EthClient {
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.FastTargetSeconds == 0 {
		opts.FastTargetSeconds = 60
	}
	return &EthClient{
		rpc:    rpcClient,
		eth:    ethclient.NewClient(rpcClient),
		opts:   opts,
		logger: logger.WithField("service", "chain"),
	}
}

func (c *EthClient) Close() {
	c.rpc.Close()
}

// do retries transient failures. Node-returned JSON-RPC errors and
// ethereum.NotFound are final.
func (c *EthClient) do(ctx context.Context, method string, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(c.opts.RetryAttempts),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var rpcErr rpc.Error
			return !errors.As(err, &rpcErr) && !errors.Is(err, ethereum.NotFound) && !IsPreBlockchain(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WithFields(logrus.Fields{
				"method":  method,
				"attempt": n + 1,
			}).WithError(err).Warn("retrying node call")
		}),
	)
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	var id *big.Int
	err := c.do(ctx, "eth_chainId", func() (err error) {
		id, err = c.eth.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get chain id: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

func (c *EthClient) FirstBlockHash(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.genesis
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var header *gtypes.Header
	err := c.do(ctx, "eth_getBlockByNumber", func() (err error) {
		header, err = c.eth.HeaderByNumber(ctx, big.NewInt(0))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fail to get genesis header: %w", err)
	}
	hash := header.Hash().Hex()
	c.mu.Lock()
	c.genesis = hash
	c.mu.Unlock()
	return hash, nil
}

// SendRawTransaction broadcasts a signed transaction. A JSON-RPC error from
// the node becomes a *PreBlockchainError; other failures are transient.
func (c *EthClient) SendRawTransaction(ctx context.Context, raw []byte) (gcommon.Hash, error) {
	var tx gtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return gcommon.Hash{}, &PreBlockchainError{Message: "malformed transaction: " + err.Error(), Err: err}
	}
	hash := tx.Hash()

	attempt := 0
	err := c.do(ctx, "eth_sendRawTransaction", func() error {
		attempt++
		var result gcommon.Hash
		err := c.rpc.CallContext(ctx, &result, "eth_sendRawTransaction", hexutil.Encode(raw))
		if err != nil && attempt > 1 && isAlreadyKnown(err) {
			// an earlier attempt reached the pool before the transport failed
			return nil
		}
		return classifySendError(err)
	})
	if err != nil {
		return hash, err
	}
	return hash, nil
}

func (c *EthClient) GetTransactionReceipt(ctx context.Context, hash gcommon.Hash) (*gtypes.Receipt, error) {
	var receipt *gtypes.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func() (err error) {
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

func (c *EthClient) GetTransactionCount(ctx context.Context, address gcommon.Address, pending bool) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, "eth_getTransactionCount", func() (err error) {
		if pending {
			nonce, err = c.eth.PendingNonceAt(ctx, address)
		} else {
			nonce, err = c.eth.NonceAt(ctx, address, nil)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce from network: %w", err)
	}
	return nonce, nil
}

// GetGasPrice returns the node's suggested price, raised by 10% when the
// caller wants confirmation faster than the configured fast target.
func (c *EthClient) GetGasPrice(ctx context.Context, targetSeconds int) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, "eth_gasPrice", func() (err error) {
		price, err = c.eth.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get gas price: %w", err)
	}
	return AdjustGasPrice(price, targetSeconds, c.opts.FastTargetSeconds), nil
}

func AdjustGasPrice(suggested *big.Int, targetSeconds, fastTargetSeconds int) *big.Int {
	price := new(big.Int).Set(suggested)
	if targetSeconds > 0 && targetSeconds < fastTargetSeconds {
		price.Mul(price, big.NewInt(110))
		price.Div(price, big.NewInt(100))
	}
	return price
}

func (c *EthClient) GetBalance(ctx context.Context, address gcommon.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.do(ctx, "eth_getBalance", func() (err error) {
		balance, err = c.eth.BalanceAt(ctx, address, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get balance of %s: %w", address.Hex(), err)
	}
	return balance, nil
}

func (c *EthClient) HeaderTime(ctx context.Context, block uint64) (time.Time, error) {
	var header *gtypes.Header
	err := c.do(ctx, "eth_getBlockByNumber", func() (err error) {
		header, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("fail to get header %d: %w", block, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

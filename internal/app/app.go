// Package app builds every long-lived component from a Config exactly once.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/chainhelper"
	"github.com/sempo/ethworker/config"
	"github.com/sempo/ethworker/internal/chain"
	"github.com/sempo/ethworker/internal/nonce"
	"github.com/sempo/ethworker/internal/notify"
	"github.com/sempo/ethworker/internal/poller"
	"github.com/sempo/ethworker/internal/resolver"
	"github.com/sempo/ethworker/internal/submitter"
	"github.com/sempo/ethworker/internal/wallet"
	"github.com/sempo/ethworker/service"
	"github.com/sempo/ethworker/storage"
	"github.com/sempo/ethworker/storage/postgres"
)

type App struct {
	Config *config.Config
	Logger *logrus.Logger

	DB      *postgres.PostgresBackend
	Redis   *storage.RedisStorage
	Client  *chain.EthClient
	Queue   *asynq.Client
	Stats   statsd.ClientInterface
	Wallets *wallet.Store
	Manager *service.Manager
}

// RedisOpt is the asynq connection for cfg.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// New connects to Postgres, Redis and the node and wires the task manager.
// The caller owns the result and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	wired := false
	defer func() {
		if !wired {
			a.Close()
		}
	}()

	var err error
	if a.DB, err = postgres.NewPostgresBackend(ctx, cfg.Database.DSN); err != nil {
		return nil, err
	}
	if a.Redis, err = storage.NewRedisStorage(cfg.Redis); err != nil {
		return nil, fmt.Errorf("storage.NewRedisStorage failed: %w", err)
	}
	a.Client, err = chain.Dial(ctx, cfg.Ethereum.RPCURL, chain.Options{
		RetryAttempts:     cfg.Ethereum.RetryAttempts,
		FastTargetSeconds: cfg.Ethereum.FastTargetSeconds,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := checkChainID(ctx, a.Client, cfg.Ethereum.ChainID); err != nil {
		return nil, err
	}

	a.Stats, err = statsd.New(net.JoinHostPort(cfg.Datadog.Host, cfg.Datadog.Port))
	if err != nil {
		return nil, fmt.Errorf("fail to create statsd client: %w", err)
	}
	a.Queue = asynq.NewClient(RedisOpt(cfg.Redis))

	if a.Wallets, err = wallet.NewStore(a.DB, cfg.Encryption.Secret, logger); err != nil {
		return nil, err
	}

	registry, err := chainhelper.NewRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.Ethereum.ContractsDir != "" {
		if err := registry.LoadDir(cfg.Ethereum.ContractsDir); err != nil {
			return nil, err
		}
	}
	maxGasPrice, err := cfg.Ethereum.MaxGasPriceWei()
	if err != nil {
		return nil, err
	}

	allocator := nonce.NewAllocator(a.DB, a.Client, a.Redis, nonce.Config{
		LockTTL:       cfg.Nonce.LockTTL,
		AcquireWait:   cfg.Nonce.AcquireWait,
		PendingExpiry: cfg.Nonce.PendingExpiry,
		MaxRounds:     cfg.Nonce.MaxRounds,
	}, logger)
	sub := submitter.New(a.Wallets, allocator, chainhelper.NewBuilders(registry), a.Client, a.DB, submitter.Config{
		MaxGasPrice:      maxGasPrice,
		DefaultGasLimit:  cfg.Ethereum.DefaultGasLimit,
		GasTargetSeconds: cfg.Worker.GasTargetSeconds,
	}, logger)
	confirmations := poller.New(a.DB, a.Client, poller.Backoff{
		Base:       cfg.Poller.Base,
		MaxRetries: cfg.Poller.MaxRetries,
		TimeLimit:  cfg.Poller.TimeLimit,
	}, logger)

	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.Webhook.URL != "" {
		sink = notify.NewWebhookSink(cfg.Webhook.URL, notify.WebhookOptions{
			Secret:   cfg.Webhook.Secret,
			Timeout:  cfg.Webhook.Timeout,
			RetryMax: cfg.Webhook.RetryMax,
		}, logger)
	}

	a.Manager = service.NewManager(service.ManagerDeps{
		Repo:      a.DB,
		Wallets:   a.Wallets,
		Resolver:  resolver.New(a.DB, logger),
		Submitter: sub,
		Poller:    confirmations,
		Client:    a.Client,
		Locker:    a.Redis,
		Scheduler: service.NewQueueScheduler(a.Queue, service.QueueOptions{
			AttemptTimeout:  cfg.Worker.AttemptTimeout,
			AttemptMaxRetry: cfg.Worker.AttemptMaxRetry,
		}, logger),
		Sink: sink,
	}, service.ManagerConfig{
		LockedRetryDelay:    cfg.Worker.LockedRetryDelay,
		AttemptTimeout:      cfg.Worker.AttemptTimeout,
		RetryFailedBatch:    cfg.Worker.RetryFailedBatch,
		TopupEnabled:        cfg.Topup.Enabled,
		MasterWalletAddress: cfg.Topup.MasterWalletAddress,
	}, logger)

	logger.WithFields(logrus.Fields{
		"redis":       cfg.Redis.Addr(),
		"chain_id":    cfg.Ethereum.ChainID,
		"topup":       cfg.Topup.Enabled,
		"webhook":     cfg.Webhook.URL != "",
		"max_gas_wei": maxGasPrice,
	}).Info("application wired")
	wired = true
	return a, nil
}

func checkChainID(ctx context.Context, client chain.Client, want int64) error {
	if want == 0 {
		return nil
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fail to read chain id: %w", err)
	}
	if got.Int64() != want {
		return fmt.Errorf("node reports chain id %s, configured %d", got, want)
	}
	return nil
}

func (a *App) Close() {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if c, ok := a.Stats.(*statsd.Client); ok && c != nil {
		errs = append(errs, c.Close())
	}
	if a.Client != nil {
		a.Client.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.WithError(err).Error("fail to close application")
	}
}

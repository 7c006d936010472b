package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port int64  `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"server" json:"server"`

	Redis RedisConfig `mapstructure:"redis" json:"redis,omitempty"`

	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
	} `mapstructure:"database" json:"database,omitempty"`

	Ethereum EthereumConfig `mapstructure:"ethereum" json:"ethereum,omitempty"`

	Worker struct {
		Concurrency      int           `mapstructure:"concurrency" json:"concurrency,omitempty"`
		AttemptTimeout   time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout,omitempty"`
		LockedRetryDelay time.Duration `mapstructure:"locked_retry_delay" json:"locked_retry_delay,omitempty"`
		AttemptMaxRetry  int           `mapstructure:"attempt_max_retry" json:"attempt_max_retry,omitempty"`
		GasTargetSeconds int           `mapstructure:"gas_target_seconds" json:"gas_target_seconds,omitempty"`
		RetryFailedBatch int           `mapstructure:"retry_failed_batch_size" json:"retry_failed_batch_size,omitempty"`
	} `mapstructure:"worker" json:"worker,omitempty"`

	Poller struct {
		Base       time.Duration `mapstructure:"base" json:"base,omitempty"`
		MaxRetries int           `mapstructure:"max_retries" json:"max_retries,omitempty"`
		TimeLimit  time.Duration `mapstructure:"time_limit" json:"time_limit,omitempty"`
	} `mapstructure:"poller" json:"poller,omitempty"`

	Nonce struct {
		LockTTL       time.Duration `mapstructure:"lock_ttl" json:"lock_ttl,omitempty"`
		AcquireWait   time.Duration `mapstructure:"acquire_wait" json:"acquire_wait,omitempty"`
		PendingExpiry time.Duration `mapstructure:"pending_expiry" json:"pending_expiry,omitempty"`
		MaxRounds     int           `mapstructure:"max_rounds" json:"max_rounds,omitempty"`
	} `mapstructure:"nonce" json:"nonce,omitempty"`

	Webhook struct {
		URL      string        `mapstructure:"url" json:"url,omitempty"`
		Secret   string        `mapstructure:"secret" json:"-"`
		Timeout  time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
		RetryMax int           `mapstructure:"retry_max" json:"retry_max,omitempty"`
	} `mapstructure:"webhook" json:"webhook,omitempty"`

	Encryption struct {
		Secret string `mapstructure:"secret" json:"-"`
	} `mapstructure:"encryption" json:"encryption,omitempty"`

	Datadog struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`

	Logging LoggingConfig `mapstructure:"logging" json:"logging,omitempty"`

	Topup struct {
		Enabled             bool   `mapstructure:"enabled" json:"enabled,omitempty"`
		MasterWalletAddress string `mapstructure:"master_wallet_address" json:"master_wallet_address,omitempty"`
	} `mapstructure:"topup" json:"topup,omitempty"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     string `mapstructure:"port" json:"port,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db,omitempty"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type EthereumConfig struct {
	RPCURL            string `mapstructure:"rpc_url" json:"rpc_url,omitempty"`
	ChainID           int64  `mapstructure:"chain_id" json:"chain_id,omitempty"`
	MaxGasPriceGwei   string `mapstructure:"max_gas_price_gwei" json:"max_gas_price_gwei,omitempty"`
	DefaultGasLimit   uint64 `mapstructure:"default_gas_limit" json:"default_gas_limit,omitempty"`
	FastTargetSeconds int    `mapstructure:"fast_target_seconds" json:"fast_target_seconds,omitempty"`
	ContractsDir      string `mapstructure:"contracts_dir" json:"contracts_dir,omitempty"`
	RetryAttempts     uint   `mapstructure:"retry_attempts" json:"retry_attempts,omitempty"`
}

// MaxGasPriceWei converts the configured gwei ceiling to wei. A nil result
// means no ceiling.
func (e EthereumConfig) MaxGasPriceWei() (*big.Int, error) {
	if e.MaxGasPriceGwei == "" {
		return nil, nil
	}
	gwei, err := decimal.NewFromString(e.MaxGasPriceGwei)
	if err != nil {
		return nil, fmt.Errorf("invalid max_gas_price_gwei %q: %w", e.MaxGasPriceGwei, err)
	}
	if gwei.Sign() <= 0 {
		return nil, fmt.Errorf("max_gas_price_gwei must be positive, got %s", e.MaxGasPriceGwei)
	}
	return gwei.Shift(9).Truncate(0).BigInt(), nil
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level,omitempty"`
	Format string `mapstructure:"format" json:"format,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")

	v.SetDefault("ethereum.default_gas_limit", 100000)
	v.SetDefault("ethereum.fast_target_seconds", 60)
	v.SetDefault("ethereum.retry_attempts", 3)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.attempt_timeout", 300*time.Second)
	v.SetDefault("worker.locked_retry_delay", 2*time.Second)
	v.SetDefault("worker.attempt_max_retry", 5)
	v.SetDefault("worker.gas_target_seconds", 120)
	v.SetDefault("worker.retry_failed_batch_size", 500)

	v.SetDefault("poller.base", 5*time.Second)
	v.SetDefault("poller.max_retries", 10)
	v.SetDefault("poller.time_limit", 30*time.Minute)

	v.SetDefault("nonce.lock_ttl", 10*time.Second)
	v.SetDefault("nonce.acquire_wait", time.Second)
	v.SetDefault("nonce.pending_expiry", 30*time.Second)
	v.SetDefault("nonce.max_rounds", 5)

	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.retry_max", 4)

	v.SetDefault("datadog.host", "localhost")
	v.SetDefault("datadog.port", "8125")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// ReadConfig loads <name>.yaml from the working directory (or /etc/ethworker),
// overlays environment variables and validates the result.
func ReadConfig(name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ethworker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fail to read config file, %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Ethereum.RPCURL == "" {
		return errors.New("ethereum.rpc_url is required")
	}
	if c.Encryption.Secret == "" {
		return errors.New("encryption.secret is required")
	}
	if _, err := c.Ethereum.MaxGasPriceWei(); err != nil {
		return err
	}
	if c.Poller.Base <= 0 || c.Poller.MaxRetries <= 0 {
		return errors.New("poller.base and poller.max_retries must be positive")
	}
	if c.Nonce.MaxRounds <= 0 {
		return errors.New("nonce.max_rounds must be positive")
	}
	if c.Topup.Enabled && c.Topup.MasterWalletAddress == "" {
		return errors.New("topup.master_wallet_address is required when topup is enabled")
	}
	return nil
}

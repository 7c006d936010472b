package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/common"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

var ErrWalletExists = errors.New("wallet already exists")

type CreateOptions struct {
	// AllowExisting returns the stored wallet instead of ErrWalletExists.
	AllowExisting  bool
	TargetBalance  *big.Int
	TopupThreshold *big.Int
}

// Store owns signing key material. Keys are encrypted with a key derived from
// the server secret before they reach the repository.
type Store struct {
	repo   storage.WalletRepository
	secret string
	logger *logrus.Entry
}

func NewStore(repo storage.WalletRepository, secret string, logger *logrus.Logger) (*Store, error) {
	if secret == "" {
		return nil, errors.New("wallet encryption secret is empty")
	}
	return &Store{
		repo:   repo,
		secret: secret,
		logger: logger.WithField("service", "wallet"),
	}, nil
}

// Create persists a wallet for privateKeyHex, or for a freshly generated key
// when privateKeyHex is empty.
func (s *Store) Create(ctx context.Context, privateKeyHex string, opts CreateOptions) (*types.Wallet, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if privateKeyHex == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("fail to generate key: %w", err)
		}
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
	}

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	existing, err := s.repo.GetWalletByAddress(ctx, address)
	switch {
	case err == nil:
		if opts.AllowExisting {
			return existing, nil
		}
		return nil, fmt.Errorf("%s: %w", address, ErrWalletExists)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("fail to look up wallet: %w", err)
	}

	encrypted, err := common.Encrypt(s.secret, hex.EncodeToString(crypto.FromECDSA(key)))
	if err != nil {
		return nil, fmt.Errorf("fail to encrypt private key: %w", err)
	}

	w, err := s.repo.CreateWallet(ctx, types.Wallet{
		Address:             address,
		EncryptedPrivateKey: encrypted,
		TargetBalance:       opts.TargetBalance,
		TopupThreshold:      opts.TopupThreshold,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// created concurrently between the lookup and the insert
		if opts.AllowExisting {
			return s.repo.GetWalletByAddress(ctx, address)
		}
		return nil, fmt.Errorf("%s: %w", address, ErrWalletExists)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to store wallet: %w", err)
	}

	s.logger.WithField("address", address).Info("wallet created")
	return w, nil
}

// ImportEncrypted resolves the wallet for a key encrypted with the server
// secret, creating it on first use.
func (s *Store) ImportEncrypted(ctx context.Context, encryptedKey string) (*types.Wallet, error) {
	plain, err := common.Decrypt(s.secret, encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt provided key: %w", err)
	}
	return s.Create(ctx, plain, CreateOptions{AllowExisting: true})
}

func (s *Store) GetByAddress(ctx context.Context, address string) (*types.Wallet, error) {
	return s.repo.GetWalletByAddress(ctx, address)
}

func (s *Store) GetByID(ctx context.Context, id int64) (*types.Wallet, error) {
	return s.repo.GetWalletByID(ctx, id)
}

// DecryptPrivateKey returns the signing key of w. The result must stay in
// memory; never log or persist it.
func (s *Store) DecryptPrivateKey(w *types.Wallet) (*ecdsa.PrivateKey, error) {
	plain, err := common.Decrypt(s.secret, w.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt key for %s: %w", w.Address, err)
	}
	key, err := crypto.HexToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("stored key for %s is malformed: %w", w.Address, err)
	}
	return key, nil
}

// EncryptPrivateKey seals a hex key with the server secret, the format
// ImportEncrypted accepts.
func (s *Store) EncryptPrivateKey(privateKeyHex string) (string, error) {
	return common.Encrypt(s.secret, strings.TrimPrefix(privateKeyHex, "0x"))
}

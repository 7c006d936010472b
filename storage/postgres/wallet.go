package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

const walletColumns = `id, address, encrypted_private_key, target_balance::text, topup_threshold::text, last_topup_task_id, created_at`

func bigToText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func textToBig(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", *s)
	}
	return v, nil
}

func scanWallet(row pgx.Row) (*types.Wallet, error) {
	var (
		w                 types.Wallet
		target, threshold *string
	)
	if err := row.Scan(&w.ID, &w.Address, &w.EncryptedPrivateKey, &target, &threshold, &w.LastTopupTaskID, &w.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	var err error
	if w.TargetBalance, err = textToBig(target); err != nil {
		return nil, err
	}
	if w.TopupThreshold, err = textToBig(threshold); err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresBackend) CreateWallet(ctx context.Context, wallet types.Wallet) (*types.Wallet, error) {
	query := `INSERT INTO blockchain_wallet (address, encrypted_private_key, target_balance, topup_threshold)
	VALUES ($1, $2, $3::numeric, $4::numeric)
	RETURNING ` + walletColumns

	w, err := scanWallet(p.pool.QueryRow(ctx, query,
		wallet.Address, wallet.EncryptedPrivateKey, bigToText(wallet.TargetBalance), bigToText(wallet.TopupThreshold)))
	if err != nil {
		if isUniqueViolation(err, "blockchain_wallet_address_idx") {
			return nil, fmt.Errorf("wallet %s: %w", wallet.Address, storage.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return w, nil
}

func (p *PostgresBackend) GetWalletByAddress(ctx context.Context, address string) (*types.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM blockchain_wallet WHERE LOWER(address) = LOWER($1)`
	return scanWallet(p.pool.QueryRow(ctx, query, address))
}

func (p *PostgresBackend) GetWalletByID(ctx context.Context, id int64) (*types.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM blockchain_wallet WHERE id = $1`
	return scanWallet(p.pool.QueryRow(ctx, query, id))
}

func (p *PostgresBackend) SetWalletLastTopup(ctx context.Context, walletID int64, taskID *int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE blockchain_wallet SET last_topup_task_id = $2 WHERE id = $1`, walletID, taskID)
	if err != nil {
		return fmt.Errorf("failed to update wallet topup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

const transactionColumns = `id, task_id, signing_wallet_id, status, error, message, block, hash, nonce,
	nonce_consumed, submitted_date, mined_date, first_block_hash, created_at, updated_at`

func scanTransaction(row pgx.Row) (*types.Transaction, error) {
	var (
		tx           types.Transaction
		block, nonce *int64
	)
	err := row.Scan(&tx.ID, &tx.TaskID, &tx.SigningWalletID, &tx.Status, &tx.Error, &tx.Message, &block, &tx.Hash, &nonce,
		&tx.NonceConsumed, &tx.SubmittedDate, &tx.MinedDate, &tx.FirstBlockHash, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if block != nil {
		b := uint64(*block)
		tx.Block = &b
	}
	if nonce != nil {
		n := uint64(*nonce)
		tx.Nonce = &n
	}
	return &tx, nil
}

func (p *PostgresBackend) ClaimNonce(ctx context.Context, claim types.NonceClaim) (*types.Transaction, error) {
	query := `INSERT INTO blockchain_transaction (task_id, signing_wallet_id, status, nonce, nonce_consumed, first_block_hash)
	VALUES ($1, $2, 'PENDING', $3, TRUE, $4)
	RETURNING ` + transactionColumns

	tx, err := scanTransaction(p.pool.QueryRow(ctx, query, claim.TaskID, claim.SigningWalletID, int64(claim.Nonce), claim.FirstBlockHash))
	if err != nil {
		if isUniqueViolation(err, "blockchain_transaction_live_nonce_idx") {
			return nil, storage.ErrNonceConflict
		}
		return nil, fmt.Errorf("failed to claim nonce %d: %w", claim.Nonce, err)
	}
	return tx, nil
}

func (p *PostgresBackend) GetConsumedNonces(ctx context.Context, walletID int64, firstBlockHash string, floor uint64) ([]uint64, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT nonce FROM blockchain_transaction
	WHERE signing_wallet_id = $1
	  AND first_block_hash = $2
	  AND nonce >= $3
	  AND (status = 'PENDING' OR nonce_consumed)
	ORDER BY nonce`, walletID, firstBlockHash, int64(floor))
	if err != nil {
		return nil, fmt.Errorf("failed to query consumed nonces: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	nonces := make([]uint64, len(raw))
	for i, n := range raw {
		nonces[i] = uint64(n)
	}
	return nonces, nil
}

func (p *PostgresBackend) ReleaseExpiredNonces(ctx context.Context, walletID int64, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE blockchain_transaction
	SET nonce_consumed = FALSE, updated_at = NOW()
	WHERE signing_wallet_id = $1
	  AND status = 'FAILED'
	  AND nonce_consumed
	  AND created_at < $2`, walletID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) CountLiveNonce(ctx context.Context, walletID int64, firstBlockHash string, nonce uint64) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM blockchain_transaction
	WHERE signing_wallet_id = $1
	  AND first_block_hash = $2
	  AND nonce = $3
	  AND status IN ('PENDING', 'SUCCESS')`, walletID, firstBlockHash, int64(nonce)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count live nonce: %w", err)
	}
	return count, nil
}

func (p *PostgresBackend) GetTransaction(ctx context.Context, id int64) (*types.Transaction, error) {
	return scanTransaction(p.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM blockchain_transaction WHERE id = $1`, id))
}

func (p *PostgresBackend) GetTransactionsForTask(ctx context.Context, taskID int64) ([]*types.Transaction, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+transactionColumns+` FROM blockchain_transaction WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*types.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (p *PostgresBackend) UpdateTransaction(ctx context.Context, id int64, update types.TransactionUpdate) (*types.Transaction, error) {
	if update.IsEmpty() {
		return p.GetTransaction(ctx, id)
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Message != nil {
		add("message", *update.Message)
	}
	if update.Block != nil {
		add("block", int64(*update.Block))
	}
	if update.Hash != nil {
		add("hash", *update.Hash)
	}
	if update.NonceConsumed != nil {
		add("nonce_consumed", *update.NonceConsumed)
	}
	if update.SubmittedDate != nil {
		add("submitted_date", *update.SubmittedDate)
	}
	if update.MinedDate != nil {
		add("mined_date", *update.MinedDate)
	}

	query := `UPDATE blockchain_transaction SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + transactionColumns
	tx, err := scanTransaction(p.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isUniqueViolation(err, "blockchain_transaction_single_success_idx") {
			return nil, storage.ErrDuplicateSuccess
		}
		return nil, err
	}
	return tx, nil
}

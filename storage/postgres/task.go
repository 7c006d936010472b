package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/storage"
)

const taskColumns = `t.id, t.uuid, t.type, t.signing_wallet_id, t.contract_address, t.abi_type, t.function_name,
	t.contract_name, t.args, t.kwargs, t.recipient_address, COALESCE(t.amount_wei::text, ''), t.gas_limit_override,
	t.status_text, t.previous_invocation_count, t.reverses_task_id, t.created_at, t.updated_at`

// taskStatusSQL aggregates transaction statuses per task with the same
// priority encoding as types.AggregateTaskStatus.
const taskStatusSQL = `CASE COALESCE(MIN(CASE tx.status
		WHEN 'SUCCESS' THEN 1
		WHEN 'PENDING' THEN 2
		WHEN 'FAILED' THEN 3
	END), 4)
	WHEN 1 THEN 'SUCCESS'
	WHEN 2 THEN 'PENDING'
	WHEN 3 THEN 'FAILED'
	ELSE 'UNSTARTED' END`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var (
		t        types.Task
		gasLimit *int64
		args     []byte
		kwargs   []byte
	)
	err := row.Scan(&t.ID, &t.UUID, &t.Type, &t.SigningWalletID, &t.ContractAddress, &t.ABIType, &t.FunctionName,
		&t.ContractName, &args, &kwargs, &t.RecipientAddress, &t.AmountWei, &gasLimit,
		&t.StatusText, &t.PreviousInvocationCount, &t.ReversesTaskID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.Args = args
	t.Kwargs = kwargs
	if gasLimit != nil {
		g := uint64(*gasLimit)
		t.GasLimitOverride = &g
	}
	return &t, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *PostgresBackend) CreateTask(ctx context.Context, task types.Task, priorUUIDs, posteriorUUIDs []string) (*types.Task, bool, error) {
	dbTx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = dbTx.Rollback(ctx)
	}()

	var gasLimit *int64
	if task.GasLimitOverride != nil {
		g := int64(*task.GasLimitOverride)
		gasLimit = &g
	}

	query := `INSERT INTO blockchain_task AS t
	(uuid, type, signing_wallet_id, contract_address, abi_type, function_name, contract_name,
	 args, kwargs, recipient_address, amount_wei, gas_limit_override, reverses_task_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11::numeric, $12, $13)
	ON CONFLICT (uuid) DO NOTHING
	RETURNING ` + taskColumns

	created, err := scanTask(dbTx.QueryRow(ctx, query,
		task.UUID, string(task.Type), task.SigningWalletID, task.ContractAddress, task.ABIType, task.FunctionName, task.ContractName,
		nullableJSON(task.Args), nullableJSON(task.Kwargs), task.RecipientAddress, nullableText(task.AmountWei),
		gasLimit, task.ReversesTaskID))
	if errors.Is(err, storage.ErrNotFound) {
		// lost the race or a retry of a known uuid
		existing, err := getTaskByUUID(ctx, dbTx, task.UUID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert task: %w", err)
	}

	for _, u := range priorUUIDs {
		if err := insertEdgeByUUID(ctx, dbTx, u, created.ID, true); err != nil {
			return nil, false, err
		}
	}
	for _, u := range posteriorUUIDs {
		if err := insertEdgeByUUID(ctx, dbTx, u, created.ID, false); err != nil {
			return nil, false, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit task: %w", err)
	}
	return created, true, nil
}

func insertEdgeByUUID(ctx context.Context, dbTx pgx.Tx, otherUUID string, taskID int64, otherIsPrior bool) error {
	var otherID int64
	if err := dbTx.QueryRow(ctx, `SELECT id FROM blockchain_task WHERE uuid = $1`, otherUUID).Scan(&otherID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", otherUUID, storage.ErrNotFound)
		}
		return fmt.Errorf("failed to resolve task %s: %w", otherUUID, err)
	}
	prior, posterior := taskID, otherID
	if otherIsPrior {
		prior, posterior = otherID, taskID
	}
	_, err := dbTx.Exec(ctx, `INSERT INTO task_dependencies (prior_task_id, posterior_task_id)
	VALUES ($1, $2) ON CONFLICT DO NOTHING`, prior, posterior)
	if err != nil {
		return fmt.Errorf("failed to insert dependency: %w", err)
	}
	return nil
}

func getTaskByUUID(ctx context.Context, q querier, uuid string) (*types.Task, error) {
	return scanTask(q.QueryRow(ctx, `SELECT `+taskColumns+` FROM blockchain_task t WHERE t.uuid = $1`, uuid))
}

func (p *PostgresBackend) GetTaskByUUID(ctx context.Context, uuid string) (*types.Task, error) {
	return getTaskByUUID(ctx, p.pool, uuid)
}

func (p *PostgresBackend) GetTaskByID(ctx context.Context, id int64) (*types.Task, error) {
	return scanTask(p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM blockchain_task t WHERE t.id = $1`, id))
}

func (p *PostgresBackend) GetTasksByStatus(ctx context.Context, statuses []types.TaskStatus, minID, maxID int64) ([]*types.Task, error) {
	wanted := make([]string, len(statuses))
	for i, s := range statuses {
		wanted[i] = string(s)
	}

	query := `WITH task_status AS (
		SELECT t.id, ` + taskStatusSQL + ` AS status
		FROM blockchain_task t
		LEFT JOIN blockchain_transaction tx ON tx.task_id = t.id
		WHERE t.id BETWEEN $1 AND $2
		GROUP BY t.id
	)
	SELECT ` + taskColumns + `
	FROM blockchain_task t
	JOIN task_status s ON s.id = t.id
	WHERE s.status = ANY($3)
	ORDER BY t.id`

	rows, err := p.pool.Query(ctx, query, minID, maxID, wanted)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *PostgresBackend) GetTaskStatus(ctx context.Context, taskID int64) (types.TaskStatus, error) {
	query := `SELECT ` + taskStatusSQL + `
	FROM blockchain_task t
	LEFT JOIN blockchain_transaction tx ON tx.task_id = t.id
	WHERE t.id = $1
	GROUP BY t.id`

	var status string
	if err := p.pool.QueryRow(ctx, query, taskID).Scan(&status); err != nil {
		return types.TaskStatusUnknown, notFound(err)
	}
	return types.TaskStatus(status), nil
}

func (p *PostgresBackend) UpdateTaskStatusText(ctx context.Context, taskID int64, status types.TaskStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE blockchain_task SET status_text = $2, updated_at = NOW() WHERE id = $1`, taskID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update status text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) IncrementInvocationCount(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `UPDATE blockchain_task
	SET previous_invocation_count = previous_invocation_count + 1, updated_at = NOW()
	WHERE id = $1
	RETURNING previous_invocation_count`, taskID).Scan(&count)
	if err != nil {
		return 0, notFound(err)
	}
	return count, nil
}

func (p *PostgresBackend) AddPriorDependency(ctx context.Context, taskID, priorID int64) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO task_dependencies (prior_task_id, posterior_task_id)
	VALUES ($1, $2) ON CONFLICT DO NOTHING`, priorID, taskID)
	if err != nil {
		return fmt.Errorf("failed to add prior dependency: %w", err)
	}
	return nil
}

func (p *PostgresBackend) RemovePriorDependency(ctx context.Context, taskID, priorID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM task_dependencies WHERE prior_task_id = $1 AND posterior_task_id = $2`, priorID, taskID)
	if err != nil {
		return fmt.Errorf("failed to remove prior dependency: %w", err)
	}
	return nil
}

func (p *PostgresBackend) RemoveAllPosteriorDependencies(ctx context.Context, priorID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `DELETE FROM task_dependencies WHERE prior_task_id = $1 RETURNING posterior_task_id`, priorID)
	if err != nil {
		return nil, fmt.Errorf("failed to remove posterior dependencies: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (p *PostgresBackend) GetPriorTaskIDs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT prior_task_id FROM task_dependencies WHERE posterior_task_id = $1 ORDER BY prior_task_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior tasks: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (p *PostgresBackend) GetPosteriorTaskIDs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT posterior_task_id FROM task_dependencies WHERE prior_task_id = $1 ORDER BY posterior_task_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query posterior tasks: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}


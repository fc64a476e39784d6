package postgres

import (
	"context"
	"fmt"

	"github.com/polclau/relayer-node/internal/domain/model"
)

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// Save inserts a newly discovered order. An id collision means a rescan
// delivered the same event again; the existing row wins.
func (r *OrderRepo) Save(ctx context.Context, order *model.Order) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, payload, owner, input_token, output_token, min_return, fee, amount,
		                    source_token, block_number, tx_hash, log_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, order.ID, order.Payload,
		order.Owner, order.InputToken, order.OutputToken, order.MinReturn, order.Fee, order.Amount,
		order.SourceToken, order.BlockNumber, order.TxHash, order.LogIndex)
	if err != nil {
		return false, fmt.Errorf("save order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save order rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *OrderRepo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("order exists: %w", err)
	}
	return exists, nil
}

func (r *OrderRepo) ExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE tx_hash = $1)", txHash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("order exists by tx: %w", err)
	}
	return exists, nil
}

func (r *OrderRepo) GetPending(ctx context.Context) ([]*model.Order, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload, owner, input_token, output_token, min_return, fee, amount,
		       source_token, block_number, tx_hash, log_index, executed_tx, created_at, updated_at
		FROM orders
		WHERE executed_tx IS NULL
		ORDER BY block_number, log_index
	`)
	if err != nil {
		return nil, fmt.Errorf("get pending orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(
			&o.ID, &o.Payload,
			&o.Owner, &o.InputToken, &o.OutputToken, &o.MinReturn, &o.Fee, &o.Amount,
			&o.SourceToken, &o.BlockNumber, &o.TxHash, &o.LogIndex,
			&o.ExecutedTx, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending orders: %w", err)
	}
	return orders, nil
}

// MarkExecuted sets the terminal transaction hash. The guard keeps the
// transition one-way: a second writer finds zero rows instead of clobbering
// the first outcome.
func (r *OrderRepo) MarkExecuted(ctx context.Context, id string, txHash string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET executed_tx = $2, updated_at = now()
		WHERE id = $1 AND executed_tx IS NULL
	`, id, txHash)
	if err != nil {
		return false, fmt.Errorf("mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark executed rows affected: %w", err)
	}
	return n > 0, nil
}

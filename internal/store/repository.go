package store

import (
	"context"

	"github.com/polclau/relayer-node/internal/domain/model"
)

// OrderRepository persists discovered orders. Orders are never deleted;
// lifecycle is expressed only through executed_tx.
type OrderRepository interface {
	// Save inserts the order if its id is new and reports whether a row was
	// written. Rescans hitting a known id are a no-op, never an overwrite.
	Save(ctx context.Context, order *model.Order) (bool, error)
	// Exists reports whether the order id is already known.
	Exists(ctx context.Context, id string) (bool, error)
	// ExistsByTxHash reports whether any order was already discovered in the
	// given transaction. Transfer-carried orders dedup at transaction level:
	// one transaction holds at most one order blob however many transfer
	// events it emits.
	ExistsByTxHash(ctx context.Context, txHash string) (bool, error)
	// GetPending returns every order without a terminal executed_tx.
	GetPending(ctx context.Context) ([]*model.Order, error)
	// MarkExecuted records the terminal transaction hash for a pending
	// order. It reports false when the order was already terminal, so a
	// lost race shows up instead of silently overwriting.
	MarkExecuted(ctx context.Context, id string, txHash string) (bool, error)
}

// CursorRepository persists the scan cursor.
type CursorRepository interface {
	// GetLastMonitored returns the highest fully-scanned block, or 0 when
	// no pass has completed yet.
	GetLastMonitored(ctx context.Context) (int64, error)
	// SaveLastMonitored advances the cursor. The stored value never moves
	// backwards.
	SaveLastMonitored(ctx context.Context, block int64) error
}

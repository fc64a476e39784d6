package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CursorRepo persists the single scan cursor row.
type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) GetLastMonitored(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var block int64
	err := r.db.QueryRowContext(ctx,
		"SELECT last_monitored FROM scan_cursor WHERE id = 1",
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last monitored: %w", err)
	}
	return block, nil
}

// SaveLastMonitored advances the cursor. GREATEST keeps it monotonic even if
// two passes race or a caller replays an old range.
func (r *CursorRepo) SaveLastMonitored(ctx context.Context, block int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_cursor (id, last_monitored)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET
			last_monitored = GREATEST(scan_cursor.last_monitored, EXCLUDED.last_monitored),
			updated_at = now()
	`, block)
	if err != nil {
		return fmt.Errorf("save last monitored: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// InitSchema 确保数据库核心表结构已就绪
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	slog.Info("🛡️ [Database] Initializing Schema...")

	schema := `
	CREATE TABLE IF NOT EXISTS price_history (
		id SERIAL PRIMARY KEY,
		token_address VARCHAR(42) NOT NULL,
		base_address VARCHAR(42) NOT NULL,
		pool_address VARCHAR(42) NOT NULL,
		block_number NUMERIC NOT NULL,
		token_per_base_num NUMERIC NOT NULL,
		token_per_base_den NUMERIC NOT NULL,
		fiat_per_token TEXT,
		observed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (token_address, base_address, pool_address, block_number)
	);

	CREATE TABLE IF NOT EXISTS reserve_history (
		id SERIAL PRIMARY KEY,
		pool_address VARCHAR(42) NOT NULL,
		token_address VARCHAR(42) NOT NULL,
		pool_kind VARCHAR(4) NOT NULL,
		reserve0 NUMERIC NOT NULL,
		reserve1 NUMERIC NOT NULL,
		sqrt_price_x96 NUMERIC NOT NULL DEFAULT 0,
		block_number NUMERIC NOT NULL,
		observed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (pool_address, block_number)
	);
	`

	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	// 旧表结构对齐
	patches := []string{
		"ALTER TABLE reserve_history ADD COLUMN IF NOT EXISTS sqrt_price_x96 NUMERIC NOT NULL DEFAULT 0",
	}
	for _, patch := range patches {
		_, _ = db.ExecContext(ctx, patch)
	}

	// 补充索引
	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_price_history_token_block ON price_history(token_address, base_address, block_number)",
		"CREATE INDEX IF NOT EXISTS idx_reserve_history_token ON reserve_history(token_address)",
	}

	for _, idx := range indices {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			slog.Warn("failed_to_create_index", "err", err)
		}
	}

	slog.Info("✅ [Database] Schema is ready.")
	return nil
}

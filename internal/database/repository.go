package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"token-extractor-go/internal/models"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// 连接池上限，防止把共享的 Postgres 打爆
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	return &Repository{db: db}, nil
}

// NewRepositoryWithDB 使用已有连接构造（测试用 sqlmock 注入）.
func NewRepositoryWithDB(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// Init 确保表结构就绪.
func (r *Repository) Init(ctx context.Context) error {
	return InitSchema(ctx, r.db)
}

// SavePrice 插入一条报价记录
func (r *Repository) SavePrice(ctx context.Context, row *models.PriceRow) error {
	query := `
		INSERT INTO price_history
		(token_address, base_address, pool_address, block_number, token_per_base_num, token_per_base_den, fiat_per_token, observed_at)
		VALUES
		(:token_address, :base_address, :pool_address, :block_number, :token_per_base_num, :token_per_base_den, :fiat_per_token, :observed_at)
		ON CONFLICT (token_address, base_address, pool_address, block_number) DO NOTHING
	`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

// SaveReserves 批量插入储备快照
func (r *Repository) SaveReserves(ctx context.Context, rows []models.ReserveRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO reserve_history
		(pool_address, token_address, pool_kind, reserve0, reserve1, sqrt_price_x96, block_number, observed_at)
		VALUES
		(:pool_address, :token_address, :pool_kind, :reserve0, :reserve1, :sqrt_price_x96, :block_number, :observed_at)
		ON CONFLICT (pool_address, block_number) DO NOTHING
	`
	_, err := r.db.NamedExecContext(ctx, query, rows)
	return err
}

// LatestPrice 查询某交易对最近一条报价，没有记录时返回 (nil, nil)
func (r *Repository) LatestPrice(ctx context.Context, tokenAddress, baseAddress string) (*models.PriceRow, error) {
	var row models.PriceRow
	err := r.db.GetContext(ctx, &row, `
		SELECT token_address, base_address, pool_address, block_number, token_per_base_num, token_per_base_den, fiat_per_token, observed_at
		FROM price_history
		WHERE token_address = $1 AND base_address = $2
		ORDER BY block_number DESC
		LIMIT 1
	`, tokenAddress, baseAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PriceRange 查询某交易对在区块区间内的报价，按区块号升序
func (r *Repository) PriceRange(ctx context.Context, tokenAddress, baseAddress string, fromBlock, toBlock uint64) ([]models.PriceRow, error) {
	var rows []models.PriceRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT token_address, base_address, pool_address, block_number, token_per_base_num, token_per_base_den, fiat_per_token, observed_at
		FROM price_history
		WHERE token_address = $1 AND base_address = $2
		  AND block_number >= $3 AND block_number <= $4
		ORDER BY block_number ASC
	`, tokenAddress, baseAddress, fmt.Sprintf("%d", fromBlock), fmt.Sprintf("%d", toBlock))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestReserves 查询某个池最近一次储备快照，没有记录时返回 (nil, nil)
func (r *Repository) LatestReserves(ctx context.Context, poolAddress string) (*models.ReserveRow, error) {
	var row models.ReserveRow
	err := r.db.GetContext(ctx, &row, `
		SELECT pool_address, token_address, pool_kind, reserve0, reserve1, sqrt_price_x96, block_number, observed_at
		FROM reserve_history
		WHERE pool_address = $1
		ORDER BY block_number DESC
		LIMIT 1
	`, poolAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

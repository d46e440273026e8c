package database

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-extractor-go/internal/engine"
	"token-extractor-go/internal/models"
)

const maxUint256Dec = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepositoryWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestRepository_SavePrice(t *testing.T) {
	repo, mock := newMockRepo(t)

	row := &models.PriceRow{
		TokenAddress:    "0xToken",
		BaseAddress:     "0xBase",
		PoolAddress:     "0xPool",
		BlockNumber:     models.NewBigInt(12345),
		TokenPerBaseNum: models.NewBigInt(1),
		TokenPerBaseDen: models.NewBigInt(100000),
		ObservedAt:      time.Now().UTC(),
	}
	row.FiatPerToken.String = "0.045000000000000000"
	row.FiatPerToken.Valid = true

	mock.ExpectExec("INSERT INTO price_history").
		WithArgs("0xToken", "0xBase", "0xPool", "12345", "1", "100000", "0.045000000000000000", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SavePrice(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SavePrice_NullFiat(t *testing.T) {
	repo, mock := newMockRepo(t)

	row := &models.PriceRow{
		TokenAddress:    "0xToken",
		BaseAddress:     "0xBase",
		PoolAddress:     "0xPool",
		BlockNumber:     models.NewBigInt(1),
		TokenPerBaseNum: models.NewBigInt(3),
		TokenPerBaseDen: models.NewBigInt(7),
		ObservedAt:      time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO price_history").
		WithArgs("0xToken", "0xBase", "0xPool", "1", "3", "7", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SavePrice(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveReserves_Batch(t *testing.T) {
	repo, mock := newMockRepo(t)

	r0, ok := models.NewUint256FromString(maxUint256Dec)
	require.True(t, ok)
	rows := []models.ReserveRow{
		{
			PoolAddress:  "0xPoolA",
			TokenAddress: "0xToken",
			PoolKind:     "v2",
			Reserve0:     r0,
			Reserve1:     models.NewUint256(500),
			SqrtPriceX96: models.NewUint256(0),
			BlockNumber:  models.NewBigInt(100),
			ObservedAt:   time.Now().UTC(),
		},
		{
			PoolAddress:  "0xPoolB",
			TokenAddress: "0xToken",
			PoolKind:     "v3",
			Reserve0:     models.NewUint256(0),
			Reserve1:     models.NewUint256(0),
			SqrtPriceX96: models.NewUint256FromBigInt(new(big.Int).Lsh(big.NewInt(1), 96)),
			BlockNumber:  models.NewBigInt(100),
			ObservedAt:   time.Now().UTC(),
		},
	}

	sqrtDec := new(big.Int).Lsh(big.NewInt(1), 96).String()

	// 批量命名插入被展开为多行 VALUES，参数按行平铺
	mock.ExpectExec("INSERT INTO reserve_history").
		WithArgs(
			"0xPoolA", "0xToken", "v2", maxUint256Dec, "500", "0", "100", sqlmock.AnyArg(),
			"0xPoolB", "0xToken", "v3", "0", "0", sqrtDec, "100", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.SaveReserves(context.Background(), rows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveReserves_EmptyIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	require.NoError(t, repo.SaveReserves(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func priceColumns() []string {
	return []string{
		"token_address", "base_address", "pool_address", "block_number",
		"token_per_base_num", "token_per_base_den", "fiat_per_token", "observed_at",
	}
}

func TestRepository_LatestPrice(t *testing.T) {
	repo, mock := newMockRepo(t)

	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .* FROM price_history").
		WithArgs("0xToken", "0xBase").
		WillReturnRows(sqlmock.NewRows(priceColumns()).
			AddRow("0xToken", "0xBase", "0xPool", "12345", "1", "100000", "0.045", observed))

	row, err := repo.LatestPrice(context.Background(), "0xToken", "0xBase")
	require.NoError(t, err)
	require.NotNil(t, row)

	assert.Equal(t, "0xPool", row.PoolAddress)
	assert.Equal(t, "12345", row.BlockNumber.String())
	assert.Equal(t, "1", row.TokenPerBaseNum.String())
	assert.Equal(t, "100000", row.TokenPerBaseDen.String())
	assert.True(t, row.FiatPerToken.Valid)
	assert.Equal(t, "0.045", row.FiatPerToken.String)
	assert.Equal(t, observed, row.ObservedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LatestPrice_NoRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .* FROM price_history").
		WithArgs("0xToken", "0xBase").
		WillReturnRows(sqlmock.NewRows(priceColumns()))

	row, err := repo.LatestPrice(context.Background(), "0xToken", "0xBase")
	assert.NoError(t, err)
	assert.Nil(t, row)
}

func TestRepository_PriceRange(t *testing.T) {
	repo, mock := newMockRepo(t)

	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .* FROM price_history").
		WithArgs("0xToken", "0xBase", "100", "200").
		WillReturnRows(sqlmock.NewRows(priceColumns()).
			AddRow("0xToken", "0xBase", "0xPool", "150", "2", "1", nil, observed).
			AddRow("0xToken", "0xBase", "0xPool", "180", "5", "2", nil, observed))

	rows, err := repo.PriceRange(context.Background(), "0xToken", "0xBase", 100, 200)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "150", rows[0].BlockNumber.String())
	assert.Equal(t, "180", rows[1].BlockNumber.String())
	assert.False(t, rows[0].FiatPerToken.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func reserveColumns() []string {
	return []string{
		"pool_address", "token_address", "pool_kind",
		"reserve0", "reserve1", "sqrt_price_x96", "block_number", "observed_at",
	}
}

func TestRepository_LatestReserves(t *testing.T) {
	repo, mock := newMockRepo(t)

	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .* FROM reserve_history").
		WithArgs("0xPool").
		WillReturnRows(sqlmock.NewRows(reserveColumns()).
			AddRow("0xPool", "0xToken", "v2", maxUint256Dec, "500", "0", "99", observed))

	row, err := repo.LatestReserves(context.Background(), "0xPool")
	require.NoError(t, err)
	require.NotNil(t, row)

	// uint256 上限全精度往返
	assert.Equal(t, maxUint256Dec, row.Reserve0.String())
	assert.Equal(t, "500", row.Reserve1.String())
	assert.Equal(t, "99", row.BlockNumber.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LatestReserves_ScientificNotation(t *testing.T) {
	repo, mock := newMockRepo(t)

	// 某些 NUMERIC 配置会把大数渲染成科学计数法
	mock.ExpectQuery("SELECT .* FROM reserve_history").
		WithArgs("0xPool").
		WillReturnRows(sqlmock.NewRows(reserveColumns()).
			AddRow("0xPool", "0xToken", "v2", "1e+18", "2.5e+3", "0", "7", time.Now().UTC()))

	row, err := repo.LatestReserves(context.Background(), "0xPool")
	require.NoError(t, err)

	assert.Equal(t, "1000000000000000000", row.Reserve0.String())
	assert.Equal(t, "2500", row.Reserve1.String())
}

func TestRepository_LatestReserves_NoRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .* FROM reserve_history").
		WithArgs("0xPool").
		WillReturnRows(sqlmock.NewRows(reserveColumns()))

	row, err := repo.LatestReserves(context.Background(), "0xPool")
	assert.NoError(t, err)
	assert.Nil(t, row)
}

var (
	storeToken = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	storeBase  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	storePool  = common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11")
)

func TestPriceHistoryStore_SavePrice(t *testing.T) {
	repo, mock := newMockRepo(t)
	store := NewPriceHistoryStore(repo)

	quote := &engine.PriceQuote{
		Token:           storeToken,
		Base:            storeBase,
		TokenPerBase:    big.NewRat(100000, 1),
		BasePerToken:    big.NewRat(1, 100000),
		FiatPerToken:    big.NewRat(9, 200),
		Source:          storePool,
		SourceKind:      engine.PoolV2,
		HeadBlock:       12350,
		ObservedAtBlock: 12345,
	}

	mock.ExpectExec("INSERT INTO price_history").
		WithArgs(storeToken.Hex(), storeBase.Hex(), storePool.Hex(),
			"12345", "100000", "1", "0.045000000000000000", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	meta := &engine.Erc20Metadata{Address: storeToken, Decimals: 18, TotalSupply: big.NewInt(1)}
	require.NoError(t, store.SavePrice(context.Background(), quote, meta))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceHistoryStore_SavePrice_NoFiatLeg(t *testing.T) {
	repo, mock := newMockRepo(t)
	store := NewPriceHistoryStore(repo)

	quote := &engine.PriceQuote{
		Token:           storeToken,
		Base:            storeBase,
		TokenPerBase:    big.NewRat(1, 3),
		Source:          storePool,
		ObservedAtBlock: 7,
	}

	mock.ExpectExec("INSERT INTO price_history").
		WithArgs(storeToken.Hex(), storeBase.Hex(), storePool.Hex(), "7", "1", "3", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SavePrice(context.Background(), quote, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceHistoryStore_SaveReserves_SplitsByKind(t *testing.T) {
	repo, mock := newMockRepo(t)
	store := NewPriceHistoryStore(repo)

	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	reserves := []*engine.PoolReserves{
		{
			Pool:            storePool,
			Kind:            engine.PoolV2,
			Reserve0:        big.NewInt(1_000_000),
			Reserve1:        big.NewInt(500),
			WantIsToken0:    true,
			ObservedAtBlock: 100,
		},
		{
			Pool:            common.HexToAddress("0x60594a405d53811d3BC4766596EFD80fd545A270"),
			Kind:            engine.PoolV3,
			Reserve0:        new(big.Int).Lsh(big.NewInt(1), 192),
			Reserve1:        new(big.Int).Lsh(big.NewInt(1), 192),
			SqrtPriceX96:    sqrt,
			WantIsToken0:    true,
			ObservedAtBlock: 100,
		},
	}

	// V2 行写真实储备，V3 行写原始 sqrtPriceX96，合成储备不落库
	mock.ExpectExec("INSERT INTO reserve_history").
		WithArgs(
			storePool.Hex(), storeToken.Hex(), "v2", "1000000", "500", "0", "100", sqlmock.AnyArg(),
			common.HexToAddress("0x60594a405d53811d3BC4766596EFD80fd545A270").Hex(), storeToken.Hex(), "v3",
			"0", "0", sqrt.String(), "100", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.SaveReserves(context.Background(), storeToken, reserves))
	assert.NoError(t, mock.ExpectationsWereMet())
}

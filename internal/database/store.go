package database

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"token-extractor-go/internal/engine"
	"token-extractor-go/internal/models"
)

// PriceHistoryStore adapts the Repository to the extractor's persistence
// interface, flattening quotes and observations into rows.
type PriceHistoryStore struct {
	repo *Repository
}

var _ engine.HistoryStore = (*PriceHistoryStore)(nil)
var _ engine.HistoryReader = (*Repository)(nil)

func NewPriceHistoryStore(repo *Repository) *PriceHistoryStore {
	return &PriceHistoryStore{repo: repo}
}

// SavePrice persists one quote. The ratio goes in as an exact
// numerator/denominator pair; the fiat price is a formatted boundary
// string since fiat consumers never do further math on it.
func (s *PriceHistoryStore) SavePrice(ctx context.Context, quote *engine.PriceQuote, meta *engine.Erc20Metadata) error {
	row := &models.PriceRow{
		TokenAddress:    quote.Token.Hex(),
		BaseAddress:     quote.Base.Hex(),
		PoolAddress:     quote.Source.Hex(),
		BlockNumber:     models.BigInt{Int: new(big.Int).SetUint64(quote.ObservedAtBlock)},
		TokenPerBaseNum: models.BigInt{Int: new(big.Int).Set(quote.TokenPerBase.Num())},
		TokenPerBaseDen: models.BigInt{Int: new(big.Int).Set(quote.TokenPerBase.Denom())},
		ObservedAt:      time.Now().UTC(),
	}
	if quote.FiatPerToken != nil {
		row.FiatPerToken.String = engine.FormatRat(quote.FiatPerToken, 18)
		row.FiatPerToken.Valid = true
	}
	return s.repo.SavePrice(ctx, row)
}

// SaveReserves persists one cycle's pool observations. V2 rows carry the
// true reserves; V3 rows carry the raw sqrtPriceX96 instead, because the
// synthetic reserves can exceed what a uint256 column holds.
func (s *PriceHistoryStore) SaveReserves(ctx context.Context, token common.Address, reserves []*engine.PoolReserves) error {
	now := time.Now().UTC()
	rows := make([]models.ReserveRow, 0, len(reserves))
	for _, p := range reserves {
		row := models.ReserveRow{
			PoolAddress:  p.Pool.Hex(),
			TokenAddress: token.Hex(),
			PoolKind:     string(p.Kind),
			BlockNumber:  models.BigInt{Int: new(big.Int).SetUint64(p.ObservedAtBlock)},
			ObservedAt:   now,
		}
		if p.Kind == engine.PoolV3 && p.SqrtPriceX96 != nil {
			row.Reserve0 = models.NewUint256(0)
			row.Reserve1 = models.NewUint256(0)
			row.SqrtPriceX96 = models.NewUint256FromBigInt(p.SqrtPriceX96)
		} else {
			row.Reserve0 = models.NewUint256FromBigInt(p.Reserve0)
			row.Reserve1 = models.NewUint256FromBigInt(p.Reserve1)
			row.SqrtPriceX96 = models.NewUint256(0)
		}
		rows = append(rows, row)
	}
	return s.repo.SaveReserves(ctx, rows)
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"token-extractor-go/internal/monitor"

	"github.com/ethereum/go-ethereum/common"
)

// headClient is the slice of the balanced client the extractor needs
// for pinning cycles to a block height.
type headClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// poolReader is the contract-read surface one cycle fans out over.
type poolReader interface {
	ReadErc20Metadata(ctx context.Context, token common.Address, block uint64) (*Erc20Metadata, error)
	ReadV2Reserves(ctx context.Context, pair, want common.Address, block uint64) (*PoolReserves, error)
	ReadV3Pool(ctx context.Context, pool, want common.Address, block uint64) (*PoolReserves, error)
}

// HistoryStore persists cycle output. Failures are logged, never fatal:
// the extractor keeps quoting even when the database is down.
type HistoryStore interface {
	SavePrice(ctx context.Context, quote *PriceQuote, meta *Erc20Metadata) error
	SaveReserves(ctx context.Context, token common.Address, reserves []*PoolReserves) error
}

// PoolRef names one candidate pool for the tracked pair.
type PoolRef struct {
	Address common.Address
	Kind    PoolKind
}

// StableRef names one base/stablecoin pool for the fiat leg.
type StableRef struct {
	Address        common.Address
	Kind           PoolKind
	StableDecimals uint8
}

// ExtractorConfig pins down what one extractor instance tracks.
type ExtractorConfig struct {
	Token        common.Address
	Base         common.Address
	BaseDecimals uint8
	Pools        []PoolRef
	Stables      []StableRef
	Workers      int
}

// TokenReport is the full outcome of one extraction cycle. Partial means
// something went wrong but the rest of the report is still usable.
type TokenReport struct {
	Token     common.Address
	Base      common.Address
	HeadBlock uint64

	Metadata    *Erc20Metadata
	MetadataErr error

	Quote    *PriceQuote
	PriceErr error

	TokenPerBaseText string
	FiatPerTokenText string
	MarketCapText    string

	Partial        bool
	StartedAt      time.Time
	Duration       time.Duration
	ReadsAttempted int
	ReadsFailed    int
}

// Extractor runs the read-price-persist cycle on a fixed interval.
type Extractor struct {
	head    headClient
	reader  poolReader
	store   HistoryStore
	oracle  *Oracle
	metrics *Metrics
	cfg     ExtractorConfig

	rates      *monitor.ReadRateMonitor
	lastReport atomic.Pointer[TokenReport]
}

// NewExtractor wires a cycle runner. store and metrics may be nil.
func NewExtractor(head headClient, reader poolReader, store HistoryStore, oracle *Oracle, metrics *Metrics, cfg ExtractorConfig) *Extractor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Extractor{
		head:    head,
		reader:  reader,
		store:   store,
		oracle:  oracle,
		metrics: metrics,
		cfg:     cfg,
		rates:   monitor.NewReadRateMonitor(),
	}
}

// LastReport returns the most recent cycle outcome, nil before the first.
func (x *Extractor) LastReport() *TokenReport {
	return x.lastReport.Load()
}

// Pair reports the tracked token and its quote base.
func (x *Extractor) Pair() (token, base common.Address) {
	return x.cfg.Token, x.cfg.Base
}

// ReadRate reports contract reads per second over the last few seconds.
// Between cycles this decays to zero; it spikes while a cycle is reading.
func (x *Extractor) ReadRate() float64 {
	return x.rates.GetRate()
}

// Run executes cycles until the context ends. The first cycle starts
// immediately rather than waiting a full interval.
func (x *Extractor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	x.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			Logger.Info("extractor_stopped")
			return
		case <-ticker.C:
			x.RunCycle(ctx)
		}
	}
}

// RunCycle performs one full extraction: pin the head, fan the contract
// reads out over the worker pool, price, persist, publish the report.
func (x *Extractor) RunCycle(ctx context.Context) *TokenReport {
	start := time.Now()
	report := &TokenReport{
		Token:     x.cfg.Token,
		Base:      x.cfg.Base,
		StartedAt: start,
	}

	head, err := x.head.BlockNumber(ctx)
	if err != nil {
		// Without a pinned head the reads fall back to latest and the
		// staleness check has nothing to compare against.
		Logger.Warn("head_block_unavailable", slog.String("error", err.Error()))
		report.Partial = true
		head = 0
	}
	report.HeadBlock = head
	if x.metrics != nil && head > 0 {
		x.metrics.UpdateHeadBlock(head)
	}

	pools := make([]*PoolReserves, len(x.cfg.Pools))
	poolErrs := make([]error, len(x.cfg.Pools))
	stables := make([]*PoolReserves, len(x.cfg.Stables))
	stableErrs := make([]error, len(x.cfg.Stables))

	total := 1 + len(x.cfg.Pools) + len(x.cfg.Stables)
	tasks := make(chan func(), total)

	tasks <- func() {
		report.Metadata, report.MetadataErr = x.reader.ReadErc20Metadata(ctx, x.cfg.Token, head)
	}
	for i, ref := range x.cfg.Pools {
		i, ref := i, ref
		tasks <- func() {
			pools[i], poolErrs[i] = x.readPool(ctx, ref.Address, ref.Kind, x.cfg.Token, head)
		}
	}
	for j, ref := range x.cfg.Stables {
		j, ref := j, ref
		tasks <- func() {
			stables[j], stableErrs[j] = x.readPool(ctx, ref.Address, ref.Kind, x.cfg.Base, head)
		}
	}
	close(tasks)

	workers := x.cfg.Workers
	if workers > total {
		workers = total
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				runProtected(task)
			}
		}()
	}
	wg.Wait()
	x.rates.Record(total)

	report.ReadsAttempted = total
	if report.Metadata == nil {
		report.ReadsFailed++
	}
	for i := range pools {
		if pools[i] == nil {
			report.ReadsFailed++
			if poolErrs[i] != nil {
				Logger.Warn("pool_read_failed",
					slog.String("pool", x.cfg.Pools[i].Address.Hex()),
					slog.String("kind", string(x.cfg.Pools[i].Kind)),
					slog.String("error", poolErrs[i].Error()),
				)
			}
		}
	}
	for j := range stables {
		if stables[j] == nil {
			report.ReadsFailed++
			if stableErrs[j] != nil {
				Logger.Warn("stable_pool_read_failed",
					slog.String("pool", x.cfg.Stables[j].Address.Hex()),
					slog.String("error", stableErrs[j].Error()),
				)
			}
		}
	}
	if report.ReadsFailed > 0 {
		report.Partial = true
	}

	x.price(report, pools, stables)
	x.persist(ctx, report, pools)

	report.Duration = time.Since(start)
	x.lastReport.Store(report)

	if x.metrics != nil {
		x.metrics.RecordCycle(report.Duration, report.Partial)
	}
	LogCycleSummary(x.cfg.Token.Hex(), head, report.Partial, report.Duration.Seconds(), report.ReadsFailed)
	return report
}

func (x *Extractor) readPool(ctx context.Context, pool common.Address, kind PoolKind, want common.Address, head uint64) (*PoolReserves, error) {
	var (
		reserves *PoolReserves
		err      error
	)
	switch kind {
	case PoolV3:
		reserves, err = x.reader.ReadV3Pool(ctx, pool, want, head)
	default:
		reserves, err = x.reader.ReadV2Reserves(ctx, pool, want, head)
	}
	if x.metrics != nil {
		x.metrics.RecordPoolRead(string(kind), err == nil)
	}
	return reserves, err
}

// quoteTextMargin is how many fractional digits beyond the token's own
// decimals the rendered ratio keeps. The ratio itself stays exact; only
// the text is truncated.
const quoteTextMargin = 2

// price runs the oracle over whatever the cycle managed to read.
func (x *Extractor) price(report *TokenReport, pools []*PoolReserves, stables []*PoolReserves) {
	if report.Metadata == nil {
		// No decimals, no price.
		report.PriceErr = fmt.Errorf("token metadata unavailable: %w", report.MetadataErr)
		report.Partial = true
		return
	}

	readings := make([]StablePoolReading, 0, len(stables))
	for j, s := range stables {
		if s == nil {
			continue
		}
		readings = append(readings, StablePoolReading{
			Reserves:       *s,
			StableDecimals: x.cfg.Stables[j].StableDecimals,
		})
	}

	quote, err := x.oracle.ComputeTokenPrice(
		pools, readings,
		report.Metadata.Decimals, x.cfg.BaseDecimals,
		report.HeadBlock,
		x.cfg.Token, x.cfg.Base,
	)
	if err != nil {
		report.PriceErr = err
		report.Partial = true
		return
	}

	report.Quote = quote
	report.TokenPerBaseText = FormatRat(quote.TokenPerBase, int(report.Metadata.Decimals)+quoteTextMargin)
	if quote.FiatPerToken != nil {
		report.FiatPerTokenText = FormatRat(quote.FiatPerToken, 8)
		report.MarketCapText = FormatRat(MarketCap(quote.FiatPerToken, report.Metadata.TotalSupply, report.Metadata.Decimals), 2)
	}
	if x.metrics != nil {
		approx, _ := quote.TokenPerBase.Float64()
		x.metrics.UpdateTokenPerBase(approx)
	}
}

// persist writes the cycle output. Database trouble is logged and
// counted but never fails the cycle.
func (x *Extractor) persist(ctx context.Context, report *TokenReport, pools []*PoolReserves) {
	if x.store == nil {
		return
	}

	observed := make([]*PoolReserves, 0, len(pools))
	for _, p := range pools {
		if p != nil {
			observed = append(observed, p)
		}
	}
	if len(observed) > 0 {
		if err := x.store.SaveReserves(ctx, x.cfg.Token, observed); err != nil {
			LogDatabaseError("save_reserves", err)
			if x.metrics != nil {
				x.metrics.RecordDBError("save_reserves")
			}
		}
	}
	if report.Quote != nil {
		if err := x.store.SavePrice(ctx, report.Quote, report.Metadata); err != nil {
			LogDatabaseError("save_price", err)
			if x.metrics != nil {
				x.metrics.RecordDBError("save_price")
			}
		}
	}
}

// runProtected keeps one panicking read from taking the whole cycle down.
func runProtected(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("cycle_task_panic_recovered",
				slog.String("error", fmt.Sprintf("%v", r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

package engine

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// StablePoolReading is a base/stablecoin pool observation plus the
// stablecoin's decimals, which cannot be read from the pool itself.
type StablePoolReading struct {
	Reserves       PoolReserves
	StableDecimals uint8
}

// PriceQuote is one complete pricing result. All ratios are exact
// rationals; rendering to decimal strings happens only at the edges.
// FiatPerBase and FiatPerToken are nil when no stable pool data was
// usable, which is a degraded result rather than an error.
type PriceQuote struct {
	Token common.Address
	Base  common.Address

	TokenPerBase *big.Rat
	BasePerToken *big.Rat
	FiatPerBase  *big.Rat
	FiatPerToken *big.Rat

	Source          common.Address
	SourceKind      PoolKind
	StableSources   int
	HeadBlock       uint64
	ObservedAtBlock uint64
}

// Oracle turns pool observations into price quotes.
type Oracle struct {
	// staleLimit is how many blocks behind the head an observation may
	// be before it is dropped. Zero disables the check.
	staleLimit uint64
}

func NewOracle(staleLimit uint64) *Oracle {
	return &Oracle{staleLimit: staleLimit}
}

// ComputeTokenPrice picks the deepest usable pool and derives the price
// there, with an optional fiat leg over the stable pools.
//
// Selection order: pools with a zero reserve on either side are dropped
// first, then pools observed too far behind head. Of what remains, the
// pool with the largest base-side reserve wins; ties keep input order.
func (o *Oracle) ComputeTokenPrice(
	pools []*PoolReserves,
	stables []StablePoolReading,
	tokenDecimals, baseDecimals uint8,
	head uint64,
	token, base common.Address,
) (*PriceQuote, error) {
	usable := make([]*PoolReserves, 0, len(pools))
	for _, p := range pools {
		if p == nil || !hasLiquidity(p) {
			continue
		}
		usable = append(usable, p)
	}
	if len(usable) == 0 {
		return nil, &NoLiquidityError{Token: token.Hex(), Base: base.Hex()}
	}

	fresh := make([]*PoolReserves, 0, len(usable))
	var newest *PoolReserves
	for _, p := range usable {
		if newest == nil || p.ObservedAtBlock > newest.ObservedAtBlock {
			newest = p
		}
		if o.isFresh(p, head) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil, &StalePoolError{
			Pool:          newest.Pool.Hex(),
			ObservedBlock: newest.ObservedAtBlock,
			HeadBlock:     head,
			Limit:         o.staleLimit,
		}
	}

	best := fresh[0]
	for _, p := range fresh[1:] {
		if p.CounterReserve().Cmp(best.CounterReserve()) > 0 {
			best = p
		}
	}

	tokenPerBase := ratioFromReserves(best.WantReserve(), tokenDecimals, best.CounterReserve(), baseDecimals)
	basePerToken := new(big.Rat).Inv(tokenPerBase)

	quote := &PriceQuote{
		Token:           token,
		Base:            base,
		TokenPerBase:    tokenPerBase,
		BasePerToken:    basePerToken,
		Source:          best.Pool,
		SourceKind:      best.Kind,
		HeadBlock:       head,
		ObservedAtBlock: best.ObservedAtBlock,
	}

	// The fiat leg is best-effort: the base price stands on its own.
	samples := make([]*big.Rat, 0, len(stables))
	for _, s := range stables {
		p := s.Reserves
		if !hasLiquidity(&p) || !o.isFresh(&p, head) {
			continue
		}
		// In a stable pool the tracked token is the base asset, so the
		// counter side is the stablecoin.
		samples = append(samples, ratioFromReserves(p.CounterReserve(), s.StableDecimals, p.WantReserve(), baseDecimals))
	}
	if len(samples) > 0 {
		quote.FiatPerBase = medianRat(samples)
		quote.FiatPerToken = new(big.Rat).Mul(quote.FiatPerBase, basePerToken)
		quote.StableSources = len(samples)
	}

	return quote, nil
}

func hasLiquidity(p *PoolReserves) bool {
	return p.Reserve0 != nil && p.Reserve1 != nil &&
		p.Reserve0.Sign() > 0 && p.Reserve1.Sign() > 0
}

func (o *Oracle) isFresh(p *PoolReserves, head uint64) bool {
	if o.staleLimit == 0 || head == 0 {
		return true
	}
	// A node ahead of our head view yields a negative lag; that is fresh.
	return SafeInt64Diff(head, p.ObservedAtBlock) <= SafeUint64ToInt64(o.staleLimit)
}

// ratioFromReserves computes (num / 10^numDecimals) / (den / 10^denDecimals)
// exactly. den must be positive; callers filter zero reserves first.
func ratioFromReserves(num *big.Int, numDecimals uint8, den *big.Int, denDecimals uint8) *big.Rat {
	n := new(big.Rat).SetFrac(num, tenPow(numDecimals))
	d := new(big.Rat).SetFrac(den, tenPow(denDecimals))
	return n.Quo(n, d)
}

// medianRat returns the exact median: the middle element for odd counts,
// the rational mean of the two middles for even counts.
func medianRat(samples []*big.Rat) *big.Rat {
	sorted := make([]*big.Rat, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

// MarketCap is fiatPerToken times the whole-token supply.
func MarketCap(fiatPerToken *big.Rat, totalSupply *big.Int, decimals uint8) *big.Rat {
	if fiatPerToken == nil || totalSupply == nil {
		return nil
	}
	supply := new(big.Rat).SetFrac(totalSupply, tenPow(decimals))
	return supply.Mul(supply, fiatPerToken)
}

// FormatRat renders a rational as a fixed-point decimal string. This is
// the only place exact values become text; everything upstream stays
// rational.
func FormatRat(r *big.Rat, decimals int) string {
	if r == nil {
		return ""
	}
	if decimals < 0 {
		decimals = 0
	}
	f := new(big.Float).SetPrec(256).SetRat(r)
	return f.Text('f', decimals)
}

var tenPowCache = func() []*big.Int {
	// ERC-20 decimals is a uint8, so 0..255 covers every legal value.
	cache := make([]*big.Int, 256)
	ten := big.NewInt(10)
	cache[0] = big.NewInt(1)
	for i := 1; i < len(cache); i++ {
		cache[i] = new(big.Int).Mul(cache[i-1], ten)
	}
	return cache
}()

func tenPow(decimals uint8) *big.Int {
	return tenPowCache[decimals]
}

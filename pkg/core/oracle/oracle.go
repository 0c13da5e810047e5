package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/delayswap/delayswap/pkg/util"
)

var (
	ErrStaleOrZeroInterval = errors.New("oracle: zero elapsed interval")
	ErrInsufficientReserve = errors.New("oracle: insufficient reserve")
	ErrOverflow            = errors.New("oracle: value exceeds signed 256-bit domain")
	ErrZeroPrice           = errors.New("oracle: zero price")
)

// Precision is the canonical fixed-point scale for prices: 1e18.
var Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Oracle maintains a manipulation-resistant cumulative price feed for one
// pair. The accumulator grows by spotPrice x elapsed seconds on every sync,
// so (acc(t2) - acc(t1)) / (t2 - t1) is the time-weighted average price
// over [t1, t2].
//
// Prices are decimal-normalized: pools whose tokens carry different decimal
// counts still produce prices in the same 1e18 fixed-point units.
type Oracle struct {
	mu    sync.RWMutex
	clock util.Clock

	acc  *uint256.Int // cumulative price integral
	spot *uint256.Int // instantaneous price at last sync
	last uint32       // unix seconds of last sync

	// priceNum / (priceDen * reserve0) applied to reserve1 yields the
	// normalized spot price.
	priceNum *big.Int // 1e18 * 10^decimals0
	priceDen *big.Int // 10^decimals1
}

// New creates an oracle for a pair whose tokens have the given decimal
// counts. Decimals above 18 are rejected.
func New(decimals0, decimals1 uint8, clock util.Clock) (*Oracle, error) {
	if decimals0 > 18 || decimals1 > 18 {
		return nil, fmt.Errorf("oracle: token decimals above 18 unsupported (got %d, %d)", decimals0, decimals1)
	}

	num := new(big.Int).Mul(Precision, pow10(decimals0))
	den := pow10(decimals1)

	return &Oracle{
		clock:    clock,
		acc:      uint256.NewInt(0),
		spot:     uint256.NewInt(0),
		last:     uint32(clock.Now().Unix()),
		priceNum: num,
		priceDen: den,
	}, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// SpotPrice returns the decimal-normalized instantaneous price
// reserve1/reserve0 in 1e18 fixed point.
func (o *Oracle) SpotPrice(reserve0, reserve1 *big.Int) (*uint256.Int, error) {
	if reserve0 == nil || reserve0.Sign() <= 0 {
		return nil, ErrInsufficientReserve
	}
	p := new(big.Int).Mul(reserve1, o.priceNum)
	p.Div(p, new(big.Int).Mul(o.priceDen, reserve0))

	out, overflow := uint256.FromBig(p)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Sync folds the elapsed interval into the accumulator at the previous spot
// price, then re-derives the spot price from the given reserves. Pools call
// this before every reserve change so the accumulator always integrates the
// price that actually held over each interval.
func (o *Oracle) Sync(reserve0, reserve1 *big.Int) error {
	spot, err := o.SpotPrice(reserve0, reserve1)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := uint32(o.clock.Now().Unix())
	if now > o.last {
		elapsed := uint256.NewInt(uint64(now - o.last))
		o.acc = new(uint256.Int).Add(o.acc, new(uint256.Int).Mul(o.spot, elapsed))
		o.last = now
	}
	o.spot = spot
	return nil
}

// PriceInfo returns the current cumulative price integral and wall-clock
// time. The read is lazy: the interval since the last sync is folded in
// virtually without mutating state.
func (o *Oracle) PriceInfo() (*uint256.Int, uint32) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	now := uint32(o.clock.Now().Unix())
	acc := new(uint256.Int).Set(o.acc)
	if now > o.last {
		elapsed := uint256.NewInt(uint64(now - o.last))
		acc.Add(acc, new(uint256.Int).Mul(o.spot, elapsed))
	}
	return acc, now
}

// AveragePrice computes the time-weighted average price since the snapshot
// taken at enqueue time. Fails when no time has elapsed: a zero interval
// has no average.
func (o *Oracle) AveragePrice(accThen *uint256.Int, tsThen uint32) (*uint256.Int, error) {
	accNow, now := o.PriceInfo()
	if now <= tsThen {
		return nil, ErrStaleOrZeroInterval
	}
	delta := new(uint256.Int).Sub(accNow, accThen)
	return delta.Div(delta, uint256.NewInt(uint64(now-tsThen))), nil
}

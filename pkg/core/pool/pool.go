package pool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/delayswap/delayswap/pkg/core/oracle"
	"github.com/delayswap/delayswap/pkg/core/token"
)

var (
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrInvariantViolated     = errors.New("pool: price invariant violated")
	ErrZeroAmount            = errors.New("pool: zero amount")
)

// Snapshot is an oracle reading captured at enqueue time and presented back
// at swap time, binding the trade to the average price over the interval.
type Snapshot struct {
	Acc *uint256.Int
	Ts  uint32
}

// Pool is the AMM surface the execution engine consumes.
type Pool interface {
	Addr() common.Address
	Token0() token.Token
	Token1() token.Token
	Reserves() (*big.Int, *big.Int)
	Oracle() *oracle.Oracle

	Mint(from, to common.Address, amount0, amount1 *big.Int) (*big.Int, error)
	Burn(from, to common.Address, liquidity *big.Int) (*big.Int, *big.Int, error)
	Swap(from, to common.Address, in0, in1, out0, out1 *big.Int, snap Snapshot) error

	SwapFeeBps() int64
	MintFeeBps() int64
	BurnFeeBps() int64
	LiquidityOf(holder common.Address) *big.Int
	TotalSupply() *big.Int
	TransferLiquidity(from, to common.Address, amount *big.Int) error
}

// ReservePool is a constant-product pool whose swaps are priced at the
// oracle's time-weighted average price instead of the instantaneous spot.
// The pool still independently verifies every swap against that average
// net of fees and rejects violations; the engine never gets to move
// reserves by assertion alone.
type ReservePool struct {
	mu sync.Mutex

	addr   common.Address
	token0 token.Token
	token1 token.Token
	orcl   *oracle.Oracle

	reserve0 *big.Int
	reserve1 *big.Int

	totalSupply *big.Int
	liquidity   map[common.Address]*big.Int

	swapFeeBps int64
	mintFeeBps int64
	burnFeeBps int64

	// accumulated protocol fees awaiting owner collection
	fees0 *big.Int
	fees1 *big.Int
}

func NewReservePool(addr common.Address, token0, token1 token.Token, orcl *oracle.Oracle) *ReservePool {
	return &ReservePool{
		addr:        addr,
		token0:      token0,
		token1:      token1,
		orcl:        orcl,
		reserve0:    new(big.Int),
		reserve1:    new(big.Int),
		totalSupply: new(big.Int),
		liquidity:   make(map[common.Address]*big.Int),
		fees0:       new(big.Int),
		fees1:       new(big.Int),
	}
}

func (p *ReservePool) Addr() common.Address  { return p.addr }
func (p *ReservePool) Token0() token.Token   { return p.token0 }
func (p *ReservePool) Token1() token.Token   { return p.token1 }
func (p *ReservePool) Oracle() *oracle.Oracle { return p.orcl }
func (p *ReservePool) SwapFeeBps() int64     { return p.swapFeeBps }
func (p *ReservePool) MintFeeBps() int64     { return p.mintFeeBps }
func (p *ReservePool) BurnFeeBps() int64     { return p.burnFeeBps }

func (p *ReservePool) Reserves() (*big.Int, *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
}

func (p *ReservePool) TotalSupply() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalSupply)
}

func (p *ReservePool) LiquidityOf(holder common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.liquidity[holder]; ok {
		return new(big.Int).Set(l)
	}
	return new(big.Int)
}

// TransferLiquidity moves pool liquidity between holders without touching
// reserves. The engine uses it to escrow liquidity pending a withdraw.
func (p *ReservePool) TransferLiquidity(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.liquidity[from]
	if !ok || held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: moving %s of %s held", ErrInsufficientLiquidity, amount, held)
	}
	held.Sub(held, amount)
	p.creditLiquidity(to, amount)
	return nil
}

// Mint pulls both token amounts from the payer and credits pool liquidity
// to the recipient. Initial liquidity is the geometric mean of the
// deposit; afterwards it is proportional to the smaller reserve ratio.
func (p *ReservePool) Mint(from, to common.Address, amount0, amount1 *big.Int) (*big.Int, error) {
	if amount0 == nil || amount1 == nil || amount0.Sign() <= 0 || amount1.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.syncOracle(); err != nil {
		return nil, err
	}

	fee0 := bpsOf(amount0, p.mintFeeBps)
	fee1 := bpsOf(amount1, p.mintFeeBps)
	net0 := new(big.Int).Sub(amount0, fee0)
	net1 := new(big.Int).Sub(amount1, fee1)

	var minted *big.Int
	if p.totalSupply.Sign() == 0 {
		minted = bigSqrt(new(big.Int).Mul(net0, net1))
	} else {
		// liquidity = min(net0*T/r0, net1*T/r1)
		l0 := new(big.Int).Div(new(big.Int).Mul(net0, p.totalSupply), p.reserve0)
		l1 := new(big.Int).Div(new(big.Int).Mul(net1, p.totalSupply), p.reserve1)
		minted = l0
		if l1.Cmp(l0) < 0 {
			minted = l1
		}
	}
	if minted.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	if err := p.token0.Transfer(from, p.addr, amount0); err != nil {
		return nil, fmt.Errorf("mint pull token0: %w", err)
	}
	if err := p.token1.Transfer(from, p.addr, amount1); err != nil {
		return nil, fmt.Errorf("mint pull token1: %w", err)
	}

	p.reserve0.Add(p.reserve0, net0)
	p.reserve1.Add(p.reserve1, net1)
	p.fees0.Add(p.fees0, fee0)
	p.fees1.Add(p.fees1, fee1)
	p.totalSupply.Add(p.totalSupply, minted)
	p.creditLiquidity(to, minted)

	// Re-derive the spot price from the new reserves; the elapsed interval
	// was already folded in above.
	_ = p.syncOracle()

	return minted, nil
}

// Burn destroys the payer's liquidity and sends proportional token amounts
// to the recipient.
func (p *ReservePool) Burn(from, to common.Address, liquidity *big.Int) (*big.Int, *big.Int, error) {
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.liquidity[from]
	if !ok || held.Cmp(liquidity) < 0 {
		return nil, nil, fmt.Errorf("%w: burning %s of %s held", ErrInsufficientLiquidity, liquidity, held)
	}
	if err := p.syncOracle(); err != nil {
		return nil, nil, err
	}

	amount0 := new(big.Int).Div(new(big.Int).Mul(liquidity, p.reserve0), p.totalSupply)
	amount1 := new(big.Int).Div(new(big.Int).Mul(liquidity, p.reserve1), p.totalSupply)

	fee0 := bpsOf(amount0, p.burnFeeBps)
	fee1 := bpsOf(amount1, p.burnFeeBps)
	out0 := new(big.Int).Sub(amount0, fee0)
	out1 := new(big.Int).Sub(amount1, fee1)

	held.Sub(held, liquidity)
	p.totalSupply.Sub(p.totalSupply, liquidity)
	p.reserve0.Sub(p.reserve0, amount0)
	p.reserve1.Sub(p.reserve1, amount1)
	p.fees0.Add(p.fees0, fee0)
	p.fees1.Add(p.fees1, fee1)
	_ = p.syncOracle()

	if out0.Sign() > 0 {
		if err := p.token0.Transfer(p.addr, to, out0); err != nil {
			return nil, nil, fmt.Errorf("burn push token0: %w", err)
		}
	}
	if out1.Sign() > 0 {
		if err := p.token1.Transfer(p.addr, to, out1); err != nil {
			return nil, nil, fmt.Errorf("burn push token1: %w", err)
		}
	}

	return out0, out1, nil
}

// Swap moves exact amounts. The input net of the swap fee must cover the
// requested output at the time-weighted average price implied by the
// snapshot; shortfalls reject the whole swap.
func (p *ReservePool) Swap(from, to common.Address, in0, in1, out0, out1 *big.Int, snap Snapshot) error {
	in0, in1 = orZero(in0), orZero(in1)
	out0, out1 = orZero(out0), orZero(out1)
	if in0.Sign() == 0 && in1.Sign() == 0 {
		return ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if out0.Cmp(p.reserve0) > 0 || out1.Cmp(p.reserve1) > 0 {
		return ErrInsufficientLiquidity
	}

	avg, err := p.orcl.AveragePrice(snap.Acc, snap.Ts)
	if err != nil {
		return fmt.Errorf("swap price: %w", err)
	}

	fee0 := bpsOf(in0, p.swapFeeBps)
	fee1 := bpsOf(in1, p.swapFeeBps)
	net0 := new(big.Int).Sub(in0, fee0)
	net1 := new(big.Int).Sub(in1, fee1)

	// Post-trade reserves implied by the caller's amounts.
	newR0 := new(big.Int).Add(p.reserve0, net0)
	newR0.Sub(newR0, out0)
	newR1 := new(big.Int).Add(p.reserve1, net1)
	newR1.Sub(newR1, out1)

	// The Y reserve the average price requires for this X move. Anything
	// below it means the trader underpaid.
	requiredR1, err := oracle.TradeX(newR0, p.reserve0, p.reserve1, avg)
	if err != nil {
		return fmt.Errorf("swap invariant: %w", err)
	}
	if newR1.Cmp(requiredR1) < 0 {
		return fmt.Errorf("%w: reserve1 %s below required %s", ErrInvariantViolated, newR1, requiredR1)
	}

	if err := p.syncOracle(); err != nil {
		return err
	}

	if in0.Sign() > 0 {
		if err := p.token0.Transfer(from, p.addr, in0); err != nil {
			return fmt.Errorf("swap pull token0: %w", err)
		}
	}
	if in1.Sign() > 0 {
		if err := p.token1.Transfer(from, p.addr, in1); err != nil {
			return fmt.Errorf("swap pull token1: %w", err)
		}
	}

	p.reserve0.Set(newR0)
	p.reserve1.Set(newR1)
	p.fees0.Add(p.fees0, fee0)
	p.fees1.Add(p.fees1, fee1)
	_ = p.syncOracle()

	if out0.Sign() > 0 {
		if err := p.token0.Transfer(p.addr, to, out0); err != nil {
			return fmt.Errorf("swap push token0: %w", err)
		}
	}
	if out1.Sign() > 0 {
		if err := p.token1.Transfer(p.addr, to, out1); err != nil {
			return fmt.Errorf("swap push token1: %w", err)
		}
	}

	return nil
}

// CollectFees drains accumulated protocol fees to the given address.
// Access control lives in the registry.
func (p *ReservePool) CollectFees(to common.Address) (*big.Int, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out0 := new(big.Int).Set(p.fees0)
	out1 := new(big.Int).Set(p.fees1)
	p.fees0.SetInt64(0)
	p.fees1.SetInt64(0)

	if out0.Sign() > 0 {
		if err := p.token0.Transfer(p.addr, to, out0); err != nil {
			return nil, nil, fmt.Errorf("collect token0: %w", err)
		}
	}
	if out1.Sign() > 0 {
		if err := p.token1.Transfer(p.addr, to, out1); err != nil {
			return nil, nil, fmt.Errorf("collect token1: %w", err)
		}
	}
	return out0, out1, nil
}

func (p *ReservePool) syncOracle() error {
	if p.reserve0.Sign() == 0 || p.reserve1.Sign() == 0 {
		return nil // nothing to integrate before the first deposit
	}
	return p.orcl.Sync(p.reserve0, p.reserve1)
}

func (p *ReservePool) creditLiquidity(holder common.Address, amount *big.Int) {
	l, ok := p.liquidity[holder]
	if !ok {
		l = new(big.Int)
		p.liquidity[holder] = l
	}
	l.Add(l, amount)
}

func bpsOf(amount *big.Int, bps int64) *big.Int {
	if bps == 0 || amount.Sign() <= 0 {
		return new(big.Int)
	}
	f := new(big.Int).Mul(amount, big.NewInt(bps))
	return f.Div(f, big.NewInt(10_000))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// bigSqrt computes the integer square root by Newton's method.
func bigSqrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return new(big.Int)
	}
	x := new(big.Int).Set(n)
	y := new(big.Int).Add(x, big.NewInt(1))
	y.Rsh(y, 1)
	for y.Cmp(x) < 0 {
		x.Set(y)
		y.Div(n, x)
		y.Add(y, x)
		y.Rsh(y, 1)
	}
	return x
}

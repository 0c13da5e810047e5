package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/pkg/core/order"
	"github.com/delayswap/delayswap/pkg/core/pool"
)

// DepositRequest adds liquidity to a pair. Amounts are given per supplied
// token; the engine canonicalizes them to the pool's token0/token1 order.
type DepositRequest struct {
	TokenA, TokenB   common.Address
	AmountA, AmountB *big.Int

	// SwapBalance lets the handler rebalance a lopsided deposit through
	// an internal swap before minting, so less sits undeposited as dust.
	SwapBalance bool

	To       common.Address
	GasLimit uint64
	GasPrice *big.Int // zero adopts the engine's snapshot

	// Value is the native amount attached: exactly GasLimit x gas price,
	// plus the wrapped amount when Wrap is set.
	Value *big.Int

	// Wrap converts attached native value into the pair's wrapped-native
	// token to cover that side of the deposit.
	Wrap bool
}

// WithdrawRequest burns pool liquidity for both tokens.
type WithdrawRequest struct {
	TokenA, TokenB common.Address
	Liquidity      *big.Int
	MinAmountA     *big.Int
	MinAmountB     *big.Int
	Unwrap         bool // deliver native instead of the wrapped token

	To       common.Address
	GasLimit uint64
	GasPrice *big.Int
	Value    *big.Int
}

// SellRequest swaps an exact input for at least a minimum output.
type SellRequest struct {
	TokenIn, TokenOut common.Address
	AmountIn          *big.Int
	AmountOutMin      *big.Int
	Wrap              bool // wrap attached native to cover AmountIn
	Unwrap            bool

	To       common.Address
	GasLimit uint64
	GasPrice *big.Int
	Value    *big.Int
}

// BuyRequest swaps at most a maximum input for an exact output. The full
// maximum is escrowed; the unused remainder comes back at execution.
type BuyRequest struct {
	TokenIn, TokenOut common.Address
	AmountOut         *big.Int
	AmountInMax       *big.Int
	Wrap              bool
	Unwrap            bool

	To       common.Address
	GasLimit uint64
	GasPrice *big.Int
	Value    *big.Int
}

// prepare performs the steps common to every enqueue: effective gas price
// resolution, exact prepayment check, native escrow, optional wrapping,
// and the oracle snapshot that will price the order at execution.
func (e *Engine) prepare(caller common.Address, p *pool.ReservePool, gasLimit uint64, gasPrice, value, wrapNative *big.Int) (*order.Order, error) {
	if gasLimit < e.gasCfg.BaseOverhead+e.gasCfg.RefundFloor {
		return nil, fmt.Errorf("engine: gas limit %d below minimum %d", gasLimit, e.gasCfg.BaseOverhead+e.gasCfg.RefundFloor)
	}

	eff := gasPrice
	if eff == nil || eff.Sign() == 0 {
		eff = new(big.Int).Set(e.gasPrice)
	} else if eff.Sign() < 0 {
		return nil, fmt.Errorf("engine: negative gas price")
	} else {
		eff = new(big.Int).Set(eff)
	}

	prepay := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), eff)
	required := new(big.Int).Set(prepay)
	if wrapNative != nil {
		required.Add(required, wrapNative)
	}
	if value == nil || value.Cmp(required) != 0 {
		return nil, fmt.Errorf("%w: attached %s, required %s", ErrBadPrepayment, orZero(value), required)
	}

	if err := e.bank.Send(caller, e.addr, prepay); err != nil {
		return nil, fmt.Errorf("engine: escrow prepayment: %w", err)
	}
	if wrapNative != nil && wrapNative.Sign() > 0 {
		if err := e.wrapped.Wrap(caller, wrapNative); err != nil {
			// Undo the prepayment escrow; nothing was recorded yet.
			_ = e.bank.Send(e.addr, caller, prepay)
			return nil, fmt.Errorf("engine: wrap attached value: %w", err)
		}
	}

	acc, ts := p.Oracle().PriceInfo()
	now := uint32(e.clock.Now().Unix())
	return &order.Order{
		ValidAfter:       now + uint32(e.engineCfg.DelayInterval.Seconds()),
		PriceAccumulator: acc,
		Timestamp:        ts,
		Owner:            caller,
		To:               caller,
		GasLimit:         gasLimit,
		GasPrice:         eff,
		PairID:           order.PairFingerprint(p.Addr()),
	}, nil
}

func (e *Engine) lookupPair(a, b common.Address) (*pool.ReservePool, error) {
	p, ok := e.registry.Lookup(a, b)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPair, a.Hex(), b.Hex())
	}
	return p, nil
}

// wrapAmountFor returns the wrapped-native escrow amount implied by a Wrap
// flag, or an error if the pair has no wrapped-native side.
func (e *Engine) wrapAmountFor(p *pool.ReservePool, wrap bool, amount *big.Int) (*big.Int, error) {
	if !wrap {
		return nil, nil
	}
	w := e.wrapped.Addr()
	if p.Token0().Addr() != w && p.Token1().Addr() != w {
		return nil, fmt.Errorf("engine: pair has no wrapped-native token to wrap into")
	}
	return orZero(amount), nil
}

func (e *Engine) EnqueueDeposit(caller common.Address, req DepositRequest) (*order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.lookupPair(req.TokenA, req.TokenB)
	if err != nil {
		return nil, err
	}

	a0, a1 := orZero(req.AmountA), orZero(req.AmountB)
	if req.TokenA != p.Token0().Addr() {
		a0, a1 = a1, a0
	}
	if a0.Sign() < 0 || a1.Sign() < 0 {
		return nil, fmt.Errorf("engine: negative deposit amount")
	}
	if a0.Sign() == 0 && a1.Sign() == 0 {
		return nil, fmt.Errorf("engine: empty deposit")
	}
	if !req.SwapBalance && (a0.Sign() == 0 || a1.Sign() == 0) {
		return nil, fmt.Errorf("engine: one-sided deposit requires swap balancing")
	}

	var wrapAmount *big.Int
	if req.Wrap {
		side := a0
		if p.Token1().Addr() == e.wrapped.Addr() {
			side = a1
		}
		wrapAmount, err = e.wrapAmountFor(p, true, side)
		if err != nil {
			return nil, err
		}
	}

	o, err := e.prepare(caller, p, req.GasLimit, req.GasPrice, req.Value, wrapAmount)
	if err != nil {
		return nil, err
	}
	o.Type = order.Deposit
	o.Amount0, o.Amount1 = a0, a1
	o.Swap = req.SwapBalance
	if req.To != (common.Address{}) {
		o.To = req.To
	}

	if a0.Sign() > 0 {
		if err := p.Token0().Transfer(caller, e.addr, a0); err != nil {
			return nil, fmt.Errorf("engine: escrow token0: %w", err)
		}
	}
	if a1.Sign() > 0 {
		if err := p.Token1().Transfer(caller, e.addr, a1); err != nil {
			return nil, fmt.Errorf("engine: escrow token1: %w", err)
		}
	}

	return e.finishEnqueue(o)
}

func (e *Engine) EnqueueWithdraw(caller common.Address, req WithdrawRequest) (*order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.lookupPair(req.TokenA, req.TokenB)
	if err != nil {
		return nil, err
	}
	if req.Liquidity == nil || req.Liquidity.Sign() <= 0 {
		return nil, fmt.Errorf("engine: liquidity must be positive")
	}

	min0, min1 := orZero(req.MinAmountA), orZero(req.MinAmountB)
	if req.TokenA != p.Token0().Addr() {
		min0, min1 = min1, min0
	}

	o, err := e.prepare(caller, p, req.GasLimit, req.GasPrice, req.Value, nil)
	if err != nil {
		return nil, err
	}
	o.Type = order.Withdraw
	o.Liquidity = new(big.Int).Set(req.Liquidity)
	o.AmountLimit0, o.AmountLimit1 = min0, min1
	o.Unwrap = req.Unwrap
	if req.To != (common.Address{}) {
		o.To = req.To
	}

	if err := p.TransferLiquidity(caller, e.addr, o.Liquidity); err != nil {
		return nil, fmt.Errorf("engine: escrow liquidity: %w", err)
	}

	return e.finishEnqueue(o)
}

func (e *Engine) EnqueueSell(caller common.Address, req SellRequest) (*order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.lookupPair(req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("engine: sell amount must be positive")
	}

	var wrapAmount *big.Int
	if req.Wrap {
		if req.TokenIn != e.wrapped.Addr() {
			return nil, fmt.Errorf("engine: wrap requires selling the wrapped-native token")
		}
		wrapAmount = new(big.Int).Set(req.AmountIn)
	}

	o, err := e.prepare(caller, p, req.GasLimit, req.GasPrice, req.Value, wrapAmount)
	if err != nil {
		return nil, err
	}
	o.Type = order.Sell
	o.Inverted = req.TokenIn == p.Token1().Addr()
	if o.Inverted {
		o.Amount1 = new(big.Int).Set(req.AmountIn)
		o.AmountLimit0 = orZero(req.AmountOutMin)
	} else {
		o.Amount0 = new(big.Int).Set(req.AmountIn)
		o.AmountLimit1 = orZero(req.AmountOutMin)
	}
	o.Unwrap = req.Unwrap
	if req.To != (common.Address{}) {
		o.To = req.To
	}

	in := p.Token0()
	if o.Inverted {
		in = p.Token1()
	}
	if err := in.Transfer(caller, e.addr, req.AmountIn); err != nil {
		return nil, fmt.Errorf("engine: escrow input: %w", err)
	}

	return e.finishEnqueue(o)
}

func (e *Engine) EnqueueBuy(caller common.Address, req BuyRequest) (*order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.lookupPair(req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, err
	}
	if req.AmountOut == nil || req.AmountOut.Sign() <= 0 {
		return nil, fmt.Errorf("engine: buy amount must be positive")
	}
	if req.AmountInMax == nil || req.AmountInMax.Sign() <= 0 {
		return nil, fmt.Errorf("engine: input ceiling must be positive")
	}

	var wrapAmount *big.Int
	if req.Wrap {
		if req.TokenIn != e.wrapped.Addr() {
			return nil, fmt.Errorf("engine: wrap requires paying with the wrapped-native token")
		}
		wrapAmount = new(big.Int).Set(req.AmountInMax)
	}

	o, err := e.prepare(caller, p, req.GasLimit, req.GasPrice, req.Value, wrapAmount)
	if err != nil {
		return nil, err
	}
	o.Type = order.Buy
	o.Inverted = req.TokenIn == p.Token1().Addr()
	if o.Inverted {
		o.Amount0 = new(big.Int).Set(req.AmountOut)
		o.AmountLimit1 = new(big.Int).Set(req.AmountInMax)
	} else {
		o.Amount1 = new(big.Int).Set(req.AmountOut)
		o.AmountLimit0 = new(big.Int).Set(req.AmountInMax)
	}
	o.Unwrap = req.Unwrap
	if req.To != (common.Address{}) {
		o.To = req.To
	}

	in := p.Token0()
	if o.Inverted {
		in = p.Token1()
	}
	if err := in.Transfer(caller, e.addr, req.AmountInMax); err != nil {
		return nil, fmt.Errorf("engine: escrow input ceiling: %w", err)
	}

	return e.finishEnqueue(o)
}

// finishEnqueue assigns the id, persists the digest, and hands the full
// order back to the caller, who must resupply it verbatim at execution.
func (e *Engine) finishEnqueue(o *order.Order) (*order.Order, error) {
	id, err := e.book.Enqueue(o)
	if err != nil {
		return nil, err
	}
	e.log.Infow("order enqueued",
		"id", id, "type", o.Type.String(), "owner", o.Owner.Hex(),
		"pair", fmt.Sprintf("%08x", o.PairID), "validAfter", o.ValidAfter)
	e.emit(Event{Type: EvtOrderEnqueued, OrderID: id, Success: true, To: o.To})
	return o, nil
}

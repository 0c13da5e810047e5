package engine

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/delayswap/delayswap/pkg/core/gas"
	"github.com/delayswap/delayswap/pkg/core/oracle"
	"github.com/delayswap/delayswap/pkg/core/order"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
)

// Metered gas for the pool operations themselves; token transfers are
// charged separately from the cost table.
const (
	gasMint uint64 = 90_000
	gasBurn uint64 = 80_000
	gasSwap uint64 = 100_000
)

// payout is value the engine owes the order's recipient after the handler
// finishes: trade output, withdrawn reserves, unused input, deposit dust.
type payout struct {
	tok    token.Token
	amount *big.Int
	unwrap bool
}

// dispatch runs the order's handler with panics converted to failures, so
// a hostile token inside a pool operation fails one order, not the batch.
func (e *Engine) dispatch(o *order.Order, p *pool.ReservePool, m *gas.Meter) (outs []payout, err error) {
	defer func() {
		if r := recover(); r != nil {
			outs, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()

	switch o.Type {
	case order.Deposit:
		return e.executeDeposit(o, p, m)
	case order.Withdraw:
		return e.executeWithdraw(o, p, m)
	case order.Sell:
		return e.executeSell(o, p, m)
	case order.Buy:
		return e.executeBuy(o, p, m)
	default:
		return nil, fmt.Errorf("unknown order type %d", o.Type)
	}
}

func (e *Engine) chargeTransfer(m *gas.Meter, tok token.Token) error {
	return m.Charge(e.acct.Costs().TransferCost(tok.Addr()))
}

// checkTolerance rejects trades whose post-trade spot price strays from
// the average price by more than the pair's configured band.
func (e *Engine) checkTolerance(p *pool.ReservePool, pairID uint32, avg *uint256.Int, newR0, newR1 *big.Int) error {
	bps, ok := e.tolerance[pairID]
	if !ok {
		return nil
	}

	spot, err := p.Oracle().SpotPrice(newR0, newR1)
	if err != nil {
		return fmt.Errorf("%s: %v", ReasonPriceTolerance, err)
	}

	avgBig, spotBig := avg.ToBig(), spot.ToBig()
	diff := new(big.Int).Sub(spotBig, avgBig)
	diff.Abs(diff)
	// diff / avg > bps / 10000
	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(avgBig, big.NewInt(bps))
	if lhs.Cmp(rhs) > 0 {
		return fmt.Errorf("%s: spot %s vs average %s beyond %d bps", ReasonPriceTolerance, spotBig, avgBig, bps)
	}
	return nil
}

func (e *Engine) executeDeposit(o *order.Order, p *pool.ReservePool, m *gas.Meter) ([]payout, error) {
	a0 := new(big.Int).Set(orZero(o.Amount0))
	a1 := new(big.Int).Set(orZero(o.Amount1))
	snap := pool.Snapshot{Acc: o.PriceAccumulator, Ts: o.Timestamp}

	r0, r1 := p.Reserves()
	if o.Swap && r0.Sign() > 0 && r1.Sign() > 0 {
		avg, err := p.Oracle().AveragePrice(o.PriceAccumulator, o.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("average price: %v", err)
		}
		if err := e.rebalanceDeposit(p, o.PairID, m, snap, avg, a0, a1, r0, r1); err != nil {
			return nil, err
		}
		r0, r1 = p.Reserves()
	}

	// Proportional amounts the pool can actually absorb; the rest comes
	// back as dust.
	use0, use1 := new(big.Int).Set(a0), new(big.Int).Set(a1)
	if r0.Sign() > 0 && r1.Sign() > 0 {
		if new(big.Int).Mul(a0, r1).Cmp(new(big.Int).Mul(a1, r0)) <= 0 {
			use1 = mulDivCeil(a0, r1, r0)
			if use1.Cmp(a1) > 0 {
				use1.Set(a1)
			}
		} else {
			use0 = mulDivCeil(a1, r0, r1)
			if use0.Cmp(a0) > 0 {
				use0.Set(a0)
			}
		}
	}
	if use0.Sign() == 0 || use1.Sign() == 0 {
		return nil, depositFailure(fmt.Errorf("deposit too small to mint"), p, a0, a1)
	}

	// Escrow composition may have changed above; from here every failure
	// refunds the post-rebalance amounts, not the recorded ones.
	if err := m.Charge(gasMint); err != nil {
		return nil, depositFailure(err, p, a0, a1)
	}
	if err := e.chargeTransfer(m, p.Token0()); err != nil {
		return nil, depositFailure(err, p, a0, a1)
	}
	if err := e.chargeTransfer(m, p.Token1()); err != nil {
		return nil, depositFailure(err, p, a0, a1)
	}

	if _, err := p.Mint(e.addr, o.To, use0, use1); err != nil {
		return nil, depositFailure(fmt.Errorf("mint: %v", err), p, a0, a1)
	}

	// The mint itself is done and the liquidity granted; only the dust
	// remains with the engine, so that is all a failure from here owes.
	dust0 := new(big.Int).Sub(a0, use0)
	dust1 := new(big.Int).Sub(a1, use1)
	dustLegs := []payout{
		{tok: p.Token0(), amount: dust0},
		{tok: p.Token1(), amount: dust1},
	}
	var outs []payout
	if dust0.Sign() > 0 {
		if err := e.chargeTransfer(m, p.Token0()); err != nil {
			return nil, heldFunds(err, dustLegs...)
		}
		outs = append(outs, dustLegs[0])
	}
	if dust1.Sign() > 0 {
		if err := e.chargeTransfer(m, p.Token1()); err != nil {
			return nil, heldFunds(err, dustLegs...)
		}
		outs = append(outs, dustLegs[1])
	}
	return outs, nil
}

// depositFailure carries the post-rebalance escrow composition, so the
// refund matches what the engine actually still holds for this order.
func depositFailure(cause error, p *pool.ReservePool, a0, a1 *big.Int) error {
	return heldFunds(cause,
		payout{tok: p.Token0(), amount: new(big.Int).Set(a0)},
		payout{tok: p.Token1(), amount: new(big.Int).Set(a1)})
}

// rebalanceDeposit swaps roughly half the excess side at the average price
// so both amounts land near the reserve ratio. The internal swap is held
// to the same per-pair tolerance band as user trades. Mutates a0/a1 in
// place only after its swap succeeds.
func (e *Engine) rebalanceDeposit(p *pool.ReservePool, pairID uint32, m *gas.Meter, snap pool.Snapshot, avg *uint256.Int, a0, a1, r0, r1 *big.Int) error {
	avgBig := avg.ToBig()
	feeBps := p.SwapFeeBps()
	lhs := new(big.Int).Mul(a0, r1)
	rhs := new(big.Int).Mul(a1, r0)

	switch lhs.Cmp(rhs) {
	case 0:
		return nil
	case 1: // token0 in excess
		in0 := new(big.Int).Sub(lhs, rhs)
		in0.Div(in0, new(big.Int).Lsh(r1, 1))
		if in0.Sign() <= 0 || in0.Cmp(a0) >= 0 {
			return nil
		}
		net0 := new(big.Int).Sub(in0, bps(in0, feeBps))
		out1 := mulDiv(net0, avgBig, oracle.Precision)
		if out1.Sign() <= 0 {
			return nil
		}
		newR0 := new(big.Int).Add(r0, net0)
		newR1 := new(big.Int).Sub(r1, out1)
		if err := e.checkTolerance(p, pairID, avg, newR0, newR1); err != nil {
			return err
		}
		if err := m.Charge(gasSwap); err != nil {
			return err
		}
		if err := e.chargeTransfer(m, p.Token0()); err != nil {
			return err
		}
		if err := e.chargeTransfer(m, p.Token1()); err != nil {
			return err
		}
		if err := p.Swap(e.addr, e.addr, in0, nil, nil, out1, snap); err != nil {
			return fmt.Errorf("rebalance swap: %v", err)
		}
		a0.Sub(a0, in0)
		a1.Add(a1, out1)
	case -1: // token1 in excess
		in1 := new(big.Int).Sub(rhs, lhs)
		in1.Div(in1, new(big.Int).Lsh(r0, 1))
		if in1.Sign() <= 0 || in1.Cmp(a1) >= 0 {
			return nil
		}
		net1 := new(big.Int).Sub(in1, bps(in1, feeBps))
		out0 := outForExactIn1(net1, avgBig)
		if out0.Sign() <= 0 {
			return nil
		}
		newR0 := new(big.Int).Sub(r0, out0)
		newR1 := new(big.Int).Add(r1, net1)
		if err := e.checkTolerance(p, pairID, avg, newR0, newR1); err != nil {
			return err
		}
		if err := m.Charge(gasSwap); err != nil {
			return err
		}
		if err := e.chargeTransfer(m, p.Token1()); err != nil {
			return err
		}
		if err := e.chargeTransfer(m, p.Token0()); err != nil {
			return err
		}
		if err := p.Swap(e.addr, e.addr, nil, in1, out0, nil, snap); err != nil {
			return fmt.Errorf("rebalance swap: %v", err)
		}
		a1.Sub(a1, in1)
		a0.Add(a0, out0)
	}
	return nil
}

func (e *Engine) executeWithdraw(o *order.Order, p *pool.ReservePool, m *gas.Meter) ([]payout, error) {
	r0, r1 := p.Reserves()
	supply := p.TotalSupply()
	if supply.Sign() == 0 {
		return nil, fmt.Errorf("withdraw from empty pool")
	}

	// Expected outputs net of the burn fee, checked against the minimums
	// before any state moves.
	gross0 := mulDiv(o.Liquidity, r0, supply)
	gross1 := mulDiv(o.Liquidity, r1, supply)
	exp0 := new(big.Int).Sub(gross0, bps(gross0, p.BurnFeeBps()))
	exp1 := new(big.Int).Sub(gross1, bps(gross1, p.BurnFeeBps()))
	if exp0.Cmp(orZero(o.AmountLimit0)) < 0 || exp1.Cmp(orZero(o.AmountLimit1)) < 0 {
		return nil, fmt.Errorf("%s: %s/%s below minimums %s/%s",
			ReasonInsufficientOutput, exp0, exp1, orZero(o.AmountLimit0), orZero(o.AmountLimit1))
	}

	if err := m.Charge(gasBurn); err != nil {
		return nil, err
	}
	if err := e.chargeTransfer(m, p.Token0()); err != nil {
		return nil, err
	}
	if err := e.chargeTransfer(m, p.Token1()); err != nil {
		return nil, err
	}

	out0, out1, err := p.Burn(e.addr, e.addr, o.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("burn: %v", err)
	}

	// The liquidity is gone; whatever fails now, the recipient is owed the
	// burn outputs sitting at the engine address.
	burnLegs := []payout{
		{tok: p.Token0(), amount: out0, unwrap: o.Unwrap},
		{tok: p.Token1(), amount: out1, unwrap: o.Unwrap},
	}
	var outs []payout
	if out0.Sign() > 0 {
		if err := e.chargeTransfer(m, p.Token0()); err != nil {
			return nil, heldFunds(err, burnLegs...)
		}
		outs = append(outs, burnLegs[0])
	}
	if out1.Sign() > 0 {
		if err := e.chargeTransfer(m, p.Token1()); err != nil {
			return nil, heldFunds(err, burnLegs...)
		}
		outs = append(outs, burnLegs[1])
	}
	return outs, nil
}

func (e *Engine) executeSell(o *order.Order, p *pool.ReservePool, m *gas.Meter) ([]payout, error) {
	avg, err := p.Oracle().AveragePrice(o.PriceAccumulator, o.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("average price: %v", err)
	}
	avgBig := avg.ToBig()
	snap := pool.Snapshot{Acc: o.PriceAccumulator, Ts: o.Timestamp}
	r0, r1 := p.Reserves()
	feeBps := p.SwapFeeBps()

	if !o.Inverted {
		in0 := o.Amount0
		net0 := new(big.Int).Sub(in0, bps(in0, feeBps))
		out1 := mulDiv(net0, avgBig, oracle.Precision)
		if out1.Cmp(orZero(o.AmountLimit1)) < 0 {
			return nil, fmt.Errorf("%s: out %s below minimum %s", ReasonInsufficientOutput, out1, orZero(o.AmountLimit1))
		}
		newR0 := new(big.Int).Add(r0, net0)
		newR1 := new(big.Int).Sub(r1, out1)
		if err := e.checkTolerance(p, o.PairID, avg, newR0, newR1); err != nil {
			return nil, err
		}
		if err := chargeSwap(m, e, p); err != nil {
			return nil, err
		}
		if err := p.Swap(e.addr, e.addr, in0, nil, nil, out1, snap); err != nil {
			return nil, fmt.Errorf("swap: %v", err)
		}
		return []payout{{tok: p.Token1(), amount: out1, unwrap: o.Unwrap}}, nil
	}

	in1 := o.Amount1
	net1 := new(big.Int).Sub(in1, bps(in1, feeBps))
	out0 := outForExactIn1(net1, avgBig)
	if out0.Cmp(orZero(o.AmountLimit0)) < 0 {
		return nil, fmt.Errorf("%s: out %s below minimum %s", ReasonInsufficientOutput, out0, orZero(o.AmountLimit0))
	}
	newR0 := new(big.Int).Sub(r0, out0)
	newR1 := new(big.Int).Add(r1, net1)
	if err := e.checkTolerance(p, o.PairID, avg, newR0, newR1); err != nil {
		return nil, err
	}
	if err := chargeSwap(m, e, p); err != nil {
		return nil, err
	}
	if err := p.Swap(e.addr, e.addr, nil, in1, out0, nil, snap); err != nil {
		return nil, fmt.Errorf("swap: %v", err)
	}
	return []payout{{tok: p.Token0(), amount: out0, unwrap: o.Unwrap}}, nil
}

func (e *Engine) executeBuy(o *order.Order, p *pool.ReservePool, m *gas.Meter) ([]payout, error) {
	avg, err := p.Oracle().AveragePrice(o.PriceAccumulator, o.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("average price: %v", err)
	}
	avgBig := avg.ToBig()
	snap := pool.Snapshot{Acc: o.PriceAccumulator, Ts: o.Timestamp}
	r0, r1 := p.Reserves()
	feeBps := p.SwapFeeBps()

	if !o.Inverted {
		out1 := o.Amount1
		net0 := mulDivCeil(out1, oracle.Precision, avgBig)
		in0 := grossUp(net0, feeBps)
		max := o.AmountLimit0
		if in0.Cmp(max) > 0 {
			return nil, fmt.Errorf("%s: need %s of %s escrowed", ReasonExcessiveInput, in0, max)
		}
		newR0 := new(big.Int).Add(r0, net0)
		newR1 := new(big.Int).Sub(r1, out1)
		if err := e.checkTolerance(p, o.PairID, avg, newR0, newR1); err != nil {
			return nil, err
		}
		if err := chargeSwap(m, e, p); err != nil {
			return nil, err
		}
		if err := p.Swap(e.addr, e.addr, in0, nil, nil, out1, snap); err != nil {
			return nil, fmt.Errorf("swap: %v", err)
		}
		// Past the swap the engine holds the bought output plus the unused
		// escrow; a failure here owes exactly those.
		outs := []payout{{tok: p.Token1(), amount: out1, unwrap: o.Unwrap}}
		if leftover := new(big.Int).Sub(max, in0); leftover.Sign() > 0 {
			if err := e.chargeTransfer(m, p.Token0()); err != nil {
				return nil, heldFunds(err, outs[0], payout{tok: p.Token0(), amount: leftover})
			}
			outs = append(outs, payout{tok: p.Token0(), amount: leftover})
		}
		return outs, nil
	}

	out0 := o.Amount0
	net1 := mulDivCeil(out0, avgBig, oracle.Precision)
	in1 := grossUp(net1, feeBps)
	max := o.AmountLimit1
	if in1.Cmp(max) > 0 {
		return nil, fmt.Errorf("%s: need %s of %s escrowed", ReasonExcessiveInput, in1, max)
	}
	newR0 := new(big.Int).Sub(r0, out0)
	newR1 := new(big.Int).Add(r1, net1)
	if err := e.checkTolerance(p, o.PairID, avg, newR0, newR1); err != nil {
		return nil, err
	}
	if err := chargeSwap(m, e, p); err != nil {
		return nil, err
	}
	if err := p.Swap(e.addr, e.addr, nil, in1, out0, nil, snap); err != nil {
		return nil, fmt.Errorf("swap: %v", err)
	}
	outs := []payout{{tok: p.Token0(), amount: out0, unwrap: o.Unwrap}}
	if leftover := new(big.Int).Sub(max, in1); leftover.Sign() > 0 {
		if err := e.chargeTransfer(m, p.Token1()); err != nil {
			return nil, heldFunds(err, outs[0], payout{tok: p.Token1(), amount: leftover})
		}
		outs = append(outs, payout{tok: p.Token1(), amount: leftover})
	}
	return outs, nil
}

func chargeSwap(m *gas.Meter, e *Engine, p *pool.ReservePool) error {
	if err := m.Charge(gasSwap); err != nil {
		return err
	}
	if err := e.chargeTransfer(m, p.Token0()); err != nil {
		return err
	}
	return e.chargeTransfer(m, p.Token1())
}

func bps(amount *big.Int, b int64) *big.Int {
	if b == 0 || amount.Sign() <= 0 {
		return new(big.Int)
	}
	return mulDiv(amount, big.NewInt(b), big.NewInt(10_000))
}

// grossUp finds the smallest input whose amount net of the fee covers the
// required net input.
func grossUp(net *big.Int, feeBps int64) *big.Int {
	if feeBps == 0 {
		return new(big.Int).Set(net)
	}
	in := mulDivCeil(net, big.NewInt(10_000), big.NewInt(10_000-feeBps))
	one := big.NewInt(1)
	for new(big.Int).Sub(in, bps(in, feeBps)).Cmp(net) < 0 {
		in.Add(in, one)
	}
	return in
}

// outForExactIn1 is the largest token0 output an exact token1 input buys
// at the average price without underpaying the pool.
func outForExactIn1(net1, avgBig *big.Int) *big.Int {
	out0 := mulDiv(net1, oracle.Precision, avgBig)
	one := big.NewInt(1)
	for out0.Sign() > 0 && mulDivCeil(out0, avgBig, oracle.Precision).Cmp(net1) > 0 {
		out0.Sub(out0, one)
	}
	return out0
}

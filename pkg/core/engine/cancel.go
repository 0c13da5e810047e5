package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/pkg/core/order"
)

// Cancel refunds a still-pending order. Anyone may cancel once the cancel
// delay past validAfter has elapsed; the refund only ever goes to the
// order's recipient, so open cancellation cannot redirect funds. The
// supplied order must match its stored digest.
func (e *Engine) Cancel(caller common.Address, o *order.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.book.RefundPending(o.ID); pending {
		return fmt.Errorf("%w: refund already pending, retry it instead", ErrCannotCancel)
	}
	if !e.book.Verify(o) {
		return fmt.Errorf("%w: order %d not pending or does not match", ErrCannotCancel, o.ID)
	}

	now := uint32(e.clock.Now().Unix())
	deadline := o.ValidAfter + uint32(e.engineCfg.CancelDelay.Seconds())
	if now <= deadline {
		return fmt.Errorf("%w: cancelable after %d", ErrCannotCancel, deadline)
	}

	p, havePool := e.registry.ByFingerprint(o.PairID)

	// Terminal state first; the refund transfers below run against a
	// ledger that already shows this order canceled.
	if err := e.book.Clear(o.ID); err != nil {
		return err
	}
	if err := e.book.MarkCanceled(o.ID); err != nil {
		return err
	}

	// Nothing executed, so the full prepayment comes back.
	prepaid := new(big.Int).Mul(new(big.Int).SetUint64(o.GasLimit), o.GasPrice)
	var outs []payout
	if havePool {
		outs = escrowPayouts(o, p)
		if o.Type == order.Withdraw {
			if err := p.TransferLiquidity(e.addr, o.To, o.Liquidity); err != nil {
				e.log.Errorw("liquidity refund failed on cancel", "id", o.ID, "err", err)
			}
		}
	}

	remTokens, remNative, reason := e.payOut(o.To, outs, prepaid)
	if len(remTokens) > 0 || remNative != nil {
		rec := refundRecordFor(o.ID, o.To, now, reason, remTokens, remNative)
		if err := e.book.SetRefundPending(rec); err != nil {
			e.log.Errorw("refund record persist failed", "id", o.ID, "err", err)
		}
		e.emit(Event{Type: EvtRefundFailed, OrderID: o.ID, Reason: reason, To: o.To})
	}

	e.log.Infow("order canceled", "id", o.ID, "caller", caller.Hex())
	e.emit(Event{Type: EvtOrderCanceled, OrderID: o.ID, Success: true, To: o.To})
	return nil
}

// RetryRefund re-attempts the outstanding refund of a stuck order. Only
// the refund step runs again; the trade itself is never re-executed. A
// full success unblocks the FIFO cursor if this order was holding it.
func (e *Engine) RetryRefund(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.book.RefundPending(id)
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNoRefundPending, id)
	}

	if !e.retryLocked(&rec) {
		return fmt.Errorf("%w: %s", ErrTooEarly, rec.Reason)
	}
	if id == e.book.LastProcessed()+1 {
		if err := e.book.AdvanceCursor(id); err != nil {
			return err
		}
	}
	return nil
}

// Sweep force-moves a stuck refund's escrow to a fallback recipient after
// the dormancy window. Owner only; the last resort against escrow welded
// shut by a permanently hostile recipient.
func (e *Engine) Sweep(caller common.Address, id uint64, to common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrNotOwner
	}
	rec, ok := e.book.RefundPending(id)
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNoRefundPending, id)
	}

	now := uint32(e.clock.Now().Unix())
	ready := rec.FailedAt + uint32(e.engineCfg.SweepDormancy.Seconds())
	if now < ready {
		return fmt.Errorf("%w: sweepable after %d", ErrTooEarly, ready)
	}

	for _, ta := range rec.Tokens {
		if ta.Amount == nil || ta.Amount.Sign() == 0 {
			continue
		}
		tok, found := e.tokenByAddr(ta.Token)
		if !found {
			return fmt.Errorf("engine: sweep token %s not registered", ta.Token.Hex())
		}
		if res := e.acct.TryTransfer(tok, e.addr, to, ta.Amount); !res.OK {
			return fmt.Errorf("engine: sweep transfer failed: %s", res.Reason)
		}
	}
	if rec.Native != nil && rec.Native.Sign() > 0 {
		if res := e.acct.TrySend(e.addr, to, rec.Native); !res.OK {
			return fmt.Errorf("engine: sweep native send failed: %s", res.Reason)
		}
	}

	if err := e.book.ClearRefundPending(id); err != nil {
		return err
	}
	if err := e.book.Clear(id); err != nil {
		return err
	}
	if id == e.book.LastProcessed()+1 {
		if err := e.book.AdvanceCursor(id); err != nil {
			return err
		}
	}

	e.log.Infow("escrow swept", "id", id, "to", to.Hex())
	e.emit(Event{Type: EvtSwept, OrderID: id, Success: true, To: to})
	return nil
}

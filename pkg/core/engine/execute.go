package engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/delayswap/delayswap/pkg/core/gas"
	"github.com/delayswap/delayswap/pkg/core/ledger"
	"github.com/delayswap/delayswap/pkg/core/order"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
)

type OrderStatus string

const (
	// StatusSkipped covers historical ids and slots already resolved by a
	// cancel; the batch passes over them.
	StatusSkipped OrderStatus = "skipped"
	// StatusSucceeded means the handler ran and everything owed was paid.
	StatusSucceeded OrderStatus = "succeeded"
	// StatusFailed means the handler failed and the escrow was refunded.
	StatusFailed OrderStatus = "failed"
	// StatusRefunded means a previously stuck refund finally moved.
	StatusRefunded OrderStatus = "refunded"
	// StatusStuck means a refund leg could not be paid; the order keeps
	// its refund record and the FIFO cursor halts here.
	StatusStuck OrderStatus = "stuck"
)

type OrderResult struct {
	ID        uint64      `json:"id"`
	Status    OrderStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	GasSpent  uint64      `json:"gasSpent,omitempty"`
	EthRefund *big.Int    `json:"ethRefund,omitempty"`
}

// Receipt summarizes one Execute call.
type Receipt struct {
	Batch         string        `json:"batch"`
	Results       []OrderResult `json:"results"`
	LastProcessed uint64        `json:"lastProcessed"`
}

const (
	planSkipHistoric = iota
	planSkipResolved
	planRetry
	planFresh
)

type plannedOrder struct {
	o    *order.Order
	kind int
}

// Execute resolves the supplied pending orders in FIFO order. The whole
// call is rejected for authorization, sequencing, or digest mismatches;
// past validation, each order commits individually and a failure is data
// on the receipt, never an error.
//
// Ids at or below the cursor are trusted as resolved and skipped. Fresh
// ids must form a contiguous run starting at the cursor; the queue cannot
// be jumped. Orders not yet due end the batch early.
func (e *Engine) Execute(caller common.Address, orders []*order.Order) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := uint32(e.clock.Now().Unix())
	cursor := e.book.LastProcessed()
	rcpt := &Receipt{Batch: uuid.New().String()}

	plan := make([]plannedOrder, 0, len(orders))
	var prev uint64
	expect := cursor + 1
	for i, o := range orders {
		if o == nil {
			return nil, fmt.Errorf("%w: nil order at index %d", ErrOutOfSequence, i)
		}
		if i > 0 && o.ID <= prev {
			return nil, fmt.Errorf("%w: id %d after %d", ErrOutOfSequence, o.ID, prev)
		}
		prev = o.ID

		if o.ID <= cursor {
			plan = append(plan, plannedOrder{o, planSkipHistoric})
			continue
		}
		if o.ID != expect {
			return nil, fmt.Errorf("%w: id %d, expected %d", ErrOutOfSequence, o.ID, expect)
		}
		expect++

		if _, pending := e.book.RefundPending(o.ID); pending {
			plan = append(plan, plannedOrder{o, planRetry})
			continue
		}
		stored := e.book.OrderHash(o.ID)
		if stored == (common.Hash{}) {
			// Canceled and fully refunded; nothing left to do but move
			// the cursor past it.
			plan = append(plan, plannedOrder{o, planSkipResolved})
			continue
		}
		if stored != o.Hash() {
			return nil, fmt.Errorf("%w: order %d", ErrConsistencyViolation, o.ID)
		}
		plan = append(plan, plannedOrder{o, planFresh})
	}

	// During the grace period after an order comes due, only the bot may
	// execute it. Every due fresh order is checked; an old order past its
	// window cannot front a batch to smuggle later ones through theirs.
	// Orders not yet due are left to the commit loop's early halt.
	if e.bot != (common.Address{}) && caller != e.bot {
		grace := uint32(e.engineCfg.BotGracePeriod.Seconds())
		for _, pl := range plan {
			if pl.kind != planFresh || now < pl.o.ValidAfter {
				continue
			}
			if now < pl.o.ValidAfter+grace {
				return nil, fmt.Errorf("%w: order %d grace period ends at %d", ErrUnauthorized, pl.o.ID, pl.o.ValidAfter+grace)
			}
		}
	}

	for _, pl := range plan {
		o := pl.o
		halt := false
		switch pl.kind {
		case planSkipHistoric:
			rcpt.Results = append(rcpt.Results, OrderResult{ID: o.ID, Status: StatusSkipped})

		case planSkipResolved:
			if err := e.book.AdvanceCursor(o.ID); err != nil {
				return rcpt, err
			}
			rcpt.Results = append(rcpt.Results, OrderResult{ID: o.ID, Status: StatusSkipped})

		case planRetry:
			rec, _ := e.book.RefundPending(o.ID)
			if !e.retryLocked(&rec) {
				rcpt.Results = append(rcpt.Results, OrderResult{ID: o.ID, Status: StatusStuck, Reason: string(rec.Reason)})
				halt = true
				break
			}
			if err := e.book.AdvanceCursor(o.ID); err != nil {
				return rcpt, err
			}
			rcpt.Results = append(rcpt.Results, OrderResult{ID: o.ID, Status: StatusRefunded})

		case planFresh:
			if now < o.ValidAfter {
				halt = true
				break
			}
			res := e.resolveOrder(caller, o, now)
			rcpt.Results = append(rcpt.Results, res)
			if res.Status == StatusStuck {
				halt = true
			}
		}
		if halt {
			break
		}
	}

	rcpt.LastProcessed = e.book.LastProcessed()
	e.log.Infow("batch executed",
		"batch", rcpt.Batch, "caller", caller.Hex(),
		"orders", len(rcpt.Results), "lastProcessed", rcpt.LastProcessed)
	return rcpt, nil
}

// resolveOrder runs one due order end to end: clear the ledger slot, run
// the handler under its gas meter, reimburse the executor, and pay out or
// refund. Returns stuck when a refund leg cannot move.
func (e *Engine) resolveOrder(caller common.Address, o *order.Order, now uint32) OrderResult {
	p, havePool := e.registry.ByFingerprint(o.PairID)
	prepaid := new(big.Int).Mul(new(big.Int).SetUint64(o.GasLimit), o.GasPrice)

	// The slot is zeroed before anything external runs; a reentrant look
	// at the ledger can never see this order as still pending.
	if err := e.book.Clear(o.ID); err != nil {
		return OrderResult{ID: o.ID, Status: StatusStuck, Reason: err.Error()}
	}

	m := gas.NewMeter(o.GasLimit)
	var outs []payout
	var handlerErr error
	lifetime := uint32(e.engineCfg.MaxOrderLifetime.Seconds())
	switch {
	case now > o.ValidAfter+lifetime:
		handlerErr = errors.New(ReasonExpired)
	case !havePool:
		handlerErr = fmt.Errorf("pair %08x not registered", o.PairID)
	default:
		outs, handlerErr = e.dispatch(o, p, m)
	}

	gasSpent := m.Used()
	reimb := e.acct.Reimbursement(gasSpent, o.GasLimit, o.GasPrice, prepaid)
	// The executor's own payment; a hostile executor only hurts itself.
	_ = e.acct.TrySend(e.addr, caller, reimb)
	ethOwed := new(big.Int).Sub(prepaid, reimb)

	success := handlerErr == nil
	reason := ""
	if handlerErr != nil {
		reason = handlerErr.Error()
		if errors.Is(handlerErr, gas.ErrOutOfGas) {
			reason = ReasonOutOfGas
		}
		outs = nil
		if havePool {
			// A failedOrder knows exactly what the engine holds for this
			// order; anything else failed before state moved, so the
			// recorded escrow (and withdraw liquidity) is still intact.
			var f *failedOrder
			if errors.As(handlerErr, &f) {
				outs = f.refund
			} else {
				outs = escrowPayouts(o, p)
				if o.Type == order.Withdraw {
					if err := p.TransferLiquidity(e.addr, o.To, o.Liquidity); err != nil {
						e.log.Errorw("liquidity refund failed", "id", o.ID, "err", err)
					}
				}
			}
		}
	}

	remTokens, remNative, failReason := e.payOut(o.To, outs, ethOwed)
	if len(remTokens) == 0 && remNative == nil {
		if err := e.book.AdvanceCursor(o.ID); err != nil {
			return OrderResult{ID: o.ID, Status: StatusStuck, Reason: err.Error()}
		}
		e.emit(Event{
			Type: EvtOrderExecuted, OrderID: o.ID, Success: success,
			Reason: reason, GasSpent: gasSpent, To: o.To, Amount: ethOwed,
		})
		status := StatusSucceeded
		if !success {
			status = StatusFailed
		}
		return OrderResult{ID: o.ID, Status: status, Reason: reason, GasSpent: gasSpent, EthRefund: ethOwed}
	}

	rec := refundRecordFor(o.ID, o.To, now, failReason, remTokens, remNative)
	if err := e.book.SetRefundPending(rec); err != nil {
		e.log.Errorw("refund record persist failed", "id", o.ID, "err", err)
	}
	e.emit(Event{Type: EvtRefundFailed, OrderID: o.ID, Reason: failReason, To: o.To})
	e.log.Warnw("refund failed, cursor halted", "id", o.ID, "reason", failReason)
	return OrderResult{ID: o.ID, Status: StatusStuck, Reason: failReason, GasSpent: gasSpent}
}

// failedOrder is a handler failure that carries its own refund legs, used
// whenever the escrow the engine holds for the order no longer matches
// the order's recorded amounts: a rebalanced deposit, a completed burn,
// a swap that went through before a later step failed. The legs are what
// the engine actually holds, never a reconstruction.
type failedOrder struct {
	reason string
	cause  error
	refund []payout
}

func (f *failedOrder) Error() string { return f.reason }
func (f *failedOrder) Unwrap() error { return f.cause }

// heldFunds wraps a failure that struck after a pool operation already
// moved value to the engine address.
func heldFunds(cause error, legs ...payout) error {
	var refund []payout
	for _, l := range legs {
		if l.amount != nil && l.amount.Sign() > 0 {
			refund = append(refund, l)
		}
	}
	return &failedOrder{reason: cause.Error(), cause: cause, refund: refund}
}

// escrowPayouts reconstructs the token escrow owed back to the recipient
// from the verified order itself. Withdraw escrow is liquidity and is
// returned separately.
func escrowPayouts(o *order.Order, p *pool.ReservePool) []payout {
	var outs []payout
	add := func(tok token.Token, amount *big.Int) {
		if amount != nil && amount.Sign() > 0 {
			outs = append(outs, payout{tok: tok, amount: amount})
		}
	}
	switch o.Type {
	case order.Deposit:
		add(p.Token0(), o.Amount0)
		add(p.Token1(), o.Amount1)
	case order.Sell:
		if o.Inverted {
			add(p.Token1(), o.Amount1)
		} else {
			add(p.Token0(), o.Amount0)
		}
	case order.Buy:
		if o.Inverted {
			add(p.Token1(), o.AmountLimit1)
		} else {
			add(p.Token0(), o.AmountLimit0)
		}
	}
	return outs
}

// payOut delivers legs and the native remainder to the recipient, best
// effort. Whatever could not move comes back as outstanding amounts.
func (e *Engine) payOut(to common.Address, outs []payout, native *big.Int) (rem []ledger.TokenAmount, remNative *big.Int, reason string) {
	for _, leg := range outs {
		if leg.amount == nil || leg.amount.Sign() == 0 {
			continue
		}
		ok, why := e.payLeg(to, leg)
		if !ok {
			rem = append(rem, ledger.TokenAmount{Token: leg.tok.Addr(), Amount: new(big.Int).Set(leg.amount)})
			if reason == "" {
				reason = why
			}
		}
	}
	if native != nil && native.Sign() > 0 {
		res := e.acct.TrySend(e.addr, to, native)
		e.emit(Event{Type: EvtEthRefund, To: to, Amount: native, Success: res.OK})
		if !res.OK {
			remNative = new(big.Int).Set(native)
			if reason == "" {
				reason = string(res.Reason)
			}
		}
	}
	return rem, remNative, reason
}

// payLeg moves one token leg. Unwrap legs fall back to delivering the
// wrapped form when the native send is refused.
func (e *Engine) payLeg(to common.Address, leg payout) (bool, string) {
	if leg.unwrap && leg.tok.Addr() == e.wrapped.Addr() {
		res, fellBack := e.acct.UnwrapAndSend(e.addr, to, leg.amount)
		if fellBack {
			e.emit(Event{Type: EvtUnwrapFailed, To: to, Token: leg.tok.Addr(), Amount: leg.amount, Success: res.OK})
		}
		return res.OK, string(res.Reason)
	}
	res := e.acct.TryTransfer(leg.tok, e.addr, to, leg.amount)
	return res.OK, string(res.Reason)
}

func refundRecordFor(id uint64, to common.Address, failedAt uint32, reason string, tokens []ledger.TokenAmount, native *big.Int) ledger.RefundRecord {
	return ledger.RefundRecord{
		ID:       id,
		To:       to,
		FailedAt: failedAt,
		Reason:   []byte(reason),
		Tokens:   tokens,
		Native:   native,
	}
}

// retryLocked re-attempts every outstanding leg of a refund record. On
// full success the record and slot are cleared; on partial success the
// record shrinks to what is still owed. Cursor movement is the caller's.
func (e *Engine) retryLocked(rec *ledger.RefundRecord) bool {
	var rem []ledger.TokenAmount
	reason := string(rec.Reason)
	for _, ta := range rec.Tokens {
		if ta.Amount == nil || ta.Amount.Sign() == 0 {
			continue
		}
		tok, ok := e.tokenByAddr(ta.Token)
		if !ok {
			rem = append(rem, ta)
			reason = fmt.Sprintf("token %s not registered", ta.Token.Hex())
			continue
		}
		res := e.acct.TryTransfer(tok, e.addr, rec.To, ta.Amount)
		if !res.OK {
			rem = append(rem, ta)
			reason = string(res.Reason)
		}
	}
	var remNative *big.Int
	if rec.Native != nil && rec.Native.Sign() > 0 {
		res := e.acct.TrySend(e.addr, rec.To, rec.Native)
		e.emit(Event{Type: EvtEthRefund, To: rec.To, Amount: rec.Native, Success: res.OK})
		if !res.OK {
			remNative = rec.Native
			reason = string(res.Reason)
		}
	}

	if len(rem) == 0 && remNative == nil {
		_ = e.book.ClearRefundPending(rec.ID)
		_ = e.book.Clear(rec.ID)
		e.emit(Event{Type: EvtRefundRetried, OrderID: rec.ID, Success: true, To: rec.To})
		return true
	}

	rec.Tokens, rec.Native = rem, remNative
	rec.Reason = []byte(reason)
	_ = e.book.SetRefundPending(*rec)
	e.emit(Event{Type: EvtRefundRetried, OrderID: rec.ID, Success: false, Reason: reason, To: rec.To})
	return false
}

package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type EventType string

const (
	EvtOrderEnqueued EventType = "OrderEnqueued"
	EvtOrderExecuted EventType = "OrderExecuted"
	EvtOrderCanceled EventType = "OrderCanceled"
	EvtEthRefund     EventType = "EthRefund"
	EvtRefundFailed  EventType = "RefundFailed"
	EvtRefundRetried EventType = "RefundRetried"
	EvtUnwrapFailed  EventType = "UnwrapFailed"
	EvtSwept         EventType = "Swept"
)

// Event is the engine's single notification shape. Fields that do not
// apply to a given type are left at their zero value and omitted from
// the journal encoding.
type Event struct {
	Type     EventType      `json:"type"`
	Batch    string         `json:"batch,omitempty"`
	OrderID  uint64         `json:"orderId,omitempty"`
	Success  bool           `json:"success"`
	Reason   string         `json:"reason,omitempty"`
	GasSpent uint64         `json:"gasSpent,omitempty"`
	To       common.Address `json:"to,omitempty"`
	Token    common.Address `json:"token,omitempty"`
	Amount   *big.Int       `json:"amount,omitempty"`
	Time     uint32         `json:"time,omitempty"`
}

// Subscriber receives every event the engine emits, synchronously and in
// order. Subscribers must not call back into the engine.
type Subscriber func(Event)

func (e *Engine) Subscribe(fn Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Engine) emit(ev Event) {
	ev.Time = uint32(e.clock.Now().Unix())
	e.journal.Append(ev)
	for _, fn := range e.subs {
		fn(ev)
	}
}

package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/delayswap/delayswap/pkg/core/order"
)

func testOrder(amount int64) *order.Order {
	return &order.Order{
		Type:             order.Sell,
		ValidAfter:       1_700_000_300,
		PriceAccumulator: uint256.NewInt(42),
		Timestamp:        1_700_000_000,
		Owner:            common.HexToAddress("0x1000000000000000000000000000000000000001"),
		To:               common.HexToAddress("0x1000000000000000000000000000000000000001"),
		GasLimit:         200_000,
		GasPrice:         big.NewInt(10),
		Amount0:          big.NewInt(amount),
		PairID:           1,
	}
}

func TestEnqueueAssignsIncreasingIDs(t *testing.T) {
	l, _ := New(nil)

	for want := uint64(1); want <= 5; want++ {
		o := testOrder(int64(want))
		id, err := l.Enqueue(o)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if id != want || o.ID != want {
			t.Fatalf("id assignment: want %d, got %d (order %d)", want, id, o.ID)
		}
	}
	if l.Newest() != 5 {
		t.Fatalf("newest: want 5, got %d", l.Newest())
	}
}

func TestVerifyAndTamperDetection(t *testing.T) {
	l, _ := New(nil)
	o := testOrder(100)
	_, _ = l.Enqueue(o)

	if !l.Verify(o) {
		t.Fatal("genuine order should verify")
	}

	tampered := *o
	tampered.Amount0 = big.NewInt(999)
	if l.Verify(&tampered) {
		t.Fatal("tampered order must not verify")
	}
}

func TestClearIdempotentAndTerminal(t *testing.T) {
	l, _ := New(nil)
	o := testOrder(100)
	id, _ := l.Enqueue(o)

	if err := l.Clear(id); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if l.OrderHash(id) != (common.Hash{}) {
		t.Fatal("cleared slot should read as zero hash")
	}
	if l.Verify(o) {
		t.Fatal("cleared order must never verify again")
	}
	if err := l.Clear(id); err != nil {
		t.Fatalf("second clear should be a no-op: %v", err)
	}
}

func TestCursorMonotone(t *testing.T) {
	l, _ := New(nil)
	for i := 0; i < 3; i++ {
		_, _ = l.Enqueue(testOrder(int64(i)))
	}

	if err := l.AdvanceCursor(2); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := l.AdvanceCursor(1); err == nil {
		t.Fatal("cursor regression must be rejected")
	}
	if err := l.AdvanceCursor(2); err != nil {
		t.Fatalf("advancing to the same position is a no-op: %v", err)
	}
	if err := l.AdvanceCursor(4); err == nil {
		t.Fatal("cursor past newest must be rejected")
	}
	if l.LastProcessed() != 2 {
		t.Fatalf("cursor: want 2, got %d", l.LastProcessed())
	}
}

func TestCanceledSetDistinguishesTerminalStates(t *testing.T) {
	l, _ := New(nil)
	executed, _ := l.Enqueue(testOrder(1))
	canceled, _ := l.Enqueue(testOrder(2))

	_ = l.Clear(executed)
	_ = l.Clear(canceled)
	_ = l.MarkCanceled(canceled)

	if l.IsCanceled(executed) {
		t.Fatal("executed order misreported as canceled")
	}
	if !l.IsCanceled(canceled) {
		t.Fatal("canceled order not in canceled set")
	}
}

func TestRefundPendingLifecycle(t *testing.T) {
	l, _ := New(nil)
	id, _ := l.Enqueue(testOrder(1))

	if _, ok := l.RefundPending(id); ok {
		t.Fatal("fresh order should have no refund record")
	}

	rec := RefundRecord{ID: id, To: common.HexToAddress("0x1000000000000000000000000000000000000001"), FailedAt: 1_700_000_500, Reason: []byte("transfer disabled")}
	if err := l.SetRefundPending(rec); err != nil {
		t.Fatalf("set refund pending: %v", err)
	}

	got, ok := l.RefundPending(id)
	if !ok || got.FailedAt != rec.FailedAt {
		t.Fatalf("refund record: %+v ok=%v", got, ok)
	}

	if err := l.ClearRefundPending(id); err != nil {
		t.Fatalf("clear refund pending: %v", err)
	}
	if _, ok := l.RefundPending(id); ok {
		t.Fatal("record should be gone after clear")
	}
	if err := l.ClearRefundPending(id); err != nil {
		t.Fatalf("second clear should be a no-op: %v", err)
	}
}

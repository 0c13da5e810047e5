package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/pkg/core/order"
)

// TokenAmount is one leg of an outstanding refund.
type TokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

// RefundRecord marks an order whose escrow refund failed. The order's slot
// stays occupied so the escrow can be retried; the record carries exactly
// what is still owed, so a retry after a partial failure never pays a leg
// twice.
type RefundRecord struct {
	ID       uint64
	To       common.Address
	FailedAt uint32 // unix seconds of the failed attempt
	Reason   []byte
	Tokens   []TokenAmount
	Native   *big.Int // outstanding native refund, nil when none
}

// Outstanding reports whether any leg of the refund is still owed.
func (r RefundRecord) Outstanding() bool {
	for _, t := range r.Tokens {
		if t.Amount != nil && t.Amount.Sign() > 0 {
			return true
		}
	}
	return r.Native != nil && r.Native.Sign() > 0
}

// Store is the durable backing for ledger state. Nil disables persistence
// (tests); pkg/storage provides the Pebble implementation.
type Store interface {
	SaveDigest(id uint64, digest common.Hash) error
	DeleteDigest(id uint64) error
	LoadDigests() (map[uint64]common.Hash, error)

	SaveCursor(lastProcessed, newest uint64) error
	LoadCursor() (lastProcessed, newest uint64, ok bool, err error)

	SaveCanceled(id uint64) error
	LoadCanceled() (map[uint64]struct{}, error)

	SaveRefundRecord(rec RefundRecord) error
	DeleteRefundRecord(id uint64) error
	LoadRefundRecords() (map[uint64]RefundRecord, error)
}

// Ledger is the durable record of pending orders: a strictly increasing id
// sequence, one content digest per slot, and the FIFO cursor separating
// processed from pending. In-memory state under a RWMutex with
// write-through persistence, the manager-over-store shape.
type Ledger struct {
	mu    sync.RWMutex
	store Store

	digests       map[uint64]common.Hash
	canceled      map[uint64]struct{}
	refundPending map[uint64]RefundRecord

	lastProcessed uint64
	newest        uint64
}

func New(store Store) (*Ledger, error) {
	l := &Ledger{
		store:         store,
		digests:       make(map[uint64]common.Hash),
		canceled:      make(map[uint64]struct{}),
		refundPending: make(map[uint64]RefundRecord),
	}
	if store == nil {
		return l, nil
	}

	digests, err := store.LoadDigests()
	if err != nil {
		return nil, fmt.Errorf("ledger: load digests: %w", err)
	}
	l.digests = digests

	last, newest, ok, err := store.LoadCursor()
	if err != nil {
		return nil, fmt.Errorf("ledger: load cursor: %w", err)
	}
	if ok {
		l.lastProcessed, l.newest = last, newest
	}

	canceled, err := store.LoadCanceled()
	if err != nil {
		return nil, fmt.Errorf("ledger: load canceled set: %w", err)
	}
	l.canceled = canceled

	records, err := store.LoadRefundRecords()
	if err != nil {
		return nil, fmt.Errorf("ledger: load refund records: %w", err)
	}
	l.refundPending = records

	return l, nil
}

// Enqueue assigns the next order id, writes it into the order, stores the
// content digest, and advances the newest-id watermark.
func (l *Ledger) Enqueue(o *order.Order) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.newest + 1
	o.ID = id
	digest := o.Hash()
	l.digests[id] = digest
	l.newest = id

	if l.store != nil {
		if err := l.store.SaveDigest(id, digest); err != nil {
			return 0, fmt.Errorf("ledger: persist digest: %w", err)
		}
		if err := l.store.SaveCursor(l.lastProcessed, l.newest); err != nil {
			return 0, fmt.Errorf("ledger: persist cursor: %w", err)
		}
	}
	return id, nil
}

// NextID returns the id the next enqueued order will receive.
func (l *Ledger) NextID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newest + 1
}

// OrderHash returns the stored digest for an id. The zero hash means
// executed, canceled, or never existed.
func (l *Ledger) OrderHash(id uint64) common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.digests[id]
}

// Verify reports whether the supplied order matches its stored digest.
func (l *Ledger) Verify(o *order.Order) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stored, ok := l.digests[o.ID]
	return ok && stored == o.Hash()
}

// Clear zeroes an order's slot, marking it executed or canceled.
// Idempotent.
func (l *Ledger) Clear(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.digests[id]; !ok {
		return nil
	}
	delete(l.digests, id)
	if l.store != nil {
		if err := l.store.DeleteDigest(id); err != nil {
			return fmt.Errorf("ledger: clear digest: %w", err)
		}
	}
	return nil
}

// MarkCanceled records an id in the canceled set. Canceled and executed
// orders share the cleared-slot terminal state; this set is what makes
// them externally distinguishable.
func (l *Ledger) MarkCanceled(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.canceled[id] = struct{}{}
	if l.store != nil {
		if err := l.store.SaveCanceled(id); err != nil {
			return fmt.Errorf("ledger: persist canceled: %w", err)
		}
	}
	return nil
}

func (l *Ledger) IsCanceled(id uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.canceled[id]
	return ok
}

// LastProcessed returns the FIFO cursor: every id at or below it has been
// resolved.
func (l *Ledger) LastProcessed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastProcessed
}

// Newest returns the highest assigned order id.
func (l *Ledger) Newest() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newest
}

// AdvanceCursor moves the processed cursor forward. Regressions and moves
// past the newest id are rejected; the cursor is monotone by invariant.
func (l *Ledger) AdvanceCursor(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < l.lastProcessed {
		return fmt.Errorf("ledger: cursor regression %d -> %d", l.lastProcessed, id)
	}
	if id > l.newest {
		return fmt.Errorf("ledger: cursor %d past newest %d", id, l.newest)
	}
	if id == l.lastProcessed {
		return nil
	}

	l.lastProcessed = id
	if l.store != nil {
		if err := l.store.SaveCursor(l.lastProcessed, l.newest); err != nil {
			return fmt.Errorf("ledger: persist cursor: %w", err)
		}
	}
	return nil
}

// SetRefundPending records a failed refund for later retry.
func (l *Ledger) SetRefundPending(rec RefundRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refundPending[rec.ID] = rec
	if l.store != nil {
		if err := l.store.SaveRefundRecord(rec); err != nil {
			return fmt.Errorf("ledger: persist refund record: %w", err)
		}
	}
	return nil
}

// RefundPending returns the refund record for an id, if any.
func (l *Ledger) RefundPending(id uint64) (RefundRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.refundPending[id]
	return rec, ok
}

// ClearRefundPending removes a refund record once the escrow has moved.
func (l *Ledger) ClearRefundPending(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.refundPending[id]; !ok {
		return nil
	}
	delete(l.refundPending, id)
	if l.store != nil {
		if err := l.store.DeleteRefundRecord(id); err != nil {
			return fmt.Errorf("ledger: clear refund record: %w", err)
		}
	}
	return nil
}

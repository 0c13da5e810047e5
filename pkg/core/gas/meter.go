package gas

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrOutOfGas = errors.New("gas: limit exhausted")

// Meter tracks abstract gas consumed by one order's handler against the
// caller-supplied ceiling. Handlers charge as they go; the first charge
// past the limit fails the order without touching further state.
type Meter struct {
	limit uint64
	used  uint64
}

func NewMeter(limit uint64) *Meter { return &Meter{limit: limit} }

func (m *Meter) Charge(n uint64) error {
	if m.used+n > m.limit || m.used+n < m.used {
		m.used = m.limit
		return ErrOutOfGas
	}
	m.used += n
	return nil
}

func (m *Meter) Used() uint64      { return m.used }
func (m *Meter) Limit() uint64     { return m.limit }
func (m *Meter) Remaining() uint64 { return m.limit - m.used }

// CostTable carries per-token transfer gas costs. Tokens without an
// override charge the default; the engine owner registers overrides for
// tokens with unusual transfer costs.
type CostTable struct {
	mu          sync.RWMutex
	defaultCost uint64
	overrides   map[common.Address]uint64
}

func NewCostTable(defaultCost uint64) *CostTable {
	return &CostTable{
		defaultCost: defaultCost,
		overrides:   make(map[common.Address]uint64),
	}
}

func (t *CostTable) TransferCost(token common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.overrides[token]; ok {
		return c
	}
	return t.defaultCost
}

// SetOverride registers a per-token cost; zero clears the override.
func (t *CostTable) SetOverride(token common.Address, cost uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cost == 0 {
		delete(t.overrides, token)
		return
	}
	t.overrides[token] = cost
}
